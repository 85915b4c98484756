// Package launcher brings splitter pools up and down for channels.
//
// Two engines are provided:
//
//   - HTTPLauncher talks to a standalone engine over REST. Requests are
//     retried on transport errors, 5xx and 429 responses with a bounded
//     number of attempts; other 4xx responses fail immediately.
//   - ProcessLauncher runs the splitter and monitor binaries locally with
//     os/exec. Processes are placed in their own process group and stopped
//     with SIGTERM followed by SIGKILL after a grace period.
//
// Both engines reject results whose splitter count differs from the request,
// so callers can rely on PoolLaunchResult matching LaunchSpec.SplitterCount.
package launcher
