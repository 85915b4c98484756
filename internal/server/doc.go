// Package server exposes the crossroads API from a single HTTP server.
//
// Every route shares one middleware chain: request ids, request logging,
// metrics, security headers, CORS and rate limiting, applied outermost first.
// Channel creation carries its own per-client budget on top of the global
// token bucket because each creation starts worker processes.
package server
