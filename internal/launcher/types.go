package launcher

import (
	"context"
	"errors"
)

var (
	// ErrUnknownChannel is returned by Stop when no pool is running for the url.
	ErrUnknownChannel = errors.New("no pool running for channel")
	// ErrInvalidResult is returned when the engine reports a pool that does not
	// match the requested shape.
	ErrInvalidResult = errors.New("launcher returned an invalid pool")
)

// LaunchSpec carries everything the engine needs to bring up a channel's
// splitter pool and monitor.
type LaunchSpec struct {
	ChannelURL        string `json:"channelUrl"`
	SourceAddress     string `json:"sourceAddress"`
	SourcePort        int    `json:"sourcePort"`
	HeaderSize        int    `json:"headerSize"`
	SplitterCount     int    `json:"splitterCount"`
	SplitterPort      int    `json:"splitterPort,omitempty"`
	MonitorPort       int    `json:"monitorPort,omitempty"`
	SmartSourceClient bool   `json:"isSmartSourceClient"`
}

// PoolLaunchResult describes the processes started for a channel. The
// SplitterAddresses slice always has one entry per requested splitter.
type PoolLaunchResult struct {
	SplitterAddresses []string `json:"splitterAddress"`
	MonitorAddress    string   `json:"monitorAddress"`
	ListenPort        int      `json:"listenPort"`
}

// HealthStatus captures the availability of the launching engine.
type HealthStatus struct {
	// Component is the logical name of the engine, such as "engine" or
	// "process-launcher".
	Component string `json:"component"`

	// Status is one of "ok", "error", "disabled" or "unknown".
	Status string `json:"status"`

	Detail string `json:"detail,omitempty"`
}

// Launcher starts and stops the worker processes behind a channel.
//
// Implementations must be safe for concurrent use. Launch is all-or-nothing:
// on error no process started by the call is left running.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (PoolLaunchResult, error)

	// Stop terminates every process tied to channelURL.
	Stop(ctx context.Context, channelURL string) error

	HealthChecks(ctx context.Context) []HealthStatus
}

// ExitHandler is notified when a splitter process exits without being asked
// to stop.
type ExitHandler func(channelURL, address string)

func validateResult(spec LaunchSpec, result PoolLaunchResult) error {
	if len(result.SplitterAddresses) != spec.SplitterCount {
		return errors.Join(ErrInvalidResult, errors.New("splitter address count does not match request"))
	}
	seen := make(map[string]struct{}, len(result.SplitterAddresses))
	for _, addr := range result.SplitterAddresses {
		if addr == "" {
			return errors.Join(ErrInvalidResult, errors.New("empty splitter address"))
		}
		if _, dup := seen[addr]; dup {
			return errors.Join(ErrInvalidResult, errors.New("duplicate splitter address "+addr))
		}
		seen[addr] = struct{}{}
	}
	return nil
}
