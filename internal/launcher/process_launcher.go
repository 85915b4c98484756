package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	roleSplitter = "splitter"
	roleMonitor  = "monitor"
)

// ProcessConfig describes how the local engine runs splitters and monitors.
//
// Command arguments may contain placeholders that are expanded per process:
// {channel}, {index}, {host}, {port}, {source_address}, {source_port},
// {header_size}, {splitter_count}, {monitor_port}, {listen_port},
// {splitter_addresses} and {smart_source}.
type ProcessConfig struct {
	SplitterCommand []string
	MonitorCommand  []string
	// Host is advertised in the returned addresses.
	Host           string
	PortRangeStart int
	PortRangeEnd   int
	StopGrace      time.Duration
	// Env is appended to the parent environment for every child.
	Env []string
}

// Validate reports configuration problems before any process is started.
func (c ProcessConfig) Validate() error {
	if len(c.SplitterCommand) == 0 || strings.TrimSpace(c.SplitterCommand[0]) == "" {
		return errors.New("splitter command is required")
	}
	if len(c.MonitorCommand) == 0 || strings.TrimSpace(c.MonitorCommand[0]) == "" {
		return errors.New("monitor command is required")
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.StopGrace < 0 {
		return errors.New("stop grace cannot be negative")
	}
	return nil
}

type process struct {
	role     string
	address  string
	port     int
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
}

type runningPool struct {
	spec      LaunchSpec
	processes []*process
	ports     []int
}

// ProcessLauncher runs channel pools as local child processes.
type ProcessLauncher struct {
	cfg    ProcessConfig
	ports  *PortAllocator
	logger *slog.Logger
	onExit ExitHandler

	mu    sync.Mutex
	pools map[string]*runningPool
}

// ProcessOption customises a ProcessLauncher.
type ProcessOption func(*ProcessLauncher)

// WithExitHandler registers a callback for splitters that exit on their own.
func WithExitHandler(h ExitHandler) ProcessOption {
	return func(l *ProcessLauncher) {
		l.onExit = h
	}
}

// WithProcessLogger sets the logger for process lifecycle events.
func WithProcessLogger(logger *slog.Logger) ProcessOption {
	return func(l *ProcessLauncher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewProcessLauncher(cfg ProcessConfig, opts ...ProcessOption) (*ProcessLauncher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 3 * time.Second
	}
	ports, err := NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, err
	}
	l := &ProcessLauncher{
		cfg:    cfg,
		ports:  ports,
		logger: slog.Default(),
		pools:  make(map[string]*runningPool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetExitHandler replaces the exit callback after construction. Wiring code
// uses it when the handler depends on components built from the launcher.
func (l *ProcessLauncher) SetExitHandler(h ExitHandler) {
	l.mu.Lock()
	l.onExit = h
	l.mu.Unlock()
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (PoolLaunchResult, error) {
	if spec.ChannelURL == "" || spec.SplitterCount <= 0 {
		return PoolLaunchResult{}, errors.New("channel url and a positive splitter count are required")
	}
	if err := ctx.Err(); err != nil {
		return PoolLaunchResult{}, err
	}

	l.mu.Lock()
	if _, exists := l.pools[spec.ChannelURL]; exists {
		l.mu.Unlock()
		return PoolLaunchResult{}, fmt.Errorf("pool for %s is already running", spec.ChannelURL)
	}
	// Claim the url so a concurrent launch cannot race us.
	l.pools[spec.ChannelURL] = nil
	l.mu.Unlock()

	pool, result, err := l.start(spec)
	l.mu.Lock()
	if err != nil {
		delete(l.pools, spec.ChannelURL)
	} else {
		l.pools[spec.ChannelURL] = pool
	}
	l.mu.Unlock()
	if err != nil {
		return PoolLaunchResult{}, fmt.Errorf("launch pool for %s: %w", spec.ChannelURL, err)
	}
	return result, nil
}

func (l *ProcessLauncher) start(spec LaunchSpec) (*runningPool, PoolLaunchResult, error) {
	pool := &runningPool{spec: spec}

	splitterPorts, err := l.reservePorts(pool, spec.SplitterPort, spec.SplitterCount)
	if err != nil {
		l.releasePorts(pool)
		return nil, PoolLaunchResult{}, err
	}
	monitorPorts, err := l.reservePorts(pool, spec.MonitorPort, 1)
	if err != nil {
		l.releasePorts(pool)
		return nil, PoolLaunchResult{}, err
	}
	listenPorts, err := l.reservePorts(pool, 0, 1)
	if err != nil {
		l.releasePorts(pool)
		return nil, PoolLaunchResult{}, err
	}

	result := PoolLaunchResult{
		SplitterAddresses: make([]string, spec.SplitterCount),
		MonitorAddress:    net.JoinHostPort(l.cfg.Host, strconv.Itoa(monitorPorts[0])),
		ListenPort:        listenPorts[0],
	}
	for i, port := range splitterPorts {
		result.SplitterAddresses[i] = net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))
	}

	vars := map[string]string{
		"{channel}":            spec.ChannelURL,
		"{host}":               l.cfg.Host,
		"{source_address}":     spec.SourceAddress,
		"{source_port}":        strconv.Itoa(spec.SourcePort),
		"{header_size}":        strconv.Itoa(spec.HeaderSize),
		"{splitter_count}":     strconv.Itoa(spec.SplitterCount),
		"{monitor_port}":       strconv.Itoa(monitorPorts[0]),
		"{listen_port}":        strconv.Itoa(listenPorts[0]),
		"{splitter_addresses}": strings.Join(result.SplitterAddresses, ","),
		"{smart_source}":       strconv.FormatBool(spec.SmartSourceClient),
	}

	pool.processes = make([]*process, spec.SplitterCount+1)
	var g errgroup.Group
	for i := 0; i < spec.SplitterCount; i++ {
		g.Go(func() error {
			p, err := l.spawn(roleSplitter, l.cfg.SplitterCommand, vars, i, splitterPorts[i], result.SplitterAddresses[i])
			pool.processes[i] = p
			return err
		})
	}
	g.Go(func() error {
		p, err := l.spawn(roleMonitor, l.cfg.MonitorCommand, vars, 0, monitorPorts[0], result.MonitorAddress)
		pool.processes[spec.SplitterCount] = p
		return err
	})
	if err := g.Wait(); err != nil {
		l.teardown(context.Background(), pool)
		return nil, PoolLaunchResult{}, err
	}

	l.logger.Info("pool started", "channel_url", spec.ChannelURL, "splitters", spec.SplitterCount, "monitor_address", result.MonitorAddress)
	return pool, result, nil
}

// reservePorts either takes base, base+1, ... when base is set, or draws
// from the allocator.
func (l *ProcessLauncher) reservePorts(pool *runningPool, base, n int) ([]int, error) {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		var port int
		if base > 0 {
			port = base + i
			if port > 65535 {
				return nil, fmt.Errorf("port %d out of range", port)
			}
			if err := l.ports.Reserve(port); err != nil {
				return nil, err
			}
		} else {
			allocated, err := l.ports.Alloc()
			if err != nil {
				return nil, err
			}
			port = allocated
		}
		pool.ports = append(pool.ports, port)
		ports = append(ports, port)
	}
	return ports, nil
}

func (l *ProcessLauncher) releasePorts(pool *runningPool) {
	for _, port := range pool.ports {
		l.ports.Release(port)
	}
	pool.ports = nil
}

func (l *ProcessLauncher) spawn(role string, argv []string, vars map[string]string, index, port int, address string) (*process, error) {
	local := make([]string, 0, len(vars)*2+4)
	for k, v := range vars {
		local = append(local, k, v)
	}
	local = append(local, "{index}", strconv.Itoa(index), "{port}", strconv.Itoa(port))
	replacer := strings.NewReplacer(local...)

	args := make([]string, len(argv))
	for i, arg := range argv {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	configureCommand(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %d: %w", role, index, err)
	}
	l.logger.Debug("process started", "role", role, "address", address, "pid", cmd.Process.Pid)
	p := &process{
		role:    role,
		address: address,
		port:    port,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go l.watch(vars["{channel}"], p)
	return p, nil
}

func (l *ProcessLauncher) watch(channelURL string, p *process) {
	err := p.cmd.Wait()
	close(p.done)
	if p.stopping.Load() {
		return
	}
	l.logger.Warn("process exited unexpectedly", "channel_url", channelURL, "role", p.role, "address", p.address, "error", err)
	if p.role != roleSplitter {
		return
	}
	l.mu.Lock()
	handler := l.onExit
	l.mu.Unlock()
	if handler != nil {
		handler(channelURL, p.address)
	}
}

func (l *ProcessLauncher) Stop(ctx context.Context, channelURL string) error {
	l.mu.Lock()
	pool, ok := l.pools[channelURL]
	if !ok || pool == nil {
		l.mu.Unlock()
		return fmt.Errorf("stop pool for %s: %w", channelURL, ErrUnknownChannel)
	}
	delete(l.pools, channelURL)
	l.mu.Unlock()

	if err := l.teardown(ctx, pool); err != nil {
		return fmt.Errorf("stop pool for %s: %w", channelURL, err)
	}
	l.logger.Info("pool stopped", "channel_url", channelURL)
	return nil
}

// teardown stops every started process of the pool concurrently and releases
// its ports. Processes that never started are skipped.
func (l *ProcessLauncher) teardown(ctx context.Context, pool *runningPool) error {
	var g errgroup.Group
	for _, p := range pool.processes {
		if p == nil {
			continue
		}
		g.Go(func() error {
			return l.stopProcess(ctx, p)
		})
	}
	err := g.Wait()
	l.releasePorts(pool)
	return err
}

func (l *ProcessLauncher) stopProcess(ctx context.Context, p *process) error {
	p.stopping.Store(true)
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Debug("SIGTERM failed", "address", p.address, "error", err)
	}

	timer := time.NewTimer(l.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		l.logger.Warn("grace timeout expired; sending SIGKILL", "role", p.role, "address", p.address)
	case <-ctx.Done():
	}
	if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s %s: %w", p.role, p.address, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("%s %s did not exit after SIGKILL", p.role, p.address)
	}
}

func (l *ProcessLauncher) HealthChecks(context.Context) []HealthStatus {
	l.mu.Lock()
	running := 0
	for _, pool := range l.pools {
		if pool != nil {
			running++
		}
	}
	l.mu.Unlock()
	return []HealthStatus{{
		Component: "process-launcher",
		Status:    "ok",
		Detail:    fmt.Sprintf("%d pools running, %d ports reserved", running, l.ports.InUse()),
	}}
}
