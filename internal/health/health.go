package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Status represents the health state of a service.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Config holds probe configuration.
type Config struct {
	Type               string // "http" | "tcp"
	Host               string // default 127.0.0.1
	Port               int
	Path               string        // http only
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	GracePeriod        time.Duration // delay before first check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

func (c Config) addr() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Result is the outcome of a single health check.
type Result struct {
	Status    Status
	Message   string
	Duration  time.Duration
	CheckedAt time.Time
}

// Monitor runs periodic health checks and tracks state.
type Monitor struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	lastResult       *Result
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called when the service transitions to unhealthy.
	onUnhealthy func()
}

// NewMonitor creates a health check monitor.
func NewMonitor(cfg Config, logger *slog.Logger, onUnhealthy func()) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Monitor{
		cfg:         cfg,
		logger:      logger,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic health checking.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the health check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns the most recent check result, or nil before the first check.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastResult == nil {
		return nil
	}
	r := *m.lastResult
	return &r
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := probe(checkCtx, m.cfg, m.httpClient)
	elapsed := time.Since(start)

	// Results from a cancelled context mean the monitor is shutting down.
	if ctx.Err() != nil {
		return
	}

	result := Result{Duration: elapsed, CheckedAt: start}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "ok"
	}

	m.mu.Lock()
	prevStatus := m.status
	m.lastResult = &result

	if result.Status == StatusHealthy {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}

	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if result.Status != StatusHealthy {
		m.logger.Warn("health check failed",
			"error", result.Message,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	} else if prevStatus != StatusHealthy {
		m.logger.Info("service is healthy", "addr", m.cfg.addr())
	}

	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("service is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
}

// Check runs one probe with the given config and returns nil if healthy.
// Unlike Monitor, it does not track state or run periodically.
func Check(ctx context.Context, cfg Config) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return probe(ctx, cfg, &http.Client{Timeout: cfg.Timeout})
}

func probe(ctx context.Context, cfg Config, client *http.Client) error {
	switch cfg.Type {
	case "http", "":
		return checkHTTP(ctx, cfg, client)
	case "tcp":
		return checkTCP(ctx, cfg)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

// checkHTTP requires a 2xx status. A JSON body carrying a "status" field
// must report "healthy".
func checkHTTP(ctx context.Context, cfg Config, client *http.Client) error {
	url := "http://" + cfg.addr() + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	var payload struct {
		Status *string `json:"status"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Status != nil && *payload.Status != string(StatusHealthy) {
		return fmt.Errorf("reported status %q", *payload.Status)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}
