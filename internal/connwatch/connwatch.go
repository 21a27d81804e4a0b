// Package connwatch monitors the gateway's HTTP API with exponential
// backoff and gates startup on its availability.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles multi-second to
// multi-minute outages: NapCat restarts, QQ re-login, and network
// partitions between this process and the gateway.
//
// The watcher probes in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the gateway is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// retries are exhausted or after a successful connection (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule: 1s, 2s, 4s, 8s,
// 16s, 30s (capped), with 10 startup retries and 30-second background
// polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "napcat").
	Name string

	// Probe checks gateway health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero-value fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the gateway transitions from not-ready to
	// ready. Called in a separate goroutine; must not block
	// indefinitely. Optional.
	OnReady func()

	// OnDown is called when the gateway transitions from ready to
	// not-ready. Called in a separate goroutine; must not block
	// indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of the watched gateway, suitable
// for inclusion in status tool output.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors the gateway's health.
type Watcher struct {
	config    WatcherConfig
	ready     atomic.Bool
	readyCh   chan struct{} // closed on the first successful probe
	readyOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher running in a background goroutine until ctx
// is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil — these are programming
// errors that should be caught during development, not silently
// ignored at runtime. Zero-value BackoffConfig fields are replaced
// with defaults.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config:  cfg,
		readyCh: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the gateway is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// WaitReady blocks until the gateway has been reachable at least once,
// the timeout elapses, or ctx is cancelled. Returns true when ready.
// Startup uses this to delay history backfill until the gateway can
// answer, without making an unreachable gateway fatal.
func (w *Watcher) WaitReady(ctx context.Context, timeout time.Duration) bool {
	if w.ready.Load() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.readyCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until the watcher goroutine exits (context cancelled or
// Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// markReady flips the ready flag, releases WaitReady callers, and
// fires the OnReady callback.
func (w *Watcher) markReady() {
	w.ready.Store(true)
	w.readyOnce.Do(func() { close(w.readyCh) })
	if w.config.OnReady != nil {
		go w.config.OnReady()
	}
}

// run is the main goroutine. Phase 1: startup probe with exponential
// backoff. Phase 2: periodic background polling with state-transition
// callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			logger.Info("gateway reachable",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			w.markReady()
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup probes exhausted, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !Sleep(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			if wasReady && err != nil {
				w.ready.Store(false)
				logger.Info("gateway became unreachable",
					"service", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			} else if !wasReady && err == nil {
				logger.Info("gateway recovered",
					"service", w.config.Name,
				)
				w.markReady()
			} else if !wasReady && err != nil {
				logger.Debug("gateway still unreachable",
					"service", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Sleep waits for d or until ctx is cancelled. Returns false if
// cancelled. Shared by this package, the event-stream reconnect loop,
// and the outbound send path so waits stay interruptible on shutdown.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
