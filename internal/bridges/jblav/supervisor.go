package jblav

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Reconnection backoff defaults.
const (
	// DefaultReconnectInterval is the initial delay between attempts.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultMaxReconnectInterval caps the delay between attempts.
	DefaultMaxReconnectInterval = 2 * time.Minute

	// backoffFactor grows the delay after each failed attempt.
	backoffFactor = 1.5

	// stableSession is how long a session must last before the backoff resets.
	stableSession = 30 * time.Second
)

// SessionRunner runs one connection cycle. *Receiver implements it.
type SessionRunner interface {
	RunSession(ctx context.Context) error
}

// SupervisorConfig tunes the reconnect loop.
type SupervisorConfig struct {
	// ReconnectInterval is the first retry delay. Default: 5 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the retry delay. Default: 2 minutes.
	MaxReconnectInterval time.Duration
}

// SupervisorStats holds reconnect counters.
type SupervisorStats struct {
	Attempts     uint64
	Failures     uint64
	Reconnecting bool
	LastError    string
	NextBackoff  time.Duration
}

// Supervisor keeps a receiver connected, retrying with exponential backoff
// (×1.5, capped) after every failed or ended session.
type Supervisor struct {
	runner SessionRunner
	cfg    SupervisorConfig
	logger Logger

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time

	attempts     atomic.Uint64
	failures     atomic.Uint64
	reconnecting atomic.Bool
	nextBackoff  atomic.Int64

	errMu   sync.RWMutex
	lastErr string
}

// NewSupervisor creates a supervisor for runner. logger may be nil.
func NewSupervisor(runner SessionRunner, cfg SupervisorConfig, logger Logger) *Supervisor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}
	return &Supervisor{
		runner: runner,
		cfg:    cfg,
		logger: orNop(logger),
		after:  time.After,
	}
}

// Run repeats sessions until ctx is cancelled. It always returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectInterval

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := s.attempts.Add(1)
		started := time.Now()
		err := s.runner.RunSession(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= stableSession {
			backoff = s.cfg.ReconnectInterval
		}

		if err != nil {
			s.failures.Add(1)
			s.setLastError(err)
			if errors.Is(err, ErrConnectionFailed) {
				s.logger.Warn("receiver connection failed", "attempt", attempt, "error", err, "retry_in", backoff.String())
			} else {
				s.logger.Warn("receiver session ended", "attempt", attempt, "error", err, "retry_in", backoff.String())
			}
		} else {
			s.logger.Info("receiver session ended", "attempt", attempt, "retry_in", backoff.String())
		}

		s.reconnecting.Store(true)
		s.nextBackoff.Store(int64(backoff))
		select {
		case <-ctx.Done():
			s.reconnecting.Store(false)
			return ctx.Err()
		case <-s.after(backoff):
		}
		s.reconnecting.Store(false)

		backoff = s.grow(backoff)
	}
}

// grow applies the backoff factor with the configured cap.
func (s *Supervisor) grow(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > s.cfg.MaxReconnectInterval {
		next = s.cfg.MaxReconnectInterval
	}
	return next
}

func (s *Supervisor) setLastError(err error) {
	s.errMu.Lock()
	s.lastErr = err.Error()
	s.errMu.Unlock()
}

// Stats returns reconnect counters.
func (s *Supervisor) Stats() SupervisorStats {
	s.errMu.RLock()
	lastErr := s.lastErr
	s.errMu.RUnlock()

	return SupervisorStats{
		Attempts:     s.attempts.Load(),
		Failures:     s.failures.Load(),
		Reconnecting: s.reconnecting.Load(),
		LastError:    lastErr,
		NextBackoff:  time.Duration(s.nextBackoff.Load()),
	}
}
