// internal/monitoring/scheduler.go - Fixed-cadence sweep loop
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Sweeper runs Engine.Sweep on a fixed cadence until stopped.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSweeper(engine *Engine, interval time.Duration, c clock.Clock) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		clock:    c,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	logrus.WithField("interval", s.interval).Info("Starting sweep scheduler")
	go s.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	logrus.Info("Stopping sweep scheduler")
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.engine.Sweep(ctx)
		}
	}
}
