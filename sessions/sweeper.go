package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
)

// Sweeper periodically evicts terminal sessions nobody came back for.
type Sweeper struct {
	store     *MemoryStore
	retention time.Duration
	interval  time.Duration
	onEvict   func(interfaces.Session)
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. onEvict, if set, is called for every evicted
// session, typically to remove files kept for failed uploads.
func NewSweeper(store *MemoryStore, retention, interval time.Duration, onEvict func(interfaces.Session), log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		onEvict:   onEvict,
		log:       log,
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 || s.retention <= 0 {
		s.log.Info("Session sweeper disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()
}

// SweepOnce evicts expired sessions now and returns how many were removed.
func (s *Sweeper) SweepOnce() int {
	evicted := s.store.Sweep(s.store.now().Add(-s.retention))
	for _, session := range evicted {
		s.log.Info("Evicted expired session", "uploadID", session.ID, "state", session.State.String())
		if s.onEvict != nil {
			s.onEvict(session)
		}
	}
	return len(evicted)
}

// Stop ends the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
