/*
sweeper.go - Periodic expiration sweep

PURPOSE:
  Runs the expiration sweep on a ticker so overdue residual balance is
  reclaimed without waiting for request traffic. Each tick calls
  SweepAll, which pages through users with overdue entries and sweeps
  each in its own transaction - one tick never holds a transaction
  across the whole table.

  The sweep is idempotent, so overlapping or repeated runs (a manual
  POST /api/sweep racing the ticker) are harmless.

USAGE:
  sweeper := api.NewSweeper(svc, log)
  sweeper.Start()
  defer sweeper.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/point-ledger/ledger"
)

// Sweeper triggers the expiration sweep on a fixed interval.
type Sweeper struct {
	Ledger   *ledger.Service
	Log      *zap.Logger
	Interval time.Duration
	PageSize int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with a daily interval.
func NewSweeper(svc *ledger.Service, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		Ledger:   svc,
		Log:      log,
		Interval: 24 * time.Hour,
		PageSize: defaultSweepPageSize,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info("expiration sweeper started", zap.Duration("interval", s.Interval))
}

// Stop halts the periodic sweep and waits for an in-flight pass.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil

	s.Log.Info("expiration sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := s.Ledger.SweepAll(ctx, s.PageSize)
	if err != nil {
		s.Log.Error("expiration sweep failed", zap.Error(err))
		return
	}
	if res.Users > 0 {
		s.Log.Info("expiration sweep completed",
			zap.Int("users", res.Users),
			zap.Int64("reclaimed", res.Reclaimed),
			zap.Int("entries", res.Entries),
		)
	}
}
