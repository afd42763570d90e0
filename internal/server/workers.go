package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.opts.SweepAfter > 0 && s.opts.SweepInterval > 0 {
		go s.runUploadSweep(ctx)
	}
	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}
}

// --- Upload Sweep Worker ---

// runUploadSweep periodically drops chunked uploads idle for longer than
// SweepAfter.
func (s *Server) runUploadSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.SweepInterval):
			n := s.sweepUploads(ctx)
			if n > 0 {
				s.logger.Info("swept abandoned uploads", zap.Int("count", n))
			}
		}
	}
}

// sweepUploads removes abandoned uploads. Returns the number removed.
func (s *Server) sweepUploads(ctx context.Context) int {
	n, err := s.uploads.Sweep(ctx, s.opts.SweepAfter)
	if err != nil {
		s.logger.Warn("sweep uploads", zap.Error(err))
	}
	return n
}
