package server

import (
	"context"
	"time"

	"github.com/ssd-technologies/umbra/internal/storage"
)

// stagingMaxAge is how long an uncommitted remote upload may sit before it
// is treated as abandoned.
const stagingMaxAge = time.Hour

// stagingPurger is implemented by remote stores that stage uploads locally.
type stagingPurger interface {
	PurgeStaging(age time.Duration) (int, error)
}

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.runReplication(ctx)
	go s.runStagingPurge(ctx)
	go s.runStatusGauge(ctx)
	go s.runLimiterCleanup(ctx)
}

// --- Replication Worker ---

// runReplication copies pending files to the remote tier every interval.
func (s *Server) runReplication(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.replicationInterval):
			s.replicate(ctx)
		}
	}
}

func (s *Server) replicate(ctx context.Context) {
	res, err := s.repl.ReplicatePending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("replicate pending")
	}
	if res.Replicated > 0 || res.Failed > 0 {
		s.logger.Info().Int("replicated", res.Replicated).Int("failed", res.Failed).Msg("replication pass")
	}
}

// --- Staging Purge Worker ---

// runStagingPurge removes abandoned remote uploads (every 15 minutes).
func (s *Server) runStagingPurge(ctx context.Context) {
	p, ok := s.remote.(stagingPurger)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(15 * time.Minute):
			n, err := p.PurgeStaging(stagingMaxAge)
			if err != nil {
				s.logger.Error().Err(err).Msg("purge staging")
			}
			if n > 0 {
				s.logger.Info().Int("purged", n).Msg("purged abandoned remote uploads")
			}
		}
	}
}

// --- Status Gauge Worker ---

// runStatusGauge refreshes the per-status file counts every minute.
func (s *Server) runStatusGauge(ctx context.Context) {
	s.refreshStatusGauge()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			s.refreshStatusGauge()
		}
	}
}

func (s *Server) refreshStatusGauge() {
	counts, err := s.db.CountFilesByStatus()
	if err != nil {
		s.logger.Error().Err(err).Msg("count files by status")
		return
	}
	for _, st := range []storage.TransferStatus{
		storage.StatusPending, storage.StatusReplicating, storage.StatusReplicated, storage.StatusFailed,
	} {
		s.status.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// --- Rate Limiter Cleanup Worker ---

func (s *Server) runLimiterCleanup(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			s.uploads.Cleanup()
		}
	}
}
