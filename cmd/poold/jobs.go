package main

import (
	"context"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/stratum"
)

// runJobLoop keeps miners supplied with work. It builds an initial job,
// then refreshes on daemon ZMQ hashblock notifications with the poll
// ticker as a fallback for missed notifications.
func (s *StratumServer) runJobLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.refreshJob(ctx, true); err != nil {
		s.logger.WithError(err).Error("failed to build initial job")
	}

	s.startZMQListener(ctx)

	ticker := time.NewTicker(s.cfg.JobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("job loop stopping")
			return
		case <-ticker.C:
			needed, err := s.builder.NeedsNewJob(ctx)
			if err != nil {
				s.logger.WithError(err).Error("failed to check for new block")
				continue
			}
			if !needed {
				continue
			}

			if err := s.refreshJob(ctx, true); err != nil {
				s.logger.WithError(err).Error("failed to refresh job")
			}
		}
	}
}

// startZMQListener wires daemon hashblock notifications into job
// refreshes. ZMQ is best effort; the poll ticker covers for it.
func (s *StratumServer) startZMQListener(ctx context.Context) {
	notifier, err := bitcoin.NewZMQNotifier(s.cfg.DaemonZMQAddr, s.logger)
	if err != nil {
		s.logger.WithError(err).Error("failed to create ZMQ notifier")
		return
	}

	if err := notifier.Subscribe("hashblock"); err != nil {
		s.logger.WithError(err).Error("failed to subscribe to hashblock")
		return
	}
	if err := notifier.Connect(); err != nil {
		s.logger.WithError(err).Error("failed to connect ZMQ notifier")
		return
	}

	handler := bitcoin.NewBlockNotificationHandler(s.logger)
	handler.SetNewBlockHandler(func(blockHash string) error {
		s.logger.Info("chain tip moved", "hash", blockHash)
		return s.refreshJob(ctx, true)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if err := notifier.Close(); err != nil {
				s.logger.WithError(err).Error("failed to close ZMQ notifier")
			}
		}()

		if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && err != context.Canceled {
			s.logger.WithError(err).Error("ZMQ listener failed")
		}
	}()
}

// refreshJob builds a job from the current template and broadcasts it.
func (s *StratumServer) refreshJob(ctx context.Context, cleanJobs bool) error {
	job, err := s.builder.BuildJob(ctx, cleanJobs)
	if err != nil {
		return err
	}

	s.broadcastJob(job)
	return nil
}

// broadcastJob sends a job to every subscribed miner and mirrors it to
// the event stream and the dashboard cache.
func (s *StratumServer) broadcastJob(job *jobs.Job) {
	s.mu.RLock()
	minerCount := 0
	for _, session := range s.sessions {
		if session.IsSubscribed() {
			minerCount++
			go s.sendJobToSession(session, job)
		}
	}
	s.mu.RUnlock()

	s.logger.LogJobBroadcast(job.HexID(), job.Height, job.CleanJobs, minerCount)

	msg := messaging.JobMessage{
		JobID:        job.HexID(),
		PrevHash:     job.PrevHash,
		Coinb1:       job.Coinb1,
		Coinb2:       job.Coinb2,
		MerkleBranch: job.MerkleBranch,
		Version:      job.Version,
		NBits:        job.NBits,
		NTime:        job.NTime,
		CleanJobs:    job.CleanJobs,
		BlockHeight:  job.Height,
		CreatedAt:    job.CreatedAt,
	}
	s.publisher.PublishJob(msg)

	cacheCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.dbManager.Redis.SetCurrentJob(cacheCtx, msg); err != nil {
		s.logger.WithError(err).Warn("failed to cache current job")
	}
}

// sendJobToSession sends a job to a specific session
func (s *StratumServer) sendJobToSession(session *stratum.Session, job *jobs.Job) {
	if err := session.SendNotification("mining.notify", job.NotifyParams()); err != nil {
		s.logger.WithError(err).Error("failed to send job to session", "session_id", session.ID())
	}
}
