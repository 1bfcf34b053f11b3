package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/models"
	"github.com/interviewlink/backend/internal/sessions"
	"github.com/interviewlink/backend/pkg/queue"
)

// SessionEnder ends call sessions as of a given time. *sessions.Service satisfies it.
type SessionEnder interface {
	EndAt(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason, leftAt time.Time) (*models.LeaveResult, error)
}

// JobQueue is the job source. *queue.Queue satisfies it.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// LeaveProcessor processes deferred session-leave jobs posted by leave beacons.
type LeaveProcessor struct {
	sessions SessionEnder
	queue    JobQueue
	backoff  time.Duration
	logger   *zap.Logger
}

// NewLeaveProcessor creates a session-leave processor.
func NewLeaveProcessor(sessions SessionEnder, q JobQueue, logger *zap.Logger) *LeaveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaveProcessor{sessions: sessions, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one session-leave job. The session is ended as of the beacon's
// request time, not the time the job runs. A session that is already ended or unknown
// counts as done.
func (p *LeaveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionLeave {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionLeavePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	reason := models.DisconnectReason(payload.DisconnectReason)
	if reason == "" {
		reason = models.ReasonTabClosed
	}

	res, err := p.sessions.EndAt(ctx, payload.SessionID, reason, payload.RequestedAt)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		p.logger.Info("session already ended", zap.String("session_id", payload.SessionID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	p.logger.Info("session leave completed",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("reason", string(reason)),
		zap.Int64("duration", res.Duration),
		zap.Duration("queued_for", time.Since(payload.RequestedAt)),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *LeaveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session leave worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *LeaveProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
