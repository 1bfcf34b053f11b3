package sessions

import (
	"github.com/samber/lo"

	"github.com/interviewlink/backend/internal/models"
)

// ComputeAnalytics derives meeting (or meeting+user) aggregates from session rows.
// Average duration is taken over completed sessions only; active sessions have no duration yet.
func ComputeAnalytics(rows []models.CallSession) models.SessionAnalytics {
	completed := lo.Filter(rows, func(s models.CallSession, _ int) bool { return !s.IsActive() })

	totalDuration := lo.SumBy(completed, func(s models.CallSession) int64 {
		if s.Duration == nil {
			return 0
		}
		return *s.Duration
	})

	var avg int64
	if len(completed) > 0 {
		avg = totalDuration / int64(len(completed))
	}

	reconnections := len(rows) - 1
	if reconnections < 0 {
		reconnections = 0
	}

	withReason := lo.Filter(completed, func(s models.CallSession, _ int) bool { return s.DisconnectReason != nil })
	reasons := lo.CountValuesBy(withReason, func(s models.CallSession) string { return string(*s.DisconnectReason) })

	return models.SessionAnalytics{
		TotalSessions:      len(rows),
		ActiveSessions:     len(rows) - len(completed),
		CompletedSessions:  len(completed),
		TotalDuration:      totalDuration,
		AverageDuration:    avg,
		Reconnections:      reconnections,
		UniqueParticipants: len(lo.UniqBy(rows, func(s models.CallSession) string { return s.ParticipantKey() })),
		DisconnectReasons:  reasons,
	}
}
