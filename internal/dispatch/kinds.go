package dispatch

import "context"

// JobStats summarizes a finished job for the completion notification.
type JobStats struct {
	TotalRows             int     `json:"total_rows"`
	Successful            int     `json:"successful"`
	Failed                int     `json:"failed"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// Per-kind entry points. These are thin wrappers that shape the structured
// fields; everything else flows through Dispatch.

func (e *Engine) DispatchJobComplete(ctx context.Context, userID, jobID string, stats JobStats, csv []byte) Result {
	return e.Dispatch(ctx, Request{
		UserID:        userID,
		Kind:          KindJobComplete,
		CorrelationID: jobID,
		Fields: map[string]any{
			"job_id":                  jobID,
			"total_rows":              stats.TotalRows,
			"successful":              stats.Successful,
			"failed":                  stats.Failed,
			"processing_time_seconds": stats.ProcessingTimeSeconds,
		},
		Payload: csv,
	})
}

func (e *Engine) DispatchJobFailed(ctx context.Context, userID, jobID, errorMessage string) Result {
	return e.Dispatch(ctx, Request{
		UserID:        userID,
		Kind:          KindJobFailed,
		CorrelationID: jobID,
		Fields: map[string]any{
			"job_id":        jobID,
			"error_message": errorMessage,
		},
	})
}

func (e *Engine) DispatchQuotaWarning(ctx context.Context, userID string, currentUsage, limit int) Result {
	return e.Dispatch(ctx, Request{
		UserID: userID,
		Kind:   KindQuotaWarning,
		Fields: map[string]any{
			"current_usage": currentUsage,
			"limit":         limit,
		},
	})
}

func (e *Engine) DispatchQuotaExceeded(ctx context.Context, userID string, limit int) Result {
	return e.Dispatch(ctx, Request{
		UserID: userID,
		Kind:   KindQuotaExceeded,
		Fields: map[string]any{"limit": limit},
	})
}

func (e *Engine) DispatchWelcome(ctx context.Context, userID, name string) Result {
	return e.Dispatch(ctx, Request{
		UserID: userID,
		Kind:   KindWelcome,
		Fields: map[string]any{"name": name},
	})
}

func (e *Engine) DispatchVerify(ctx context.Context, userID, verifyURL string) Result {
	return e.Dispatch(ctx, Request{
		UserID: userID,
		Kind:   KindVerify,
		Fields: map[string]any{"verify_url": verifyURL},
	})
}
