package stream

import (
	"context"
	"log/slog"
	"time"

	"roomcast/internal/models"
)

// StreamLogSink persists audit entries. The cache catalog implements it.
type StreamLogSink interface {
	AppendStreamLog(ctx context.Context, entry models.StreamLogEntry) error
}

// Auditor writes the append-only stream session audit trail to the log and,
// when configured, to the persistent sink. Persistence failures are logged
// and never propagate into the control flow being audited.
type Auditor struct {
	logger *slog.Logger
	sink   StreamLogSink
	now    func() time.Time
}

// NewAuditor builds an auditor. sink may be nil for log-only auditing.
func NewAuditor(logger *slog.Logger, sink StreamLogSink) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, sink: sink, now: time.Now}
}

// Record emits one audit entry.
func (a *Auditor) Record(ctx context.Context, action models.StreamLogAction, by string, result models.StreamLogResult, detail string) {
	entry := models.StreamLogEntry{
		Action: action,
		By:     by,
		At:     a.now().UTC(),
		Result: result,
		Detail: detail,
	}
	a.logger.Info("stream audit",
		"action", string(entry.Action),
		"by", entry.By,
		"result", string(entry.Result),
		"detail", entry.Detail,
	)
	if a.sink == nil {
		return
	}
	if err := a.sink.AppendStreamLog(ctx, entry); err != nil {
		a.logger.Error("stream audit persist failed", "error", err, "action", string(entry.Action))
	}
}
