package logaction

import (
	"context"
	"encoding/json"

	"oip/dplistener/internal/domains/common"
	"oip/dplistener/internal/domains/common/job"
	"oip/dplistener/pkg/logger"
)

// ActionType routes envelopes to this handler.
const ActionType = "log"

// LogHandler writes the envelope to the log and succeeds.
type LogHandler struct {
	meta    *job.Meta
	payload json.RawMessage
	logger  logger.Logger
}

// New returns the factory registered under ActionType.
func New(log logger.Logger) common.HandlerServProc {
	return func(_ context.Context, meta *job.Meta, payload json.RawMessage) (common.HandlerServ, error) {
		return &LogHandler{meta: meta, payload: payload, logger: log}, nil
	}
}

func (h *LogHandler) Process(ctx context.Context) error {
	h.logger.Infof(ctx, "[LogHandler] request_id=%s org_id=%s id=%s attempts=%d payload=%s",
		h.meta.RequestID, h.meta.OrgID, h.meta.ID, h.meta.Attempts, string(h.payload))
	return nil
}
