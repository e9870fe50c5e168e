package common

import (
	"context"
	"encoding/json"

	"oip/dplistener/internal/domains/common/job"
)

// HandlerServProc builds a handler for one job. It validates payload and returns an error for
// payloads it cannot handle.
type HandlerServProc func(ctx context.Context, meta *job.Meta, payload json.RawMessage) (HandlerServ, error)

// HandlerServ runs one job.
type HandlerServ interface {
	Process(ctx context.Context) error
}
