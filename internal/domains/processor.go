package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"oip/dplistener/internal/domains/common"
	"oip/dplistener/internal/domains/common/job"
	"oip/dplistener/internal/domains/handlers/logaction"
	"oip/dplistener/internal/framework"
	"oip/dplistener/pkg/errorutil"
	"oip/dplistener/pkg/logger"
)

// Router dispatches envelopes to the handler registered for their action_type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]common.HandlerServProc
	logger   logger.Logger
}

// NewRouter returns a router with the built-in actions registered.
func NewRouter(log logger.Logger) *Router {
	r := &Router{
		handlers: make(map[string]common.HandlerServProc),
		logger:   log,
	}
	r.Register(logaction.ActionType, logaction.New(log))
	return r
}

// Register adds or replaces the handler for actionType.
func (r *Router) Register(actionType string, proc common.HandlerServProc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = proc
}

// Actions lists the registered action types.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// GetProcess returns the router as a framework handler, behind the envelope prechecks.
func (r *Router) GetProcess() framework.HandlerFunc {
	return framework.NewPreProcessor(rejectEmptyBody).Wrap(r.Handle)
}

func rejectEmptyBody(_ context.Context, msg *framework.Message) error {
	if len(msg.Body) == 0 {
		return errorutil.NonRetriable("empty message body")
	}
	return nil
}

// Handle parses msg and runs its handler. Malformed envelopes and unknown actions fail
// with a non-retryable error; the message stays on the queue for its redrive policy.
func (r *Router) Handle(ctx context.Context, msg *framework.Message) error {
	startTime := time.Now()

	// 1. Parse the job
	meta, payload, err := parseJob(msg)
	if err != nil {
		r.logger.Errorf(ctx, "[Router] parseJob failed: %v", err)
		return err
	}

	ctx = context.WithValue(ctx, logger.MessageIDKey, msg.ID)
	r.logger.Infof(ctx, "[Router] Processing job: action_type=%s, request_id=%s, id=%s",
		meta.ActionType, meta.RequestID, meta.ID)

	// 2. Look up the handler
	r.mu.RLock()
	proc, ok := r.handlers[meta.ActionType]
	r.mu.RUnlock()
	if !ok {
		r.logger.Errorf(ctx, "[Router] handler not found for action_type: %s", meta.ActionType)
		return errorutil.NonRetriable(fmt.Sprintf("unknown action_type: %s", meta.ActionType))
	}

	// 3. Build and run the handler
	handler, err := proc(ctx, meta, payload)
	if err != nil {
		r.logger.Errorf(ctx, "[Router] handler creation failed: %v", err)
		return errorutil.NonRetriableWithCause("invalid payload", err)
	}

	if err := handler.Process(ctx); err != nil {
		classified := errorutil.Wrap(err)
		r.logger.Warnf(ctx, "[Router] %s failed (retryable=%t): %v", meta.ActionType, classified.Retryable, err)
		return classified
	}

	r.logger.Infof(ctx, "[Router] Processing complete: action_type=%s, duration=%v", meta.ActionType, time.Since(startTime))
	return nil
}

// parseJob decodes the envelope into handler metadata and payload.
func parseJob(msg *framework.Message) (*job.Meta, json.RawMessage, error) {
	var standardJob job.Job
	if err := json.Unmarshal(msg.Body, &standardJob); err != nil {
		return nil, nil, errorutil.NonRetriableWithCause("json unmarshal failed", err)
	}

	if standardJob.Payload == nil || standardJob.Payload.Data == nil {
		return nil, nil, errorutil.NonRetriable("invalid job structure: payload.data is nil")
	}

	data := standardJob.Payload.Data
	if data.ActionType == "" {
		return nil, nil, errorutil.NonRetriable("invalid job structure: action_type is empty")
	}

	meta := &job.Meta{
		RequestID:  data.RequestID,
		OrgID:      data.OrgID,
		ActionType: data.ActionType,
		ID:         data.ID,
		MessageID:  msg.ID,
		Attempts:   msg.Attempts,
	}

	// generate a request id when missing
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}

	return meta, data.Data, nil
}
