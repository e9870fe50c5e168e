package job

import "encoding/json"

// Job is the standard job envelope.
type Job struct {
	Payload *JobPayload `json:"payload"`
}

// JobPayload wraps the job data.
type JobPayload struct {
	Data *JobPayloadData `json:"data"`
}

// JobPayloadData is the envelope every producer writes.
type JobPayloadData struct {
	RequestID  string `json:"request_id"`  // trace id of the producer
	OrgID      string `json:"org_id"`
	ActionType string `json:"action_type"` // routing key
	ID         string `json:"id"`          // business id

	Data json.RawMessage `json:"data"` // handler specific

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Meta identifies a job for its handler.
type Meta struct {
	RequestID  string
	OrgID      string
	ActionType string
	ID         string
	MessageID  string // queue delivery id
	Attempts   int
}

// New builds an envelope, used by producers and tests.
func New(requestID, orgID, actionType, id string, data interface{}) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Job{Payload: &JobPayload{Data: &JobPayloadData{
		RequestID:  requestID,
		OrgID:      orgID,
		ActionType: actionType,
		ID:         id,
		Data:       raw,
	}}}, nil
}
