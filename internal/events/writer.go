package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded over an experiment's lifetime.
const (
	ExperimentCreated   = "experiment.created"
	ActionIssued        = "action.issued"
	ActionUnavailable   = "action.unavailable"
	DispatchSucceeded   = "dispatch.succeeded"
	DispatchFailed      = "dispatch.failed"
	FeedbackReceived    = "feedback.received"
	VariantRecorded     = "variant.recorded"
	ExperimentCompleted = "experiment.completed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, experimentID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,experiment_id,payload_json) VALUES (?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, experimentID, string(data))
	return err
}
