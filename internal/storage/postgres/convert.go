package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/status"
)

func toRunModel(rec *status.Record, version int64) (RunModel, error) {
	m := RunModel{
		SessionID: rec.SessionID,
		Version:   version,
		Action:    string(rec.Action),
		Status:    string(rec.Status),
		Message:   rec.Message,
		Error:     rec.Error,
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	if len(rec.Logs) > 0 {
		b, err := json.Marshal(rec.Logs)
		if err != nil {
			return RunModel{}, fmt.Errorf("marshaling logs: %w", err)
		}
		m.Logs = JSONB(b)
	}
	if len(rec.Output) > 0 {
		b, err := json.Marshal(rec.Output)
		if err != nil {
			return RunModel{}, fmt.Errorf("marshaling output: %w", err)
		}
		m.Output = JSONB(b)
	}
	return m, nil
}

func toRecord(m *RunModel) (*status.Record, error) {
	rec := &status.Record{
		SessionID: m.SessionID,
		Action:    protocol.Action(m.Action),
		Status:    status.Status(m.Status),
		Message:   m.Message,
		Error:     m.Error,
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if len(m.Logs) > 0 {
		if err := json.Unmarshal(m.Logs, &rec.Logs); err != nil {
			return nil, fmt.Errorf("parsing logs for run %s: %w", m.SessionID, err)
		}
	}
	if len(m.Output) > 0 {
		if err := json.Unmarshal(m.Output, &rec.Output); err != nil {
			return nil, fmt.Errorf("parsing output for run %s: %w", m.SessionID, err)
		}
	}
	return rec, nil
}
