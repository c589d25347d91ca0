// Package events records the audit log and fans transitions out to the bus.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"riskroute/internal/bus"
	"riskroute/internal/domain"
)

type Writer struct {
	DB       *sql.DB
	Now      func() time.Time
	Bus      bus.Bus
	Subjects bus.Subjects
	Source   string
	Logger   *slog.Logger
}

type EventPayload map[string]any

// Append inserts an event row inside tx and returns it so it can be published after commit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, _ := res.LastInsertId()
	return domain.Event{ID: id, TS: ts, Type: evtType, EntityKind: entityKind, EntityID: entityID, ActorID: actorID, Payload: string(data)}, nil
}

// Publish sends committed events to the bus. Delivery failures are logged, never returned:
// the database row is the record of truth.
func (w Writer) Publish(ctx context.Context, evts ...domain.Event) {
	if w.Bus == nil {
		return
	}
	for _, e := range evts {
		env := bus.Envelope{
			SchemaVersion: bus.SchemaVersion,
			Type:          e.Type,
			CorrelationID: e.EntityID,
			Source:        w.source(),
			Payload:       json.RawMessage(e.Payload),
		}
		if ts, err := time.Parse(time.RFC3339Nano, e.TS); err == nil {
			env.Timestamp = ts
		}
		if err := w.Bus.Publish(ctx, w.Subjects.Task(subjectSuffix(e.Type)), env); err != nil {
			w.logger().Warn("publish event", "type", e.Type, "entity_id", e.EntityID, "err", err)
		}
	}
}

func (w Writer) source() string {
	if w.Source == "" {
		return "riskroute"
	}
	return w.Source
}

func (w Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// subjectSuffix turns "task.escalated" into "escalated".
func subjectSuffix(evtType string) string {
	return strings.TrimPrefix(evtType, "task.")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
