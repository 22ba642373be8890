// Package eventsink implements EventSink: an append-only audit log of every
// snapshot, prediction, decision, order, trade, and system event, persisted
// to the same embedded SQLite store as orderstore (modernc.org/sqlite),
// through a single-writer connection with plain append-only inserts. Event-type
// naming follows the teacher's internal/events.EventType vocabulary,
// narrowed to the coordinator's own event set.
package eventsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/xylen-coordinator/internal/errs"
	"github.com/atlas-desktop/xylen-coordinator/pkg/types"
)

// EventType classifies one row of the append-only log.
type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventPrediction EventType = "prediction"
	EventDecision   EventType = "decision"
	EventOrder      EventType = "order"
	EventTrade      EventType = "trade"
	EventSystem     EventType = "system"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    heartbeat_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    severity   TEXT NOT NULL DEFAULT 'INFO',
    payload    TEXT NOT NULL,
    ts         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_heartbeat ON events(heartbeat_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// Sink is the EventSink: an append-only log, one row per event, ordered
// within a heartbeat by a monotonically increasing sequence number (spec §5:
// "event-sink writes within a heartbeat appear in causal order").
type Sink struct {
	db *sql.DB
}

func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Init("eventsink: open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Init("eventsink: apply schema", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Heartbeat scopes a single decision cycle's writes to one heartbeat ID and
// an incrementing sequence counter, enforcing causal order at the call site.
type Heartbeat struct {
	sink *Sink
	id   string
	seq  int
}

// NewHeartbeat starts a fresh causal-order scope for one decision cycle.
func (s *Sink) NewHeartbeat() *Heartbeat {
	return &Heartbeat{sink: s, id: uuid.NewString()}
}

func (h *Heartbeat) next() (string, int) {
	h.seq++
	return h.id, h.seq
}

func (h *Heartbeat) write(ctx context.Context, typ EventType, severity types.Severity, payload any) error {
	heartbeatID, seq := h.next()
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = h.sink.db.ExecContext(ctx, `
		INSERT INTO events (id, heartbeat_id, seq, type, severity, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), heartbeatID, seq, string(typ), string(severity), string(data), time.Now().UTC(),
	)
	if err != nil {
		return errs.TransientIO("eventsink: write", err)
	}
	return nil
}

// Snapshot logs the market snapshot that opened this decision cycle.
func (h *Heartbeat) Snapshot(ctx context.Context, snap types.Snapshot) error {
	return h.write(ctx, EventSnapshot, types.SeverityInfo, snap)
}

// Prediction logs one model's prediction.
func (h *Heartbeat) Prediction(ctx context.Context, pred types.ModelPrediction) error {
	return h.write(ctx, EventPrediction, types.SeverityInfo, pred)
}

// Decision logs the fused ensemble decision.
func (h *Heartbeat) Decision(ctx context.Context, decision types.EnsembleDecision) error {
	return h.write(ctx, EventDecision, types.SeverityInfo, decision)
}

// Order logs an order placement or update.
func (h *Heartbeat) Order(ctx context.Context, order types.OrderState) error {
	return h.write(ctx, EventOrder, types.SeverityInfo, order)
}

// Trade logs a trade open or close.
func (h *Heartbeat) Trade(ctx context.Context, trade types.EngineTrade) error {
	return h.write(ctx, EventTrade, types.SeverityInfo, trade)
}

// System logs a non-decision-cycle system event (errors, breaker trips,
// shutdown latches) at the given severity, independent of any heartbeat scope.
func (s *Sink) System(ctx context.Context, severity types.Severity, message string) error {
	h := s.NewHeartbeat()
	return h.write(ctx, EventSystem, severity, map[string]string{"message": message})
}

type storedEvent struct {
	ID          string
	HeartbeatID string
	Seq         int
	Type        EventType
	Severity    types.Severity
	Payload     string
	Timestamp   time.Time
}

// Recent returns the most recently written events, newest first, for
// dashboard/status consumers.
func (s *Sink) Recent(ctx context.Context, limit int) ([]storedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, heartbeat_id, seq, type, severity, payload, ts
		FROM events ORDER BY ts DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.TransientIO("eventsink: recent", err)
	}
	defer rows.Close()

	var out []storedEvent
	for rows.Next() {
		var e storedEvent
		var typ, sev string
		if err := rows.Scan(&e.ID, &e.HeartbeatID, &e.Seq, &typ, &sev, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Severity = types.Severity(sev)
		out = append(out, e)
	}
	return out, nil
}
