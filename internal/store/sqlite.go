// Package store keeps a queryable SQLite archive of decoded calls. The JSONL
// log is the write-only record; this archive serves the API's list and lookup
// endpoints and folds poll outcomes back onto the calls they concern.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dgnsrekt/icscope/internal/agent"
	"github.com/dgnsrekt/icscope/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	message_id     TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	canister_id    TEXT,
	method         TEXT,
	sender         TEXT,
	url            TEXT,
	observed_at    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'unknown',
	reject_code    INTEGER,
	reject_message TEXT,
	authenticated  INTEGER NOT NULL DEFAULT 0,
	request_json   TEXT,
	response_json  TEXT
);
CREATE INDEX IF NOT EXISTS idx_calls_canister ON calls(canister_id);
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);
`

// Archive is the SQLite-backed call archive.
type Archive struct {
	db *sql.DB
}

func Open(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// modernc sqlite allows one writer; a single connection avoids lock
	// contention between capture goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Record implements pipeline.Sink. Calls and queries insert rows; read_state
// polls fold their resolved outcome onto the originating call's row. Decode
// failures carry no message id to key on and stay in the JSONL corpus only.
func (a *Archive) Record(call *pipeline.DecodedCall) {
	if call.Request == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if call.Request.Kind == agent.KindReadState {
		err = a.applyPoll(ctx, call)
	} else {
		err = a.upsertCall(ctx, call)
	}
	if err != nil {
		slog.Error("archive write failed", "message_id", call.Request.MessageID, "error", err)
	}
}

func (a *Archive) upsertCall(ctx context.Context, call *pipeline.DecodedCall) error {
	requestJSON, _ := json.Marshal(call.Request)
	responseJSON, _ := json.Marshal(call.Response)

	status := string(agent.StatusUnknown)
	var rejectCode sql.NullInt64
	var rejectMessage sql.NullString
	authenticated := 0
	if call.Response != nil {
		status = string(call.Response.Status)
		if call.Response.Status == agent.StatusRejected {
			rejectCode = sql.NullInt64{Int64: int64(call.Response.RejectCode), Valid: true}
			rejectMessage = sql.NullString{String: call.Response.RejectMessage, Valid: true}
		}
		if call.Response.Authenticated {
			authenticated = 1
		}
	}

	_, err := a.db.ExecContext(ctx, `
INSERT INTO calls (message_id, kind, canister_id, method, sender, url, observed_at,
                   status, reject_code, reject_message, authenticated, request_json, response_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
	status = excluded.status,
	reject_code = excluded.reject_code,
	reject_message = excluded.reject_message,
	authenticated = excluded.authenticated,
	response_json = excluded.response_json`,
		call.Request.MessageID, string(call.Request.Kind), call.Request.CanisterID,
		call.Request.Method, call.Request.Sender, call.URL,
		call.Observed.UTC().Format(time.RFC3339Nano),
		status, rejectCode, rejectMessage, authenticated,
		string(requestJSON), string(responseJSON))
	return err
}

func (a *Archive) applyPoll(ctx context.Context, call *pipeline.DecodedCall) error {
	if call.Response == nil || call.Response.Status == agent.StatusUnknown {
		return nil
	}
	responseJSON, _ := json.Marshal(call.Response)

	var rejectCode sql.NullInt64
	var rejectMessage sql.NullString
	if call.Response.Status == agent.StatusRejected {
		rejectCode = sql.NullInt64{Int64: int64(call.Response.RejectCode), Valid: true}
		rejectMessage = sql.NullString{String: call.Response.RejectMessage, Valid: true}
	}
	authenticated := 0
	if call.Response.Authenticated {
		authenticated = 1
	}

	_, err := a.db.ExecContext(ctx, `
UPDATE calls SET status = ?, reject_code = ?, reject_message = ?, authenticated = ?, response_json = ?
WHERE message_id = ?`,
		string(call.Response.Status), rejectCode, rejectMessage, authenticated,
		string(responseJSON), call.Request.TargetMessageID)
	return err
}

// CallRow is one archived call as served by the API.
type CallRow struct {
	MessageID     string          `json:"message_id"`
	Kind          string          `json:"kind"`
	CanisterID    string          `json:"canister_id,omitempty"`
	Method        string          `json:"method,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	URL           string          `json:"url"`
	ObservedAt    string          `json:"observed_at"`
	Status        string          `json:"status"`
	RejectCode    *int64          `json:"reject_code,omitempty"`
	RejectMessage *string         `json:"reject_message,omitempty"`
	Authenticated bool            `json:"authenticated"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// ListFilter narrows List results; zero values mean "any".
type ListFilter struct {
	CanisterID string
	Method     string
	Status     string
	Limit      int
	Offset     int
}

func (a *Archive) List(ctx context.Context, filter ListFilter) ([]CallRow, error) {
	query := `SELECT message_id, kind, canister_id, method, sender, url, observed_at,
	status, reject_code, reject_message, authenticated, request_json, response_json
	FROM calls WHERE 1=1`
	var args []any
	if filter.CanisterID != "" {
		query += " AND canister_id = ?"
		args = append(args, filter.CanisterID)
	}
	if filter.Method != "" {
		query += " AND method = ?"
		args = append(args, filter.Method)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY observed_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRow
	for rows.Next() {
		row, err := scanCallRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *Archive) Get(ctx context.Context, messageID string) (CallRow, bool, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT message_id, kind, canister_id, method, sender, url, observed_at,
	status, reject_code, reject_message, authenticated, request_json, response_json
	FROM calls WHERE message_id = ?`, messageID)
	if err != nil {
		return CallRow{}, false, fmt.Errorf("store: get call: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return CallRow{}, false, rows.Err()
	}
	row, err := scanCallRow(rows)
	if err != nil {
		return CallRow{}, false, err
	}
	return row, true, nil
}

func scanCallRow(rows *sql.Rows) (CallRow, error) {
	var row CallRow
	var canister, method, sender sql.NullString
	var rejectCode sql.NullInt64
	var rejectMessage sql.NullString
	var authenticated int
	var requestJSON, responseJSON sql.NullString

	err := rows.Scan(&row.MessageID, &row.Kind, &canister, &method, &sender, &row.URL,
		&row.ObservedAt, &row.Status, &rejectCode, &rejectMessage, &authenticated,
		&requestJSON, &responseJSON)
	if err != nil {
		return CallRow{}, fmt.Errorf("store: scan call row: %w", err)
	}

	row.CanisterID = canister.String
	row.Method = method.String
	row.Sender = sender.String
	if rejectCode.Valid {
		row.RejectCode = &rejectCode.Int64
	}
	if rejectMessage.Valid {
		row.RejectMessage = &rejectMessage.String
	}
	row.Authenticated = authenticated != 0
	if requestJSON.Valid {
		row.Request = json.RawMessage(requestJSON.String)
	}
	if responseJSON.Valid {
		row.Response = json.RawMessage(responseJSON.String)
	}
	return row, nil
}
