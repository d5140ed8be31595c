package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Repository is the Postgres-backed persistent store: patch subscriptions
// (read-only apart from the group-id write-back) and the message audit log.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// EnsureSchema creates the tables this process writes to. Patches are owned by
// the web front end; the table is created here only so a fresh deployment can
// start before the first subscription exists.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patches (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			inviter_uid TEXT NOT NULL DEFAULT '',
			subscribers JSONB NOT NULL DEFAULT '[]',
			extended BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			patch_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'turn',
			status TEXT NOT NULL,
			day INTEGER NOT NULL DEFAULT 0,
			player_name TEXT NOT NULL DEFAULT '',
			text_classic TEXT NOT NULL DEFAULT '',
			text_fun TEXT NOT NULL DEFAULT '',
			recipients_classic JSONB NOT NULL DEFAULT '[]',
			recipients_fun JSONB NOT NULL DEFAULT '[]',
			deliveries JSONB NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_game_status ON messages (game_id, status, updated_at)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ListPatches returns every patch with its subscriber list.
func (r *Repository) ListPatches(ctx context.Context) ([]Patch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, inviter_uid, subscribers, extended, updated_at FROM patches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patches []Patch
	for rows.Next() {
		var p Patch
		var subsRaw []byte
		if err := rows.Scan(&p.ID, &p.GameID, &p.InviterUID, &subsRaw, &p.Extended, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(subsRaw, &p.Subscribers); err != nil {
			return nil, fmt.Errorf("patch %s: decode subscribers: %w", p.ID, err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// UpdateSubscriberGroupID writes a resolved group id back onto one subscriber.
// Best effort: the patch may have been edited or removed underneath us.
func (r *Repository) UpdateSubscriberGroupID(ctx context.Context, patchID, handle, groupID string) error {
	var subsRaw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT subscribers FROM patches WHERE id = $1`, patchID).Scan(&subsRaw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	var subs []Subscriber
	if err := json.Unmarshal(subsRaw, &subs); err != nil {
		return err
	}
	changed := false
	for i := range subs {
		if subs[i].Handle == handle {
			subs[i].GroupID = groupID
			changed = true
		}
	}
	if !changed {
		return nil
	}
	raw, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE patches SET subscribers = $2, updated_at = now() WHERE id = $1`, patchID, raw)
	return err
}

// InsertMessage creates the audit row in its initial state.
func (r *Repository) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	recClassic, _ := json.Marshal(rec.RecipientsClassic)
	recFun, _ := json.Marshal(rec.RecipientsFun)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (
			id, game_id, patch_id, source, status, day, player_name,
			recipients_classic, recipients_fun, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.GameID, rec.PatchID, string(rec.Source), string(rec.Status),
		rec.Day, rec.PlayerName, recClassic, recFun, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// UpdateMessageRendered stores both text variants and their recipient splits.
func (r *Repository) UpdateMessageRendered(ctx context.Context, rec *MessageRecord) error {
	recClassic, _ := json.Marshal(rec.RecipientsClassic)
	recFun, _ := json.Marshal(rec.RecipientsFun)
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status=$2, text_classic=$3, text_fun=$4,
			recipients_classic=$5, recipients_fun=$6, updated_at=$7
		 WHERE id=$1`,
		rec.ID, string(rec.Status), rec.TextClassic, rec.TextFun,
		recClassic, recFun, rec.UpdatedAt)
	return err
}

// MarkMessageSending advances the record just before dispatch fan-out.
func (r *Repository) MarkMessageSending(ctx context.Context, rec *MessageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status=$2, updated_at=$3 WHERE id=$1`,
		rec.ID, string(StatusSending), time.Now().UTC())
	return err
}

// FinishMessage writes the terminal status with the full deliveries array.
func (r *Repository) FinishMessage(ctx context.Context, rec *MessageRecord) error {
	deliveries, _ := json.Marshal(rec.Deliveries)
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status=$2, deliveries=$3, error=$4, updated_at=$5 WHERE id=$1`,
		rec.ID, string(rec.Status), deliveries, rec.Error, rec.UpdatedAt)
	return err
}

// LastDeliveries returns the most recent successful delivery time per handle
// for one game, derived from terminal audit rows. This is the policy
// evaluator's only source for minimum-gap decisions.
func (r *Repository) LastDeliveries(ctx context.Context, gameID string) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT deliveries, updated_at FROM messages
		 WHERE game_id = $1 AND status IN ($2, $3)
		 ORDER BY updated_at ASC`,
		gameID, string(StatusSent), string(StatusPartialFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	last := make(map[string]time.Time)
	for rows.Next() {
		var raw []byte
		var at time.Time
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, err
		}
		var deliveries []Delivery
		if err := json.Unmarshal(raw, &deliveries); err != nil {
			continue
		}
		for _, d := range deliveries {
			if d.Status == "sent" {
				last[NormalizeHandle(d.Handle)] = at
			}
		}
	}
	return last, rows.Err()
}
