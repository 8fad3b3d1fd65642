package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	_ "modernc.org/sqlite"
)

// SQLite is a Repository in a local SQLite file
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// sqliteBatchSize bounds the positions resolved by one query
const sqliteBatchSize = 500

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS threads_resource ON threads (resource_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL UNIQUE,
		resource_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS working_memories (
		resource_id TEXT PRIMARY KEY,
		facts TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);`,
}

// NewSQLite opens (and creates if needed) the database at path
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", path))
	}
	// one connection serializes writers, so sequence assignment never races
	db.SetMaxOpenConns(1)

	for _, query := range sqliteSchema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			return nil, goerr.Wrap(err, "failed to init schema", goerr.V("path", path))
		}
	}

	return &SQLite{db: db}, nil
}

// Close closes the database
func (x *SQLite) Close() error {
	return x.db.Close()
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// PutThread implements Repository
func (x *SQLite) PutThread(ctx context.Context, thread *model.Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}

	const query = `INSERT INTO threads (id, resource_id, title, created_at, updated_at, message_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			resource_id = excluded.resource_id,
			title = excluded.title,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`
	if _, err := x.db.ExecContext(ctx, query,
		thread.ID, thread.ResourceID, thread.Title,
		toUnix(thread.CreatedAt), toUnix(thread.UpdatedAt),
	); err != nil {
		return goerr.Wrap(err, "failed to put thread", goerr.V("thread_id", thread.ID))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*model.Thread, error) {
	var (
		thread               model.Thread
		createdAt, updatedAt int64
	)
	if err := row.Scan(&thread.ID, &thread.ResourceID, &thread.Title, &createdAt, &updatedAt, &thread.MessageCount); err != nil {
		return nil, err
	}
	thread.CreatedAt = fromUnix(createdAt)
	thread.UpdatedAt = fromUnix(updatedAt)
	return &thread, nil
}

const threadColumns = `id, resource_id, title, created_at, updated_at, message_count`

// GetThread implements Repository
func (x *SQLite) GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error) {
	row := x.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get thread", goerr.V("thread_id", id))
	}
	return thread, nil
}

// ListThreads implements Repository
func (x *SQLite) ListThreads(ctx context.Context, resourceID model.ResourceID) ([]*model.Thread, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE resource_id = ? ORDER BY created_at, id`, resourceID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list threads", goerr.V("resource_id", resourceID))
	}
	defer rows.Close()

	threads := make([]*model.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan thread")
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate threads")
	}
	return threads, nil
}

// AppendMessage implements Repository
func (x *SQLite) AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if err := validateAppend(msg); err != nil {
		return nil, err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, msg.ThreadID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "thread not found", goerr.V("thread_id", msg.ThreadID))
		}
		return nil, goerr.Wrap(err, "failed to get thread", goerr.V("thread_id", msg.ThreadID))
	}

	stored, err := prepareMessage(msg, thread, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (thread_id, seq, id, resource_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ThreadID, stored.Seq, stored.ID, stored.ResourceID, stored.Role, stored.Content, toUnix(stored.CreatedAt),
	); err != nil {
		return nil, goerr.Wrap(err, "failed to insert message",
			goerr.V("thread_id", stored.ThreadID),
			goerr.V("seq", stored.Seq))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET message_count = ?, updated_at = ? WHERE id = ?`,
		stored.Seq, toUnix(stored.CreatedAt), stored.ThreadID,
	); err != nil {
		return nil, goerr.Wrap(err, "failed to update thread", goerr.V("thread_id", stored.ThreadID))
	}

	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "failed to commit message", goerr.V("thread_id", stored.ThreadID))
	}
	return stored, nil
}

const messageColumns = `id, thread_id, resource_id, role, content, created_at, seq`

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		msg       model.Message
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ThreadID, &msg.ResourceID, &msg.Role, &msg.Content, &createdAt, &msg.Seq); err != nil {
		return nil, err
	}
	msg.CreatedAt = fromUnix(createdAt)
	return &msg, nil
}

// GetMessagesAt implements Repository. Results follow the order of positions.
func (x *SQLite) GetMessagesAt(ctx context.Context, positions []model.MessagePosition) ([]*model.Message, error) {
	if len(positions) == 0 {
		return []*model.Message{}, nil
	}

	found := make(map[model.MessagePosition]*model.Message, len(positions))
	for start := 0; start < len(positions); start += sqliteBatchSize {
		end := min(start+sqliteBatchSize, len(positions))
		if err := x.getMessagesBatch(ctx, positions[start:end], found); err != nil {
			return nil, err
		}
	}

	messages := make([]*model.Message, 0, len(found))
	for _, pos := range positions {
		if msg, ok := found[pos]; ok {
			messages = append(messages, msg)
			delete(found, pos)
		}
	}
	return messages, nil
}

// getMessagesBatch loads one batch of positions into found. Batches keep the
// OR expression below the SQLite expression depth limit.
func (x *SQLite) getMessagesBatch(ctx context.Context, positions []model.MessagePosition, found map[model.MessagePosition]*model.Message) error {
	conds := make([]string, len(positions))
	args := make([]any, 0, len(positions)*2)
	for i, pos := range positions {
		conds[i] = "(thread_id = ? AND seq = ?)"
		args = append(args, pos.ThreadID, pos.Seq)
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return goerr.Wrap(err, "failed to get messages", goerr.V("positions", len(positions)))
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return goerr.Wrap(err, "failed to scan message")
		}
		found[msg.Position()] = msg
	}
	if err := rows.Err(); err != nil {
		return goerr.Wrap(err, "failed to iterate messages")
	}
	return nil
}

// ListRecentMessages implements Repository
func (x *SQLite) ListRecentMessages(ctx context.Context, threadID model.ThreadID, n int) ([]*model.Message, error) {
	if n <= 0 {
		return []*model.Message{}, nil
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, threadID, n)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list recent messages", goerr.V("thread_id", threadID))
	}
	defer rows.Close()

	messages := make([]*model.Message, 0, n)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate messages")
	}
	return messages, nil
}

func scanWorkingMemory(row rowScanner, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	var (
		facts     string
		updatedAt int64
	)
	wm := model.NewWorkingMemory(resourceID)
	if err := row.Scan(&facts, &wm.Note, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(facts), &wm.Facts); err != nil {
		return nil, goerr.Wrap(err, "broken working memory facts", goerr.V("resource_id", resourceID))
	}
	if wm.Facts == nil {
		wm.Facts = map[string]string{}
	}
	wm.UpdatedAt = fromUnix(updatedAt)
	return wm, nil
}

// GetWorkingMemory implements Repository
func (x *SQLite) GetWorkingMemory(ctx context.Context, resourceID model.ResourceID) (*model.WorkingMemory, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT facts, note, updated_at FROM working_memories WHERE resource_id = ?`, resourceID)
	wm, err := scanWorkingMemory(row, resourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get working memory", goerr.V("resource_id", resourceID))
	}
	return wm, nil
}

// UpdateWorkingMemory implements Repository
func (x *SQLite) UpdateWorkingMemory(ctx context.Context, resourceID model.ResourceID, fn func(*model.WorkingMemory) error) (*model.WorkingMemory, error) {
	if resourceID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "resource ID is required")
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT facts, note, updated_at FROM working_memories WHERE resource_id = ?`, resourceID)
	wm, err := scanWorkingMemory(row, resourceID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		wm = model.NewWorkingMemory(resourceID)
	case err != nil:
		return nil, goerr.Wrap(err, "failed to get working memory", goerr.V("resource_id", resourceID))
	}

	if err := fn(wm); err != nil {
		return nil, err
	}
	wm.ResourceID = resourceID
	wm.UpdatedAt = time.Now().UTC()
	if wm.Facts == nil {
		wm.Facts = map[string]string{}
	}

	facts, err := json.Marshal(wm.Facts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal facts", goerr.V("resource_id", resourceID))
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO working_memories (resource_id, facts, note, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET facts = excluded.facts, note = excluded.note, updated_at = excluded.updated_at`,
		resourceID, string(facts), wm.Note, toUnix(wm.UpdatedAt),
	); err != nil {
		return nil, goerr.Wrap(err, "failed to put working memory", goerr.V("resource_id", resourceID))
	}

	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "failed to commit working memory", goerr.V("resource_id", resourceID))
	}
	return wm, nil
}
