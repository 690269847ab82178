package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/parleybot/parley/pkg/models"
)

// sqlStore implements Store on top of database/sql. Messages are stored
// as JSON payloads under a per-session monotonic sequence, so append
// order survives round trips regardless of wall-clock skew. The SQL uses
// $n placeholders, which both lib/pq and modernc sqlite accept.
type sqlStore struct {
	db *sql.DB

	stmtAppend     *sql.Stmt
	stmtMessages   *sql.Stmt
	stmtSummary    *sql.Stmt
	stmtSetSummary *sql.Stmt
	stmtDelete     *sql.Stmt
}

func newSQLStore(db *sql.DB) (*sqlStore, error) {
	s := &sqlStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) prepareStatements() error {
	var err error

	s.stmtAppend, err = s.db.Prepare(`
		INSERT INTO messages (session_id, id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append: %w", err)
	}

	s.stmtMessages, err = s.db.Prepare(`
		SELECT payload FROM messages
		WHERE session_id = $1
		ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare messages: %w", err)
	}

	s.stmtSummary, err = s.db.Prepare(`
		SELECT payload FROM summaries WHERE session_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare summary: %w", err)
	}

	s.stmtSetSummary, err = s.db.Prepare(`
		INSERT INTO summaries (session_id, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set summary: %w", err)
	}

	s.stmtDelete, err = s.db.Prepare(`
		DELETE FROM messages WHERE session_id = $1 AND id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the database connection.
func (s *sqlStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtAppend, s.stmtMessages, s.stmtSummary, s.stmtSetSummary, s.stmtDelete,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *sqlStore) Append(ctx context.Context, session string, msg *models.Message) error {
	if err := validateAppend(session, msg); err != nil {
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return storageErr("append", session, fmt.Errorf("failed to marshal message: %w", err))
	}

	if _, err := s.stmtAppend.ExecContext(ctx, session, msg.ID, payload, time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return storageErr("append", session, fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID))
		}
		return storageErr("append", session, err)
	}
	return nil
}

func (s *sqlStore) Messages(ctx context.Context, session string) ([]*models.Message, error) {
	rows, err := s.stmtMessages.QueryContext(ctx, session)
	if err != nil {
		return nil, storageErr("messages", session, err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("messages", session, err)
		}
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, storageErr("messages", session, fmt.Errorf("failed to unmarshal message: %w", err))
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("messages", session, err)
	}
	return messages, nil
}

func (s *sqlStore) Summary(ctx context.Context, session string) (*models.Message, error) {
	var payload []byte
	err := s.stmtSummary.QueryRowContext(ctx, session).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("summary", session, err)
	}

	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, storageErr("summary", session, fmt.Errorf("failed to unmarshal summary: %w", err))
	}
	return &msg, nil
}

func (s *sqlStore) SetSummary(ctx context.Context, session string, summary *models.Message) error {
	if err := validateSummary(session, summary); err != nil {
		return err
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return storageErr("set_summary", session, fmt.Errorf("failed to marshal summary: %w", err))
	}

	if _, err := s.stmtSetSummary.ExecContext(ctx, session, payload, time.Now().UTC()); err != nil {
		return storageErr("set_summary", session, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, session, id string) error {
	res, err := s.stmtDelete.ExecContext(ctx, session, id)
	if err != nil {
		return storageErr("delete", session, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", session, err)
	}
	if affected == 0 {
		return storageErr("delete", session, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return nil
}

func (s *sqlStore) Clear(ctx context.Context, session string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear", session, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, session); err != nil {
		return storageErr("clear", session, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = $1`, session); err != nil {
		return storageErr("clear", session, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("clear", session, err)
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures from both backends:
// pq reports SQLSTATE 23505, sqlite a UNIQUE constraint message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
