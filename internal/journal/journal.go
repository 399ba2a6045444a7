// Package journal is a durable local write-ahead buffer for in-flight
// answers, keyed by (session, user, question index). Its job is to survive a
// client crash between "answer chosen" and "answer committed to the store".
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"live-quiz-service/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

// Journal persists answer records in a local SQLite database.
type Journal struct {
	db *sql.DB
}

// Open creates (or reuses) the journal database at path.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		path = "answers.db"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS answer_journal (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		record TEXT NOT NULL,
		saved_at_unix INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id, question_index)
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record upserts one answer; re-answering a question after an edit cycle
// replaces the previous entry.
func (j *Journal) Record(sessionID, userID string, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	_, err = j.db.Exec(`INSERT INTO answer_journal
		(session_id, user_id, question_index, record, saved_at_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, user_id, question_index)
		DO UPDATE SET record = excluded.record, saved_at_unix = excluded.saved_at_unix`,
		sessionID, userID, answer.QuestionIndex, string(raw), answer.AnsweredAt.Unix())
	if err != nil {
		return fmt.Errorf("journal answer: %w", err)
	}
	return nil
}

// Pending returns the journaled answers for a (session, user), ordered by
// question index, for recovery after a crash.
func (j *Journal) Pending(ctx context.Context, sessionID, userID string) ([]domain.Answer, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT record FROM answer_journal
		WHERE session_id = ? AND user_id = ?
		ORDER BY question_index`, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var answers []domain.Answer
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var answer domain.Answer
		if err := json.Unmarshal([]byte(raw), &answer); err != nil {
			return nil, fmt.Errorf("unmarshal journal record: %w", err)
		}
		answers = append(answers, answer)
	}
	return answers, rows.Err()
}

// Clear drops every journaled answer for a (session, user), typically once
// the session completes and the store is known to hold everything.
func (j *Journal) Clear(ctx context.Context, sessionID, userID string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM answer_journal
		WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}
