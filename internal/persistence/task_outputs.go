package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const taskOutputsTable = "task_outputs"

// AppendTaskOutput durably appends one record and returns it with the
// store-assigned Seq and CreatedAt. The timestamp never goes backwards relative
// to the previous record, even if the wall clock does.
func (s *Store) AppendTaskOutput(ctx context.Context, rec TaskOutput) (TaskOutput, error) {
	if strings.TrimSpace(rec.TaskID) == "" {
		return TaskOutput{}, writeErr(taskOutputsTable, errors.New("task_id is required"))
	}
	if rec.KickoffID == "" {
		rec.KickoffID = uuid.NewString()
	}

	err := s.withWriteTx(ctx, CategoryKickoffOutputs, func(tx *sql.Tx) error {
		now := s.now().UTC()
		var last sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT created_at FROM task_outputs ORDER BY seq DESC LIMIT 1;`).Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read last timestamp: %w", err)
		}
		if last.Valid {
			prev, err := parseTimestamp(last.String)
			if err != nil {
				return fmt.Errorf("parse last timestamp: %w", err)
			}
			if now.Before(prev) {
				now = prev
			}
		}
		rec.CreatedAt = now

		row, err := encodeTaskOutput(rec)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_outputs (task_id, kickoff_id, task_index, description, expected_output, raw_output, inputs, output_schema, was_replayed, supersedes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, row.taskID, row.kickoffID, row.taskIndex, row.description, row.expectedOutput, row.rawOutput,
			row.inputs, row.outputSchema, row.wasReplayed, row.supersedes, row.createdAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: kickoff %s task %s", ErrDuplicateTask, rec.KickoffID, rec.TaskID)
			}
			return fmt.Errorf("insert task output: %w", err)
		}
		rec.Seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return TaskOutput{}, writeErr(taskOutputsTable, err)
	}
	s.logger.Debug("task output appended", "task_id", rec.TaskID, "kickoff_id", rec.KickoffID, "seq", rec.Seq)
	return rec, nil
}

// LoadTaskOutputs returns every record oldest first. An empty store yields an
// empty slice, not an error.
func (s *Store) LoadTaskOutputs(ctx context.Context) ([]TaskOutput, error) {
	l := s.lockFor(CategoryKickoffOutputs)
	l.RLock()
	defer l.RUnlock()

	out, err := s.queryTaskOutputs(ctx, `SELECT `+taskOutputColumns+` FROM task_outputs ORDER BY seq ASC;`)
	if err != nil {
		return nil, readErr(taskOutputsTable, err)
	}
	return out, nil
}

// FindTaskOutputsFrom returns the first record with taskID and every record
// inserted after it, oldest first. ErrTaskNotFound signals an unknown anchor.
func (s *Store) FindTaskOutputsFrom(ctx context.Context, taskID string) ([]TaskOutput, error) {
	l := s.lockFor(CategoryKickoffOutputs)
	l.RLock()
	defer l.RUnlock()

	var anchor sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(seq) FROM task_outputs WHERE task_id = ?;`, taskID).Scan(&anchor); err != nil {
		return nil, readErr(taskOutputsTable, fmt.Errorf("locate anchor: %w", err))
	}
	if !anchor.Valid {
		return []TaskOutput{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	out, err := s.queryTaskOutputs(ctx, `SELECT `+taskOutputColumns+` FROM task_outputs WHERE seq >= ? ORDER BY seq ASC;`, anchor.Int64)
	if err != nil {
		return nil, readErr(taskOutputsTable, err)
	}
	return out, nil
}

// TaskOutputsAfter returns the records with seq greater than afterSeq, oldest
// first.
func (s *Store) TaskOutputsAfter(ctx context.Context, afterSeq int64) ([]TaskOutput, error) {
	l := s.lockFor(CategoryKickoffOutputs)
	l.RLock()
	defer l.RUnlock()

	out, err := s.queryTaskOutputs(ctx, `SELECT `+taskOutputColumns+` FROM task_outputs WHERE seq > ? ORDER BY seq ASC;`, afterSeq)
	if err != nil {
		return nil, readErr(taskOutputsTable, err)
	}
	return out, nil
}

// LatestTaskOutput returns the most recently appended record for taskID.
func (s *Store) LatestTaskOutput(ctx context.Context, taskID string) (TaskOutput, error) {
	l := s.lockFor(CategoryKickoffOutputs)
	l.RLock()
	defer l.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskOutputColumns+` FROM task_outputs WHERE task_id = ? ORDER BY seq DESC LIMIT 1;`, taskID)
	rec, err := decodeTaskOutput(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Plain sentinel: absence is not a storage failure.
			return TaskOutput{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return TaskOutput{}, readErr(taskOutputsTable, err)
	}
	return rec, nil
}

// CountTaskOutputs returns the number of stored records.
func (s *Store) CountTaskOutputs(ctx context.Context) (int, error) {
	l := s.lockFor(CategoryKickoffOutputs)
	l.RLock()
	defer l.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_outputs;`).Scan(&n); err != nil {
		return 0, readErr(taskOutputsTable, err)
	}
	return n, nil
}

// ClearTaskOutputs irreversibly removes every record and returns how many were
// deleted.
func (s *Store) ClearTaskOutputs(ctx context.Context) (int64, error) {
	var n int64
	err := s.withWriteTx(ctx, CategoryKickoffOutputs, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_outputs;`)
		if err != nil {
			return fmt.Errorf("delete task outputs: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, writeErr(taskOutputsTable, err)
	}
	return n, nil
}

func (s *Store) queryTaskOutputs(ctx context.Context, query string, args ...any) ([]TaskOutput, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task outputs: %w", err)
	}
	defer rows.Close()

	out := []TaskOutput{}
	for rows.Next() {
		rec, err := decodeTaskOutput(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task output: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task outputs rows: %w", err)
	}
	return out, nil
}
