package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) IncrementRejoin(ctx context.Context, memberID string, at time.Time) (RejoinCounter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RejoinCounter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count int
	scanErr := tx.QueryRowContext(ctx, s.rebind(`SELECT counter FROM rejoin_counters WHERE member_id = ?`), memberID).Scan(&count)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = scanErr
		return RejoinCounter{}, err
	}
	count++

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO rejoin_counters (member_id, counter, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
			counter = excluded.counter,
			updated_at = excluded.updated_at
	`), memberID, count, at.Unix())
	if err != nil {
		return RejoinCounter{}, err
	}
	if err = tx.Commit(); err != nil {
		return RejoinCounter{}, err
	}
	return RejoinCounter{MemberID: memberID, Counter: count, UpdatedAt: time.Unix(at.Unix(), 0)}, nil
}

func (s *Store) GetRejoin(ctx context.Context, memberID string) (RejoinCounter, error) {
	counter := RejoinCounter{MemberID: memberID}
	var updated int64
	err := s.queryRow(ctx, `SELECT counter, updated_at FROM rejoin_counters WHERE member_id = ?`, memberID).Scan(&counter.Counter, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return counter, nil
		}
		return RejoinCounter{}, err
	}
	counter.UpdatedAt = time.Unix(updated, 0)
	return counter, nil
}

func (s *Store) ListRejoin(ctx context.Context) ([]RejoinCounter, error) {
	rows, err := s.query(ctx, `SELECT member_id, counter, updated_at FROM rejoin_counters ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []RejoinCounter
	for rows.Next() {
		var counter RejoinCounter
		var updated int64
		if err := rows.Scan(&counter.MemberID, &counter.Counter, &updated); err != nil {
			return nil, err
		}
		counter.UpdatedAt = time.Unix(updated, 0)
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) ResetRejoin(ctx context.Context, memberID string) error {
	_, err := s.exec(ctx, `DELETE FROM rejoin_counters WHERE member_id = ?`, memberID)
	return err
}
