package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

func (s *Store) AddToBlacklist(ctx context.Context, entry BlacklistEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing int
	scanErr := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM blacklist WHERE member_id = ?`), entry.MemberID).Scan(&existing)
	if scanErr != nil {
		err = scanErr
		return false, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO blacklist (member_id, member_name, started, ends, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
			member_name = excluded.member_name,
			started = excluded.started,
			ends = excluded.ends,
			reason = excluded.reason
	`), entry.MemberID, entry.MemberName, entry.Started.Unix(), CeilSecond(entry.Ends).Unix(), entry.Reason)
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return existing == 0, nil
}

func (s *Store) RemoveFromBlacklist(ctx context.Context, memberID string) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM blacklist WHERE member_id = ?`, memberID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	return s.selectBlacklist(ctx, `SELECT member_id, member_name, started, ends, reason FROM blacklist ORDER BY started`)
}

func (s *Store) GetBlacklisted(ctx context.Context, memberID string) (BlacklistEntry, error) {
	entries, err := s.selectBlacklist(ctx, `SELECT member_id, member_name, started, ends, reason FROM blacklist WHERE member_id = ?`, memberID)
	if err != nil {
		return BlacklistEntry{}, err
	}
	if len(entries) == 0 {
		return BlacklistEntry{}, ErrNotFound
	}
	return entries[0], nil
}

func (s *Store) FindBlacklisted(ctx context.Context, query string) ([]BlacklistEntry, error) {
	pattern := escapeLike(strings.ToLower(query)) + "%"
	return s.selectBlacklist(ctx, `
		SELECT member_id, member_name, started, ends, reason
		FROM blacklist
		WHERE member_id = ? OR LOWER(member_name) LIKE ? ESCAPE '\'
		ORDER BY member_name
	`, query, pattern)
}

func (s *Store) selectBlacklist(ctx context.Context, query string, args ...any) ([]BlacklistEntry, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BlacklistEntry
	for rows.Next() {
		var entry BlacklistEntry
		var started, ends int64
		if err := rows.Scan(&entry.MemberID, &entry.MemberName, &started, &ends, &entry.Reason); err != nil {
			return nil, err
		}
		entry.Started = time.Unix(started, 0)
		entry.Ends = time.Unix(ends, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) IsInviteRegistered(ctx context.Context, code string) (bool, error) {
	var found string
	err := s.queryRow(ctx, `SELECT code FROM registered_invites WHERE code = ?`, code).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) RegisterInvite(ctx context.Context, code, category string) error {
	_, err := s.exec(ctx, `
		INSERT INTO registered_invites (code, category, added_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET category = excluded.category
	`, code, category, time.Now().Unix())
	return err
}

func (s *Store) ListInvites(ctx context.Context, category string) ([]RegisteredInvite, error) {
	query := `SELECT code, category, added_at FROM registered_invites`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	rows, err := s.query(ctx, query+` ORDER BY added_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []RegisteredInvite
	for rows.Next() {
		var invite RegisteredInvite
		var added int64
		if err := rows.Scan(&invite.Code, &invite.Category, &added); err != nil {
			return nil, err
		}
		invite.AddedAt = time.Unix(added, 0)
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}
