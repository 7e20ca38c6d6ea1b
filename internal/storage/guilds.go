package storage

import (
	"context"
	"strings"
	"time"
)

func (s *Store) AddGuild(ctx context.Context, record GuildRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO gateway_guilds (guild_id, landing_channel_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET landing_channel_id = excluded.landing_channel_id
	`, record.GuildID, record.LandingChannelID, record.CreatedAt.Unix())
	return err
}

func (s *Store) RemoveGuild(ctx context.Context, guildID string) error {
	if _, err := s.exec(ctx, `DELETE FROM captcha_channels WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `DELETE FROM gateway_guilds WHERE guild_id = ?`, guildID)
	return err
}

func (s *Store) ListGuilds(ctx context.Context, includeStats bool) ([]GuildRecord, error) {
	rows, err := s.query(ctx, `SELECT guild_id, landing_channel_id, created_at FROM gateway_guilds ORDER BY created_at`)
	if err != nil {
		return nil, err
	}

	var guilds []GuildRecord
	for rows.Next() {
		var record GuildRecord
		var created int64
		if err := rows.Scan(&record.GuildID, &record.LandingChannelID, &created); err != nil {
			rows.Close()
			return nil, err
		}
		record.CreatedAt = time.Unix(created, 0)
		guilds = append(guilds, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if !includeStats {
		return guilds, nil
	}
	for i := range guilds {
		stats, err := s.guildStats(ctx, guilds[i].GuildID)
		if err != nil {
			return nil, err
		}
		guilds[i].Stats = stats
	}
	return guilds, nil
}

func (s *Store) guildStats(ctx context.Context, guildID string) (GuildStats, error) {
	var stats GuildStats
	err := s.queryRow(ctx, `
		SELECT
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(failed), 0),
			COALESCE(SUM(CASE WHEN completed = 0 THEN active ELSE 0 END), 0)
		FROM captcha_channels WHERE guild_id = ?
	`, guildID).Scan(&stats.Completed, &stats.Failed, &stats.Active)
	return stats, err
}

func (s *Store) AddChannel(ctx context.Context, record ChannelRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO captcha_channels (guild_id, channel_id, member_id, member_name, tries, ttl, active, completed, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, channel_id) DO UPDATE SET
			member_id = excluded.member_id,
			member_name = excluded.member_name,
			tries = excluded.tries,
			ttl = excluded.ttl,
			active = excluded.active,
			completed = excluded.completed,
			failed = excluded.failed
	`,
		record.GuildID,
		record.ChannelID,
		record.MemberID,
		record.MemberName,
		record.Tries,
		record.TTL,
		boolToInt(record.Active),
		boolToInt(record.Completed),
		boolToInt(record.Failed),
		record.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) UpdateChannel(ctx context.Context, guildID, channelID string, update ChannelUpdate) error {
	var sets []string
	var args []any
	if update.Tries != nil {
		sets = append(sets, "tries = ?")
		args = append(args, *update.Tries)
	}
	if update.TTL != nil {
		sets = append(sets, "ttl = ?")
		args = append(args, *update.TTL)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolToInt(*update.Active))
	}
	if update.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, boolToInt(*update.Completed))
	}
	if update.Failed != nil {
		sets = append(sets, "failed = ?")
		args = append(args, boolToInt(*update.Failed))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, guildID, channelID)
	result, err := s.exec(ctx, `UPDATE captcha_channels SET `+strings.Join(sets, ", ")+` WHERE guild_id = ? AND channel_id = ?`, args...)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveChannels(ctx context.Context, guildID string) ([]ChannelRecord, error) {
	rows, err := s.query(ctx, `
		SELECT guild_id, channel_id, member_id, member_name, tries, ttl, active, completed, failed, created_at
		FROM captcha_channels
		WHERE guild_id = ? AND active = 1
		ORDER BY created_at
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChannelRecord
	for rows.Next() {
		var record ChannelRecord
		var active, completed, failed int
		var created int64
		if err := rows.Scan(&record.GuildID, &record.ChannelID, &record.MemberID, &record.MemberName, &record.Tries, &record.TTL, &active, &completed, &failed, &created); err != nil {
			return nil, err
		}
		record.Active = active == 1
		record.Completed = completed == 1
		record.Failed = failed == 1
		record.CreatedAt = time.Unix(created, 0)
		records = append(records, record)
	}
	return records, rows.Err()
}
