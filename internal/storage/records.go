package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type GuildStats struct {
	Completed int `bson:"completed"`
	Failed    int `bson:"failed"`
	Active    int `bson:"active"`
}

type GuildRecord struct {
	GuildID          string     `bson:"_id"`
	LandingChannelID string     `bson:"landing_channel_id"`
	CreatedAt        time.Time  `bson:"created_at"`
	Stats            GuildStats `bson:"-"`
}

type ChannelRecord struct {
	GuildID    string    `bson:"guild_id"`
	ChannelID  string    `bson:"channel_id"`
	MemberID   string    `bson:"member_id"`
	MemberName string    `bson:"member_name"`
	Tries      int       `bson:"tries"`
	TTL        int       `bson:"ttl"`
	Active     bool      `bson:"active"`
	Completed  bool      `bson:"completed"`
	Failed     bool      `bson:"failed"`
	CreatedAt  time.Time `bson:"created_at"`
}

// ChannelUpdate carries a partial update; nil fields are left untouched.
type ChannelUpdate struct {
	Tries     *int
	TTL       *int
	Active    *bool
	Completed *bool
	Failed    *bool
}

type BlacklistEntry struct {
	MemberID   string    `bson:"_id"`
	MemberName string    `bson:"member_name"`
	Started    time.Time `bson:"started"`
	Ends       time.Time `bson:"ends"`
	Reason     string    `bson:"reason,omitempty"`
}

func (e BlacklistEntry) Expired(now time.Time) bool {
	return !e.Ends.After(now)
}

// CeilSecond rounds t up to the next whole second, the precision blacklist
// ends are persisted with.
func CeilSecond(t time.Time) time.Time {
	if floor := t.Truncate(time.Second); !floor.Equal(t) {
		return floor.Add(time.Second)
	}
	return t
}

type RejoinCounter struct {
	MemberID  string    `bson:"_id"`
	Counter   int       `bson:"counter"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type RegisteredInvite struct {
	Code     string    `bson:"_id"`
	Category string    `bson:"category"`
	AddedAt  time.Time `bson:"added_at"`
}

type AuditLog struct {
	ID        int64     `bson:"-"`
	GuildID   string    `bson:"guild_id"`
	UserID    string    `bson:"user_id"`
	Level     string    `bson:"level"`
	Event     string    `bson:"event"`
	Details   string    `bson:"details"`
	CreatedAt time.Time `bson:"created_at"`
}

// DataManager is the persistence gateway used by the captcha gateway. It is a
// thin translation layer; no business rules live behind it.
type DataManager interface {
	AddGuild(ctx context.Context, record GuildRecord) error
	RemoveGuild(ctx context.Context, guildID string) error
	ListGuilds(ctx context.Context, includeStats bool) ([]GuildRecord, error)

	AddChannel(ctx context.Context, record ChannelRecord) error
	UpdateChannel(ctx context.Context, guildID, channelID string, update ChannelUpdate) error
	ListActiveChannels(ctx context.Context, guildID string) ([]ChannelRecord, error)

	// AddToBlacklist inserts the entry or refreshes the window of an existing
	// one. created reports whether the member was not blacklisted before.
	AddToBlacklist(ctx context.Context, entry BlacklistEntry) (created bool, err error)
	RemoveFromBlacklist(ctx context.Context, memberID string) (bool, error)
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)
	GetBlacklisted(ctx context.Context, memberID string) (BlacklistEntry, error)
	// FindBlacklisted matches an exact member id or a case-insensitive prefix
	// of the stored display name.
	FindBlacklisted(ctx context.Context, query string) ([]BlacklistEntry, error)

	IncrementRejoin(ctx context.Context, memberID string, at time.Time) (RejoinCounter, error)
	GetRejoin(ctx context.Context, memberID string) (RejoinCounter, error)
	ListRejoin(ctx context.Context) ([]RejoinCounter, error)
	ResetRejoin(ctx context.Context, memberID string) error

	IsInviteRegistered(ctx context.Context, code string) (bool, error)
	RegisterInvite(ctx context.Context, code, category string) error
	ListInvites(ctx context.Context, category string) ([]RegisteredInvite, error)

	LoadSettings(ctx context.Context, scope string) ([]byte, error)
	SaveSettings(ctx context.Context, scope string, data []byte) error

	AddAuditLog(ctx context.Context, log AuditLog) error
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error)

	Close()
}
