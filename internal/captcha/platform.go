package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sentinel-gateway/internal/challenge"
)

var (
	ErrDisabled     = errors.New("captcha gateway disabled")
	ErrGuildCap     = errors.New("guild cap reached")
	ErrUnknownGuild = errors.New("not a gateway guild")
	// ErrMemberNotFound is returned by Platform.Member when the user is not
	// in the guild.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMemberLeft is returned when the member leaves while their captcha
	// channel is being opened.
	ErrMemberLeft = errors.New("member left during setup")
)

// AmbiguousMatchError is returned when a name prefix matches more than one
// blacklist entry.
type AmbiguousMatchError struct {
	Query   string
	Matches []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%q matches %d entries: %s", e.Query, len(e.Matches), strings.Join(e.Matches, ", "))
}

type Member struct {
	ID   string
	Name string
	Bot  bool
}

type Guild struct {
	ID   string
	Name string
}

type ChannelKind int

const (
	ChannelText ChannelKind = iota
	ChannelCategory
)

type Channel struct {
	ID       string
	Name     string
	ParentID string
	Kind     ChannelKind
	Position int
}

// ChannelSpec describes a channel to create. A non-empty MemberID makes the
// channel visible only to that member and the bot. ReadOnly denies sending
// to @everyone.
type ChannelSpec struct {
	Name     string
	ParentID string
	Kind     ChannelKind
	MemberID string
	ReadOnly bool
}

type Invite struct {
	Code      string
	ChannelID string
	MaxAge    int
	MaxUses   int
	Temporary bool
}

type InviteOptions struct {
	MaxAge    int
	MaxUses   int
	Temporary bool
	Unique    bool
}

// Platform is the slice of the chat platform the gateway drives.
type Platform interface {
	CreateGuild(ctx context.Context, name string) (Guild, error)
	DeleteGuild(ctx context.Context, guildID string) error
	Guilds(ctx context.Context) ([]Guild, error)

	Member(ctx context.Context, guildID, userID string) (Member, error)
	Members(ctx context.Context, guildID string) ([]Member, error)

	Channels(ctx context.Context, guildID string) ([]Channel, error)
	CreateChannel(ctx context.Context, guildID string, spec ChannelSpec) (Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error

	EnsureRole(ctx context.Context, guildID, name string) (string, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error

	Bans(ctx context.Context, guildID string) ([]string, error)
	Ban(ctx context.Context, guildID, userID, reason string) error
	Unban(ctx context.Context, guildID, userID string) error
	Kick(ctx context.Context, guildID, userID, reason string) error

	CreateInvite(ctx context.Context, channelID string, opts InviteOptions) (Invite, error)
	Invites(ctx context.Context, guildID string) ([]Invite, error)

	SendMessage(ctx context.Context, channelID, content string) error
	SendFile(ctx context.Context, channelID, content, name string, data []byte) error
}

// Challenger produces image challenges.
type Challenger interface {
	Generate() (challenge.Challenge, error)
}
