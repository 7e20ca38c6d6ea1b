package bot

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"sentinel-gateway/internal/captcha"

	"github.com/bwmarrin/discordgo"
)

const (
	memberPageSize = 1000
	banPageSize    = 1000
)

// Platform adapts a discordgo session to captcha.Platform.
type Platform struct {
	session *discordgo.Session
}

func NewPlatform(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

func (p *Platform) CreateGuild(ctx context.Context, name string) (captcha.Guild, error) {
	guild, err := p.session.GuildCreate(name, discordgo.WithContext(ctx))
	if err != nil {
		return captcha.Guild{}, err
	}
	return captcha.Guild{ID: guild.ID, Name: guild.Name}, nil
}

func (p *Platform) DeleteGuild(ctx context.Context, guildID string) error {
	return p.session.GuildDelete(guildID, discordgo.WithContext(ctx))
}

func (p *Platform) Guilds(ctx context.Context) ([]captcha.Guild, error) {
	_ = ctx
	p.session.State.RLock()
	defer p.session.State.RUnlock()
	guilds := make([]captcha.Guild, 0, len(p.session.State.Guilds))
	for _, guild := range p.session.State.Guilds {
		if guild == nil || guild.Unavailable {
			continue
		}
		guilds = append(guilds, captcha.Guild{ID: guild.ID, Name: guild.Name})
	}
	return guilds, nil
}

func (p *Platform) Member(ctx context.Context, guildID, userID string) (captcha.Member, error) {
	if member, err := p.session.State.Member(guildID, userID); err == nil && member != nil {
		return toMember(member), nil
	}
	member, err := p.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isRESTCode(err, discordgo.ErrCodeUnknownMember, http.StatusNotFound) {
			return captcha.Member{}, captcha.ErrMemberNotFound
		}
		return captcha.Member{}, err
	}
	return toMember(member), nil
}

func (p *Platform) Members(ctx context.Context, guildID string) ([]captcha.Member, error) {
	var (
		out   []captcha.Member
		after string
	)
	for {
		page, err := p.session.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, member := range page {
			out = append(out, toMember(member))
		}
		if len(page) < memberPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (p *Platform) Channels(ctx context.Context, guildID string) ([]captcha.Channel, error) {
	channels, err := p.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]captcha.Channel, 0, len(channels))
	for _, ch := range channels {
		kind, ok := channelKind(ch.Type)
		if !ok {
			continue
		}
		out = append(out, captcha.Channel{ID: ch.ID, Name: ch.Name, ParentID: ch.ParentID, Kind: kind, Position: ch.Position})
	}
	return out, nil
}

func (p *Platform) CreateChannel(ctx context.Context, guildID string, spec captcha.ChannelSpec) (captcha.Channel, error) {
	data := discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             spec.ParentID,
		PermissionOverwrites: overwrites(guildID, spec),
	}
	if spec.Kind == captcha.ChannelCategory {
		data.Type = discordgo.ChannelTypeGuildCategory
	}
	ch, err := p.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return captcha.Channel{}, err
	}
	return captcha.Channel{ID: ch.ID, Name: ch.Name, ParentID: ch.ParentID, Kind: spec.Kind, Position: ch.Position}, nil
}

// overwrites hides private channels from @everyone and opens them to the
// member. Read-only channels are visible but closed for writing.
func overwrites(guildID string, spec captcha.ChannelSpec) []*discordgo.PermissionOverwrite {
	const talk = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionReadMessageHistory
	switch {
	case spec.MemberID != "":
		return []*discordgo.PermissionOverwrite{
			{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
			{ID: spec.MemberID, Type: discordgo.PermissionOverwriteTypeMember, Allow: talk},
		}
	case spec.ReadOnly:
		return []*discordgo.PermissionOverwrite{
			{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Allow: discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory, Deny: discordgo.PermissionSendMessages | discordgo.PermissionAddReactions},
		}
	case spec.Kind == captcha.ChannelCategory:
		return []*discordgo.PermissionOverwrite{
			{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		}
	}
	return nil
}

func (p *Platform) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := p.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) EnsureRole(ctx context.Context, guildID, name string) (string, error) {
	roles, err := p.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	for _, role := range roles {
		if role.Name == name {
			return role.ID, nil
		}
	}
	hoist := true
	role, err := p.session.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: name, Hoist: &hoist}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return role.ID, nil
}

func (p *Platform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *Platform) Bans(ctx context.Context, guildID string) ([]string, error) {
	var (
		ids   []string
		after string
	)
	for {
		page, err := p.session.GuildBans(guildID, banPageSize, "", after, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, ban := range page {
			if ban.User != nil {
				ids = append(ids, ban.User.ID)
			}
		}
		if len(page) < banPageSize || len(ids) == 0 {
			return ids, nil
		}
		after = ids[len(ids)-1]
	}
}

func (p *Platform) Ban(ctx context.Context, guildID, userID, reason string) error {
	return p.session.GuildBanCreateWithReason(guildID, userID, reason, 0, discordgo.WithContext(ctx))
}

func (p *Platform) Unban(ctx context.Context, guildID, userID string) error {
	return p.session.GuildBanDelete(guildID, userID, discordgo.WithContext(ctx))
}

func (p *Platform) Kick(ctx context.Context, guildID, userID, reason string) error {
	return p.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
}

func (p *Platform) CreateInvite(ctx context.Context, channelID string, opts captcha.InviteOptions) (captcha.Invite, error) {
	invite, err := p.session.ChannelInviteCreate(channelID, discordgo.Invite{
		MaxAge:    opts.MaxAge,
		MaxUses:   opts.MaxUses,
		Temporary: opts.Temporary,
		Unique:    opts.Unique,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return captcha.Invite{}, err
	}
	return toInvite(invite), nil
}

func (p *Platform) Invites(ctx context.Context, guildID string) ([]captcha.Invite, error) {
	invites, err := p.session.GuildInvites(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]captcha.Invite, 0, len(invites))
	for _, invite := range invites {
		out = append(out, toInvite(invite))
	}
	return out, nil
}

func (p *Platform) SendMessage(ctx context.Context, channelID, content string) error {
	_, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) SendFile(ctx context.Context, channelID, content, name string, data []byte) error {
	_, err := p.session.ChannelFileSendWithMessage(channelID, content, name, bytes.NewReader(data), discordgo.WithContext(ctx))
	return err
}

func toMember(member *discordgo.Member) captcha.Member {
	if member == nil || member.User == nil {
		return captcha.Member{}
	}
	name := member.User.Username
	if member.Nick != "" {
		name = member.Nick
	}
	return captcha.Member{ID: member.User.ID, Name: name, Bot: member.User.Bot}
}

func toInvite(invite *discordgo.Invite) captcha.Invite {
	out := captcha.Invite{
		Code:      invite.Code,
		MaxAge:    invite.MaxAge,
		MaxUses:   invite.MaxUses,
		Temporary: invite.Temporary,
	}
	if invite.Channel != nil {
		out.ChannelID = invite.Channel.ID
	}
	return out
}

func channelKind(t discordgo.ChannelType) (captcha.ChannelKind, bool) {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return captcha.ChannelText, true
	case discordgo.ChannelTypeGuildCategory:
		return captcha.ChannelCategory, true
	}
	return 0, false
}

// isRESTCode reports whether err is a Discord REST error carrying code, or
// an HTTP status equal to status when the body had no code.
func isRESTCode(err error, code, status int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code != 0 {
		return restErr.Message.Code == code
	}
	return restErr.Response != nil && restErr.Response.StatusCode == status
}

var _ captcha.Platform = (*Platform)(nil)
