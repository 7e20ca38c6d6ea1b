package captcha

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"sentinel-gateway/internal/modules/audit"
	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"

	"go.uber.org/zap"
)

// GatewayGuild owns one holding server and the captcha channels opened in it.
// Its lock only guards its own maps; it never calls into a CaptchaChannel
// while holding it.
type GatewayGuild struct {
	module *Module
	id     string
	logger *zap.Logger

	mu             sync.Mutex
	name           string
	landingID      string
	categoryID     string
	operatorRoleID string
	channels       map[string]*CaptchaChannel
	kicked         map[string]struct{}
}

func newGatewayGuild(m *Module, record storage.GuildRecord, name string) *GatewayGuild {
	return &GatewayGuild{
		module:    m,
		id:        record.GuildID,
		name:      name,
		landingID: record.LandingChannelID,
		logger:    m.logger.With(zap.String("guild_id", record.GuildID)),
		channels:  make(map[string]*CaptchaChannel),
		kicked:    make(map[string]struct{}),
	}
}

func (g *GatewayGuild) ID() string { return g.id }

func (g *GatewayGuild) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

func (g *GatewayGuild) LandingChannelID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.landingID
}

// Channels returns a snapshot of the tracked captcha channels.
func (g *GatewayGuild) Channels() []*CaptchaChannel {
	g.mu.Lock()
	defer g.mu.Unlock()
	channels := make([]*CaptchaChannel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, c)
	}
	return channels
}

// Channel returns the captcha channel tracked for memberID, if any.
func (g *GatewayGuild) Channel(memberID string) *CaptchaChannel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[memberID]
}

// Load runs the one-time setup: landing channel, operator role, captcha
// category, ban sync against the blacklist and removal of members already
// verified on the main guild.
func (g *GatewayGuild) Load(ctx context.Context) error {
	m := g.module
	cfg := m.settings.Captcha()

	channels, err := m.platform.Channels(ctx, g.id)
	if err != nil {
		return err
	}
	if err := g.ensureLanding(ctx, cfg, channels); err != nil {
		return err
	}

	roleID, err := m.platform.EnsureRole(ctx, g.id, cfg.Names.OperatorRole)
	if err != nil {
		g.logger.Warn("Failed to ensure operator role", zap.Error(err))
	}
	g.mu.Lock()
	g.operatorRoleID = roleID
	g.mu.Unlock()

	if _, err := g.ensureCategory(ctx); err != nil {
		g.logger.Warn("Failed to ensure captcha category", zap.Error(err))
	}

	if err := g.syncBans(ctx); err != nil {
		g.logger.Warn("Failed to sync bans", zap.Error(err))
	}
	if err := g.kickVerified(ctx); err != nil {
		g.logger.Warn("Failed to kick verified members", zap.Error(err))
	}
	return nil
}

func (g *GatewayGuild) ensureLanding(ctx context.Context, cfg settings.Captcha, channels []Channel) error {
	m := g.module

	g.mu.Lock()
	landingID := g.landingID
	g.mu.Unlock()

	for _, ch := range channels {
		if ch.Kind == ChannelText && ch.ID == landingID {
			return nil
		}
	}
	landingID = ""
	for _, ch := range channels {
		if ch.Kind == ChannelText && strings.EqualFold(ch.Name, cfg.Names.Landing) {
			landingID = ch.ID
			break
		}
	}
	if landingID == "" {
		created, err := m.platform.CreateChannel(ctx, g.id, ChannelSpec{Name: cfg.Names.Landing, Kind: ChannelText, ReadOnly: true})
		if err != nil {
			return err
		}
		landingID = created.ID
		welcome := settings.Format(cfg.Messages.Welcome, "guild", g.Name())
		if err := m.platform.SendMessage(ctx, landingID, welcome); err != nil {
			g.logger.Warn("Failed to send welcome message", zap.Error(err))
		}
	}

	g.mu.Lock()
	g.landingID = landingID
	g.mu.Unlock()
	return m.store.AddGuild(ctx, storage.GuildRecord{GuildID: g.id, LandingChannelID: landingID, CreatedAt: m.clock.Now()})
}

// ensureCategory resolves the holding category by name, creating it when
// missing.
func (g *GatewayGuild) ensureCategory(ctx context.Context) (string, error) {
	g.mu.Lock()
	categoryID := g.categoryID
	g.mu.Unlock()
	if categoryID != "" {
		return categoryID, nil
	}

	m := g.module
	name := m.settings.Captcha().Names.Category
	channels, err := m.platform.Channels(ctx, g.id)
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch.Kind == ChannelCategory && strings.EqualFold(ch.Name, name) {
			categoryID = ch.ID
			break
		}
	}
	if categoryID == "" {
		created, err := m.platform.CreateChannel(ctx, g.id, ChannelSpec{Name: name, Kind: ChannelCategory})
		if err != nil {
			return "", err
		}
		categoryID = created.ID
	}

	g.mu.Lock()
	g.categoryID = categoryID
	g.mu.Unlock()
	return categoryID, nil
}

// syncBans bans every active blacklist entry missing from this guild's ban
// list and lifts bans whose entry has expired.
func (g *GatewayGuild) syncBans(ctx context.Context) error {
	m := g.module
	bans, err := m.platform.Bans(ctx, g.id)
	if err != nil {
		return err
	}
	banned := make(map[string]bool, len(bans))
	for _, id := range bans {
		banned[id] = true
	}

	now := m.clock.Now()
	for _, entry := range m.BlacklistCache() {
		switch {
		case !entry.Expired(now) && !banned[entry.MemberID]:
			if err := m.platform.Ban(ctx, g.id, entry.MemberID, "blacklisted"); err != nil {
				g.logger.Warn("Failed to ban blacklisted member", zap.String("member_id", entry.MemberID), zap.Error(err))
			}
		case entry.Expired(now) && banned[entry.MemberID]:
			if err := m.platform.Unban(ctx, g.id, entry.MemberID); err != nil {
				g.logger.Warn("Failed to lift expired ban", zap.String("member_id", entry.MemberID), zap.Error(err))
			}
		}
	}
	return nil
}

func (g *GatewayGuild) kickVerified(ctx context.Context) error {
	m := g.module
	members, err := m.platform.Members(ctx, g.id)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.Bot || m.settings.IsOperator(member.ID) {
			continue
		}
		if _, err := m.platform.Member(ctx, m.mainGuildID, member.ID); err != nil {
			if !errors.Is(err, ErrMemberNotFound) {
				g.logger.Warn("Failed to look up main guild member", zap.String("member_id", member.ID), zap.Error(err))
			}
			continue
		}
		g.expectLeave(member.ID)
		if err := m.platform.Kick(ctx, g.id, member.ID, "already verified"); err != nil {
			g.logger.Warn("Failed to kick verified member", zap.String("member_id", member.ID), zap.Error(err))
		}
	}
	return nil
}

// rehydrate rebuilds in-progress captcha channels from persistence and
// removes leftover channels nobody tracks.
func (g *GatewayGuild) rehydrate(ctx context.Context) error {
	m := g.module
	records, err := m.store.ListActiveChannels(ctx, g.id)
	if err != nil {
		return err
	}

	for _, record := range records {
		member, err := m.platform.Member(ctx, g.id, record.MemberID)
		if err != nil {
			if !errors.Is(err, ErrMemberNotFound) {
				g.logger.Warn("Failed to resolve member", zap.String("member_id", record.MemberID), zap.Error(err))
				continue
			}
			inactive := false
			if err := m.store.UpdateChannel(ctx, g.id, record.ChannelID, storage.ChannelUpdate{Active: &inactive}); err != nil {
				g.logger.Error("Failed to close stale channel record", zap.String("channel_id", record.ChannelID), zap.Error(err))
			}
			if err := m.platform.DeleteChannel(ctx, record.ChannelID); err != nil {
				g.logger.Debug("Stale captcha channel already gone", zap.String("channel_id", record.ChannelID), zap.Error(err))
			}
			continue
		}
		if member.Name == "" {
			member.Name = record.MemberName
		}

		c := newCaptchaChannel(g, member)
		g.mu.Lock()
		if _, exists := g.channels[member.ID]; exists {
			g.mu.Unlock()
			continue
		}
		g.channels[member.ID] = c
		g.mu.Unlock()
		c.Resume(ctx, record)
	}

	return g.pruneOrphans(ctx)
}

func (g *GatewayGuild) pruneOrphans(ctx context.Context) error {
	m := g.module
	categoryID, err := g.ensureCategory(ctx)
	if err != nil {
		return err
	}
	channels, err := m.platform.Channels(ctx, g.id)
	if err != nil {
		return err
	}

	tracked := make(map[string]bool)
	for _, c := range g.Channels() {
		tracked[c.ID()] = true
	}
	for _, ch := range channels {
		if ch.Kind != ChannelText || ch.ParentID != categoryID || tracked[ch.ID] {
			continue
		}
		if err := m.platform.DeleteChannel(ctx, ch.ID); err != nil {
			g.logger.Warn("Failed to delete orphan channel", zap.String("channel_id", ch.ID), zap.Error(err))
		}
	}
	return nil
}

// OnMemberJoin grants operators their role, bans blacklisted members and
// opens a captcha channel for everyone else.
func (g *GatewayGuild) OnMemberJoin(ctx context.Context, member Member) error {
	if member.Bot {
		return nil
	}
	m := g.module

	g.mu.Lock()
	delete(g.kicked, member.ID)
	g.mu.Unlock()

	if m.settings.IsOperator(member.ID) {
		g.mu.Lock()
		roleID := g.operatorRoleID
		g.mu.Unlock()
		if roleID == "" {
			var err error
			if roleID, err = m.platform.EnsureRole(ctx, g.id, m.settings.Captcha().Names.OperatorRole); err != nil {
				return err
			}
			g.mu.Lock()
			g.operatorRoleID = roleID
			g.mu.Unlock()
		}
		return m.platform.AddRole(ctx, g.id, member.ID, roleID)
	}

	if m.isBlacklisted(member.ID) {
		return m.platform.Ban(ctx, g.id, member.ID, "blacklisted")
	}

	_, _, err := g.CreateCaptchaChannel(ctx, member)
	if errors.Is(err, ErrMemberLeft) {
		return nil
	}
	return err
}

// CreateCaptchaChannel opens and starts a captcha channel for member. When
// one is already tracked it is returned unchanged with created set to false.
func (g *GatewayGuild) CreateCaptchaChannel(ctx context.Context, member Member) (*CaptchaChannel, bool, error) {
	g.mu.Lock()
	if existing, ok := g.channels[member.ID]; ok {
		g.mu.Unlock()
		return existing, false, nil
	}
	c := newCaptchaChannel(g, member)
	g.channels[member.ID] = c
	g.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		g.mu.Lock()
		if g.channels[member.ID] == c {
			delete(g.channels, member.ID)
		}
		g.mu.Unlock()
		c.Destroy(ctx)
		return nil, false, err
	}
	return c, true, nil
}

// OnMemberLeave tears down the member's channel and counts the leave
// towards rejoin abuse.
func (g *GatewayGuild) OnMemberLeave(ctx context.Context, member Member) error {
	m := g.module

	g.mu.Lock()
	c := g.channels[member.ID]
	delete(g.channels, member.ID)
	_, expected := g.kicked[member.ID]
	delete(g.kicked, member.ID)
	g.mu.Unlock()

	completed := false
	if c != nil {
		switch c.State() {
		case StateCompleted:
			completed = true
			c.Destroy(ctx)
		case StateFailedAttempts:
			c.fail(ctx, StateFailedAttempts)
		default:
			c.Destroy(ctx)
		}
	}

	if expected || completed || member.Bot || m.settings.IsOperator(member.ID) || m.isBlacklisted(member.ID) {
		return nil
	}

	counter, err := m.store.IncrementRejoin(ctx, member.ID, m.clock.Now())
	if err != nil {
		return err
	}
	threshold := m.settings.Captcha().Rejoin.Threshold
	if threshold <= 0 || counter.Counter < threshold {
		return nil
	}

	cooldown := time.Duration(m.settings.Captcha().Rejoin.Cooldown) * time.Second
	if _, err := m.Blacklist(ctx, member, cooldown, "rejoin abuse"); err != nil {
		return err
	}
	m.audit.Log(ctx, audit.LevelWarn, g.id, member.ID, audit.EventRejoinBan, "rejoin threshold reached")
	g.logger.Info("Member banned for rejoin abuse", zap.String("member_id", member.ID), zap.Int("counter", counter.Counter))
	return nil
}

// removeChannel evicts c and deletes its platform channel.
func (g *GatewayGuild) removeChannel(ctx context.Context, c *CaptchaChannel) bool {
	g.mu.Lock()
	if g.channels[c.member.ID] == c {
		delete(g.channels, c.member.ID)
	}
	g.mu.Unlock()
	return c.Destroy(ctx)
}

func (g *GatewayGuild) expectLeave(memberID string) {
	g.mu.Lock()
	g.kicked[memberID] = struct{}{}
	g.mu.Unlock()
}

func (g *GatewayGuild) stopAll() {
	for _, c := range g.Channels() {
		c.Stop()
	}
}

// Delete removes the guild record and the holding server. It reports whether
// the server itself was deleted.
func (g *GatewayGuild) Delete(ctx context.Context) bool {
	m := g.module
	g.stopAll()
	if err := m.store.RemoveGuild(ctx, g.id); err != nil {
		g.logger.Error("Failed to remove guild record", zap.Error(err))
	}
	if err := m.platform.DeleteGuild(ctx, g.id); err != nil {
		g.logger.Warn("Failed to delete guild", zap.Error(err))
		return false
	}
	return true
}

// ResetBans lifts every ban on the guild and returns how many were lifted.
func (g *GatewayGuild) ResetBans(ctx context.Context) (int, error) {
	m := g.module
	bans, err := m.platform.Bans(ctx, g.id)
	if err != nil {
		return 0, err
	}
	lifted := 0
	for _, id := range bans {
		if err := m.platform.Unban(ctx, g.id, id); err != nil {
			g.logger.Warn("Failed to lift ban", zap.String("member_id", id), zap.Error(err))
			continue
		}
		lifted++
	}
	return lifted, nil
}

// PermanentInvite returns a non-expiring invite to the landing channel,
// creating one when none exists.
func (g *GatewayGuild) PermanentInvite(ctx context.Context) (Invite, error) {
	m := g.module
	invites, err := m.platform.Invites(ctx, g.id)
	if err != nil {
		return Invite{}, err
	}
	for _, invite := range invites {
		if invite.MaxAge == 0 && invite.MaxUses == 0 && !invite.Temporary {
			return invite, nil
		}
	}
	return m.platform.CreateInvite(ctx, g.LandingChannelID(), InviteOptions{})
}
