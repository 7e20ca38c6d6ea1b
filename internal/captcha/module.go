package captcha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"sentinel-gateway/internal/challenge"
	"sentinel-gateway/internal/modules/audit"
	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"
	"sentinel-gateway/internal/timer"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultGuildCap      = 10
	DefaultSweepSchedule = "@every 5m"
)

type Deps struct {
	Platform  Platform
	Store     storage.DataManager
	Settings  *settings.Store
	Generator Challenger
	Clock     timer.Clock
	Logger    *zap.Logger
	Audit     *audit.Logger
}

type Options struct {
	MainGuildID   string
	GuildCap      int
	SweepSchedule string
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Expired int
	Cleared int
}

// Module coordinates every gateway guild, the blacklist cache and the
// periodic sweep.
type Module struct {
	platform    Platform
	store       storage.DataManager
	settings    *settings.Store
	generator   Challenger
	clock       timer.Clock
	logger      *zap.Logger
	audit       *audit.Logger
	mainGuildID string
	guildCap    int
	schedule    string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	guilds map[string]*GatewayGuild

	cacheMu   sync.RWMutex
	blacklist map[string]storage.BlacklistEntry

	sweepMu sync.Mutex
	cron    *cron.Cron
}

// New builds the module. Without a main guild id the module stays disabled
// and every operation returns ErrDisabled.
func New(deps Deps, opts Options) *Module {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = timer.Real()
	}
	if opts.GuildCap <= 0 {
		opts.GuildCap = DefaultGuildCap
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = DefaultSweepSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		platform:    deps.Platform,
		store:       deps.Store,
		settings:    deps.Settings,
		generator:   deps.Generator,
		clock:       deps.Clock,
		logger:      deps.Logger.With(zap.String("module", "captcha")),
		audit:       deps.Audit,
		mainGuildID: opts.MainGuildID,
		guildCap:    opts.GuildCap,
		schedule:    opts.SweepSchedule,
		ctx:         ctx,
		cancel:      cancel,
		guilds:      make(map[string]*GatewayGuild),
		blacklist:   make(map[string]storage.BlacklistEntry),
	}
	if !m.Enabled() {
		m.logger.Warn("Captcha gateway disabled: main guild id not configured")
	}
	return m
}

func (m *Module) Enabled() bool {
	return m.mainGuildID != "" && m.settings != nil
}

func (m *Module) MainGuildID() string { return m.mainGuildID }

// Load rehydrates every persisted gateway guild the bot can still see, or
// provisions a first one when none remain.
func (m *Module) Load(ctx context.Context) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if err := m.RefreshCache(ctx); err != nil {
		return err
	}

	records, err := m.store.ListGuilds(ctx, false)
	if err != nil {
		return err
	}
	visible, err := m.platform.Guilds(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(visible))
	for _, guild := range visible {
		names[guild.ID] = guild.Name
	}

	var valid []storage.GuildRecord
	for _, record := range records {
		if _, ok := names[record.GuildID]; !ok {
			m.logger.Warn("Skipping gateway guild the bot cannot see", zap.String("guild_id", record.GuildID))
			continue
		}
		valid = append(valid, record)
	}

	if len(valid) == 0 {
		if len(visible) >= m.guildCap {
			m.logger.Warn("No gateway guild available and guild cap reached", zap.Int("cap", m.guildCap))
			return nil
		}
		_, err := m.CreateGuild(ctx)
		return err
	}

	for _, record := range valid {
		g := newGatewayGuild(m, record, names[record.GuildID])
		if err := g.Load(ctx); err != nil {
			g.logger.Error("Failed to load gateway guild", zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.guilds[g.id] = g
		m.mu.Unlock()
		if err := g.rehydrate(ctx); err != nil {
			g.logger.Error("Failed to rehydrate captcha channels", zap.Error(err))
		}
	}
	m.logger.Info("Captcha gateway loaded", zap.Int("guilds", len(m.Guilds())))
	return nil
}

// Guilds returns the gateway guilds ordered by id.
func (m *Module) Guilds() []*GatewayGuild {
	m.mu.RLock()
	defer m.mu.RUnlock()
	guilds := make([]*GatewayGuild, 0, len(m.guilds))
	for _, g := range m.guilds {
		guilds = append(guilds, g)
	}
	sort.Slice(guilds, func(i, j int) bool { return guilds[i].id < guilds[j].id })
	return guilds
}

func (m *Module) Guild(guildID string) *GatewayGuild {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.guilds[guildID]
}

// CreateGuild provisions a new holding server.
func (m *Module) CreateGuild(ctx context.Context) (*GatewayGuild, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	visible, err := m.platform.Guilds(ctx)
	if err != nil {
		return nil, err
	}
	if len(visible) >= m.guildCap {
		return nil, ErrGuildCap
	}

	mainName := m.mainGuildID
	for _, guild := range visible {
		if guild.ID == m.mainGuildID {
			mainName = guild.Name
			break
		}
	}
	m.mu.RLock()
	n := len(m.guilds) + 1
	m.mu.RUnlock()
	name := settings.Format(m.settings.Captcha().GuildName, "main", mainName, "n", strconv.Itoa(n))

	created, err := m.platform.CreateGuild(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create guild: %w", err)
	}
	record := storage.GuildRecord{GuildID: created.ID, CreatedAt: m.clock.Now()}
	if err := m.store.AddGuild(ctx, record); err != nil {
		return nil, err
	}

	g := newGatewayGuild(m, record, created.Name)
	if err := g.Load(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.guilds[g.id] = g
	m.mu.Unlock()

	m.audit.Log(ctx, audit.LevelInfo, g.id, "", audit.EventGuildCreated, created.Name)
	g.logger.Info("Gateway guild created", zap.String("name", created.Name))
	return g, nil
}

// DeleteGuild tears down a gateway guild. Ids that are not gateway guilds are
// passed straight to the platform. The result reports whether the server was
// deleted.
func (m *Module) DeleteGuild(ctx context.Context, guildID string) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	m.mu.Lock()
	g := m.guilds[guildID]
	delete(m.guilds, guildID)
	m.mu.Unlock()

	if g == nil {
		if err := m.platform.DeleteGuild(ctx, guildID); err != nil {
			m.logger.Warn("Failed to delete guild", zap.String("guild_id", guildID), zap.Error(err))
			return false, nil
		}
		return true, nil
	}

	deleted := g.Delete(ctx)
	m.audit.Log(ctx, audit.LevelWarn, guildID, "", audit.EventGuildDeleted, strconv.FormatBool(deleted))
	return deleted, nil
}

// OnMemberJoin routes a join. Joins to the main guild close any completed
// captcha the member still has open in a gateway guild.
func (m *Module) OnMemberJoin(ctx context.Context, guildID string, member Member) error {
	if !m.Enabled() {
		return nil
	}
	if guildID == m.mainGuildID {
		m.onMainJoin(ctx, member)
		return nil
	}
	g := m.Guild(guildID)
	if g == nil {
		return nil
	}
	return g.OnMemberJoin(ctx, member)
}

func (m *Module) onMainJoin(ctx context.Context, member Member) {
	for _, g := range m.Guilds() {
		c := g.Channel(member.ID)
		if c == nil || !c.Completed() {
			continue
		}
		g.expectLeave(member.ID)
		if err := m.platform.Kick(ctx, g.id, member.ID, "verified"); err != nil {
			g.logger.Warn("Failed to kick verified member", zap.String("member_id", member.ID), zap.Error(err))
		}
		g.removeChannel(ctx, c)
	}
}

func (m *Module) OnMemberLeave(ctx context.Context, guildID string, member Member) error {
	if !m.Enabled() {
		return nil
	}
	g := m.Guild(guildID)
	if g == nil {
		return nil
	}
	return g.OnMemberLeave(ctx, member)
}

// OnMessage forwards a message to the captcha channel it was posted in.
func (m *Module) OnMessage(ctx context.Context, guildID, channelID, authorID, content string) {
	if !m.Enabled() {
		return
	}
	g := m.Guild(guildID)
	if g == nil {
		return
	}
	c := g.Channel(authorID)
	if c == nil || c.ID() != channelID {
		return
	}
	c.OnMessage(ctx, authorID, content)
}

// MainInvite creates a single-use invite to the main guild.
func (m *Module) MainInvite(ctx context.Context) (Invite, error) {
	if !m.Enabled() {
		return Invite{}, ErrDisabled
	}
	cfg := m.settings.Captcha()
	channelID := cfg.Invite.Channel
	if channelID == "" {
		channels, err := m.platform.Channels(ctx, m.mainGuildID)
		if err != nil {
			return Invite{}, err
		}
		sort.SliceStable(channels, func(i, j int) bool { return channels[i].Position < channels[j].Position })
		for _, ch := range channels {
			if ch.Kind == ChannelText {
				channelID = ch.ID
				break
			}
		}
	}
	if channelID == "" {
		return Invite{}, errors.New("main guild has no text channel for invites")
	}
	return m.platform.CreateInvite(ctx, channelID, InviteOptions{MaxUses: 1, MaxAge: cfg.Invite.MaxAge, Unique: true})
}

// Blacklist records member for duration and bans them from every gateway
// guild. An existing entry has its window replaced.
func (m *Module) Blacklist(ctx context.Context, member Member, duration time.Duration, reason string) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	now := m.clock.Now()
	entry := storage.BlacklistEntry{
		MemberID:   member.ID,
		MemberName: member.Name,
		Started:    now,
		Ends:       storage.CeilSecond(now.Add(duration)),
		Reason:     reason,
	}
	created, err := m.store.AddToBlacklist(ctx, entry)
	if err != nil {
		return false, err
	}

	m.cacheMu.Lock()
	m.blacklist[member.ID] = entry
	m.cacheMu.Unlock()

	if reason == "" {
		reason = "blacklisted"
	}
	for _, g := range m.Guilds() {
		if err := m.platform.Ban(ctx, g.id, member.ID, reason); err != nil {
			g.logger.Warn("Failed to ban member", zap.String("member_id", member.ID), zap.Error(err))
		}
	}
	m.audit.Log(ctx, audit.LevelWarn, "", member.ID, audit.EventBlacklistAdd, reason)
	return created, nil
}

// Unblacklist removes the entry, resets the rejoin counter and lifts the
// bans.
func (m *Module) Unblacklist(ctx context.Context, memberID string) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	removed, err := m.store.RemoveFromBlacklist(ctx, memberID)
	if err != nil {
		return false, err
	}
	if err := m.store.ResetRejoin(ctx, memberID); err != nil {
		return removed, err
	}
	m.cacheMu.Lock()
	delete(m.blacklist, memberID)
	m.cacheMu.Unlock()

	m.unbanAll(ctx, memberID)
	if removed {
		m.audit.Log(ctx, audit.LevelInfo, "", memberID, audit.EventBlacklistRemove, "")
	}
	return removed, nil
}

// FindBlacklisted resolves an id or a name prefix to one entry. Several
// matches yield an *AmbiguousMatchError.
func (m *Module) FindBlacklisted(ctx context.Context, query string) (storage.BlacklistEntry, error) {
	if !m.Enabled() {
		return storage.BlacklistEntry{}, ErrDisabled
	}
	matches, err := m.store.FindBlacklisted(ctx, query)
	if err != nil {
		return storage.BlacklistEntry{}, err
	}
	for _, entry := range matches {
		if entry.MemberID == query {
			return entry, nil
		}
	}
	switch len(matches) {
	case 0:
		return storage.BlacklistEntry{}, storage.ErrNotFound
	case 1:
		return matches[0], nil
	}
	names := make([]string, 0, len(matches))
	for _, entry := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", entry.MemberName, entry.MemberID))
	}
	return storage.BlacklistEntry{}, &AmbiguousMatchError{Query: query, Matches: names}
}

func (m *Module) ListBlacklist(ctx context.Context) ([]storage.BlacklistEntry, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	return m.store.ListBlacklist(ctx)
}

func (m *Module) isBlacklisted(memberID string) bool {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	entry, ok := m.blacklist[memberID]
	return ok && !entry.Expired(m.clock.Now())
}

// BlacklistCache returns the in-memory blacklist ordered by end time.
func (m *Module) BlacklistCache() []storage.BlacklistEntry {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	entries := make([]storage.BlacklistEntry, 0, len(m.blacklist))
	for _, entry := range m.blacklist {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ends.Before(entries[j].Ends) })
	return entries
}

// RefreshCache reloads the in-memory blacklist from persistence.
func (m *Module) RefreshCache(ctx context.Context) error {
	entries, err := m.store.ListBlacklist(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]storage.BlacklistEntry, len(entries))
	for _, entry := range entries {
		cache[entry.MemberID] = entry
	}
	m.cacheMu.Lock()
	m.blacklist = cache
	m.cacheMu.Unlock()
	return nil
}

// EditCache changes the end of a cached entry without touching persistence.
// A zero ends evicts the entry. It reports whether the member was cached.
func (m *Module) EditCache(memberID string, ends time.Time) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.blacklist[memberID]
	if !ok {
		return false
	}
	if ends.IsZero() {
		delete(m.blacklist, memberID)
		return true
	}
	entry.Ends = ends
	m.blacklist[memberID] = entry
	return true
}

// Sweep lifts expired blacklist entries and clears rejoin counters whose
// cooldown has elapsed. Overlapping calls run one after the other.
func (m *Module) Sweep(ctx context.Context) (SweepResult, error) {
	if !m.Enabled() {
		return SweepResult{}, ErrDisabled
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	var result SweepResult
	now := m.clock.Now()

	entries, err := m.store.ListBlacklist(ctx)
	if err != nil {
		return result, err
	}
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if _, err := m.store.RemoveFromBlacklist(ctx, entry.MemberID); err != nil {
			return result, err
		}
		m.cacheMu.Lock()
		delete(m.blacklist, entry.MemberID)
		m.cacheMu.Unlock()
		m.unbanAll(ctx, entry.MemberID)
		m.audit.Log(ctx, audit.LevelInfo, "", entry.MemberID, audit.EventSweepUnban, "blacklist expired")
		result.Expired++
	}

	cooldown := time.Duration(m.settings.Captcha().Rejoin.Cooldown) * time.Second
	counters, err := m.store.ListRejoin(ctx)
	if err != nil {
		return result, err
	}
	for _, counter := range counters {
		if counter.UpdatedAt.Add(cooldown).After(now) {
			continue
		}
		if err := m.store.ResetRejoin(ctx, counter.MemberID); err != nil {
			return result, err
		}
		if !m.isBlacklisted(counter.MemberID) {
			m.unbanAll(ctx, counter.MemberID)
		}
		result.Cleared++
	}

	if result.Expired > 0 || result.Cleared > 0 {
		m.logger.Info("Sweep finished", zap.Int("expired", result.Expired), zap.Int("cleared", result.Cleared))
	}
	return result, nil
}

// StartSweep schedules Sweep on the configured cron spec.
func (m *Module) StartSweep() error {
	if !m.Enabled() {
		return ErrDisabled
	}
	c := cron.New()
	_, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Sweep(m.ctx); err != nil {
			m.logger.Error("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", m.schedule, err)
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	m.logger.Info("Sweep scheduled", zap.String("schedule", m.schedule))
	return nil
}

func (m *Module) StopSweep() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Module) unbanAll(ctx context.Context, memberID string) {
	for _, g := range m.Guilds() {
		if err := m.platform.Unban(ctx, g.id, memberID); err != nil {
			g.logger.Debug("Unban skipped", zap.String("member_id", memberID), zap.Error(err))
		}
	}
}

// ResetBans lifts every ban on guildID, or on all gateway guilds when
// guildID is empty.
func (m *Module) ResetBans(ctx context.Context, guildID string) (int, error) {
	if !m.Enabled() {
		return 0, ErrDisabled
	}
	guilds := m.Guilds()
	if guildID != "" {
		g := m.Guild(guildID)
		if g == nil {
			return 0, ErrUnknownGuild
		}
		guilds = []*GatewayGuild{g}
	}
	total := 0
	for _, g := range guilds {
		lifted, err := g.ResetBans(ctx)
		if err != nil {
			return total, err
		}
		total += lifted
	}
	return total, nil
}

func (m *Module) ResetRejoin(ctx context.Context, memberID string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	return m.store.ResetRejoin(ctx, memberID)
}

// GuildRecords lists the persisted gateway guilds with channel statistics.
func (m *Module) GuildRecords(ctx context.Context) ([]storage.GuildRecord, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	return m.store.ListGuilds(ctx, true)
}

// AllGuilds lists every server the bot is a member of, gateway or not.
func (m *Module) AllGuilds(ctx context.Context) ([]Guild, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	return m.platform.Guilds(ctx)
}

// RegisterInvite exempts code from invite tracking under category. It
// reports false when the code was already registered.
func (m *Module) RegisterInvite(ctx context.Context, code, category string) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	registered, err := m.store.IsInviteRegistered(ctx, code)
	if err != nil {
		return false, err
	}
	if registered {
		return false, nil
	}
	if err := m.store.RegisterInvite(ctx, code, category); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Module) ListInvites(ctx context.Context, category string) ([]storage.RegisteredInvite, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	return m.store.ListInvites(ctx, category)
}

func (m *Module) TestChallenge() (challenge.Challenge, error) {
	if !m.Enabled() {
		return challenge.Challenge{}, ErrDisabled
	}
	return m.generator.Generate()
}

func (m *Module) IsOperator(memberID string) bool {
	return m.Enabled() && m.settings.IsOperator(memberID)
}

// SetOperator toggles memberID on the operator allow-list.
func (m *Module) SetOperator(ctx context.Context, memberID string) (bool, error) {
	if !m.Enabled() {
		return false, ErrDisabled
	}
	return m.settings.ToggleOperator(ctx, memberID)
}

func (m *Module) SetSetting(ctx context.Context, path string, value any) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	return m.settings.Set(ctx, path, value)
}

func (m *Module) Settings() map[string]any {
	if !m.Enabled() {
		return nil
	}
	return m.settings.All()
}

// Close stops the sweep and every countdown.
func (m *Module) Close() {
	m.StopSweep()
	m.cancel()
	for _, g := range m.Guilds() {
		g.stopAll()
	}
}
