package captcha

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"
	"sentinel-gateway/internal/timer"
)

const mainGuildID = "main"

type harness struct {
	t        *testing.T
	ctx      context.Context
	platform *fakePlatform
	store    *storage.Store
	settings *settings.Store
	clock    *timer.Fake
	module   *Module
	gateway  *GatewayGuild
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessAt(t, time.Now())
}

// newHarnessAt starts the fake clock at start instead of the wall clock.
func newHarnessAt(t *testing.T, start time.Time) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := settings.Open(ctx, store, mainGuildID, nil)
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}

	platform := newFakePlatform()
	platform.addGuild(mainGuildID, "Main")
	platform.addChannel(mainGuildID, Channel{ID: "general", Name: "general", Kind: ChannelText})

	h := &harness{
		t:        t,
		ctx:      ctx,
		platform: platform,
		store:    store,
		settings: st,
		clock:    timer.NewFake(start),
	}
	h.module = h.newModule()
	if err := h.module.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	guilds := h.module.Guilds()
	if len(guilds) != 1 {
		t.Fatalf("expected one provisioned gateway guild, got %d", len(guilds))
	}
	h.gateway = guilds[0]
	return h
}

func (h *harness) newModule() *Module {
	return h.newModuleOn(h.platform)
}

func (h *harness) newModuleOn(platform Platform) *Module {
	m := New(Deps{
		Platform:  platform,
		Store:     h.store,
		Settings:  h.settings,
		Generator: fixedChallenger{answer: "abcdef"},
		Clock:     h.clock,
	}, Options{MainGuildID: mainGuildID})
	h.t.Cleanup(m.Close)
	return m
}

// restart closes the running module and loads a fresh one on platform.
func (h *harness) restart(platform Platform) {
	h.t.Helper()
	gid := h.gateway.ID()
	h.module.Close()
	h.module = h.newModuleOn(platform)
	if err := h.module.Load(h.ctx); err != nil {
		h.t.Fatalf("reload: %v", err)
	}
	h.gateway = h.module.Guild(gid)
	if h.gateway == nil {
		h.t.Fatalf("expected gateway guild to be rehydrated")
	}
}

func (h *harness) join(member Member) *CaptchaChannel {
	h.t.Helper()
	h.platform.addMember(h.gateway.ID(), member)
	if err := h.module.OnMemberJoin(h.ctx, h.gateway.ID(), member); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	return h.gateway.Channel(member.ID)
}

func (h *harness) answer(c *CaptchaChannel, content string) {
	h.module.OnMessage(h.ctx, h.gateway.ID(), c.ID(), c.Member().ID, content)
}

func (h *harness) stats() storage.GuildStats {
	h.t.Helper()
	guilds, err := h.store.ListGuilds(h.ctx, true)
	if err != nil {
		h.t.Fatalf("list guilds: %v", err)
	}
	for _, g := range guilds {
		if g.GuildID == h.gateway.ID() {
			return g.Stats
		}
	}
	h.t.Fatalf("gateway guild record missing")
	return storage.GuildStats{}
}

func TestLoadProvisionsGatewayGuild(t *testing.T) {
	h := newHarness(t)

	landing := h.gateway.LandingChannelID()
	if landing == "" || !h.platform.hasChannel(landing) {
		t.Fatalf("expected landing channel to exist")
	}
	if msgs := h.platform.messagesIn(landing); len(msgs) != 1 || !strings.Contains(msgs[0].content, h.gateway.Name()) {
		t.Fatalf("expected welcome message naming the guild, got %+v", msgs)
	}
	if !strings.HasPrefix(h.gateway.Name(), "Main Gateway #1") {
		t.Fatalf("unexpected guild name %q", h.gateway.Name())
	}
	records, err := h.store.ListGuilds(h.ctx, false)
	if err != nil || len(records) != 1 || records[0].LandingChannelID != landing {
		t.Fatalf("unexpected guild records %+v (%v)", records, err)
	}
}

func TestCorrectAnswerCompletesAndKeepsChannel(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u1", Name: "alice"}

	c := h.join(member)
	if c == nil || c.State() != StateActive {
		t.Fatalf("expected active captcha channel")
	}
	if msgs := h.platform.messagesIn(c.ID()); len(msgs) != 1 || !msgs[0].file {
		t.Fatalf("expected one challenge image, got %+v", msgs)
	}

	h.answer(c, "ABCDEF")

	if c.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", c.State())
	}
	if !h.platform.hasChannel(c.ID()) {
		t.Fatalf("completed channel must stay until the member leaves")
	}
	invites, _ := h.platform.Invites(h.ctx, mainGuildID)
	if len(invites) != 1 || invites[0].MaxUses != 1 || invites[0].MaxAge != 300 {
		t.Fatalf("expected one single-use invite, got %+v", invites)
	}
	msgs := h.platform.messagesIn(c.ID())
	if !strings.Contains(msgs[len(msgs)-1].content, invites[0].Code) {
		t.Fatalf("expected invite in success message, got %q", msgs[len(msgs)-1].content)
	}
	if stats := h.stats(); stats.Completed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if h.platform.hasChannel(c.ID()) {
		t.Fatalf("expected channel deleted after leave")
	}
	counter, _ := h.store.GetRejoin(h.ctx, member.ID)
	if counter.Counter != 0 {
		t.Fatalf("verified leave must not count as rejoin abuse, got %d", counter.Counter)
	}
}

func TestWrongAnswersExhaustAttempts(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u2", Name: "bob"}
	c := h.join(member)

	for i := 0; i < 4; i++ {
		h.answer(c, "zzzzzz")
	}
	if c.Tries() != 1 || c.State() != StateActive {
		t.Fatalf("expected 1 try left and still active, got %d %s", c.Tries(), c.State())
	}
	h.answer(c, "zzzzzz")
	if c.Tries() != 0 || c.State() != StateFailedAttempts {
		t.Fatalf("expected failed with 0 tries, got %d %s", c.Tries(), c.State())
	}
	h.answer(c, "zzzzzz")
	h.answer(c, "abcdef")
	if c.Tries() != 0 || c.State() != StateFailedAttempts {
		t.Fatalf("further answers must be ignored, got %d %s", c.Tries(), c.State())
	}
	if h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("ban must wait for the grace delay")
	}

	h.clock.Advance(failGrace)

	if !h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("expected member banned")
	}
	if h.platform.banCalls[member.ID] != 1 {
		t.Fatalf("expected a single ban, got %d", h.platform.banCalls[member.ID])
	}
	entry, err := h.store.GetBlacklisted(h.ctx, member.ID)
	if err != nil {
		t.Fatalf("expected blacklist entry: %v", err)
	}
	if got := entry.Ends.Sub(entry.Started); got < 24*time.Hour || got > 24*time.Hour+time.Second {
		t.Fatalf("expected default blacklist duration, got %s", got)
	}
	if h.platform.hasChannel(c.ID()) || h.gateway.Channel(member.ID) != nil {
		t.Fatalf("expected channel removed")
	}
	if stats := h.stats(); stats.Failed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	h.clock.Advance(time.Minute)
	if h.platform.banCalls[member.ID] != 1 {
		t.Fatalf("failure must not fire twice")
	}
}

func TestTimeoutFailsChannel(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u3", Name: "carol"}
	c := h.join(member)

	h.clock.Advance(120 * time.Second)
	if c.TTL() != 780 {
		t.Fatalf("expected ttl 780, got %d", c.TTL())
	}
	records, err := h.store.ListActiveChannels(h.ctx, h.gateway.ID())
	if err != nil || len(records) != 1 || records[0].TTL != 780 {
		t.Fatalf("expected checkpointed ttl 780, got %+v (%v)", records, err)
	}

	h.clock.Advance(780 * time.Second)

	if c.State() != StateFailedTimeout {
		t.Fatalf("expected timeout, got %s", c.State())
	}
	if !h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("expected member banned after timeout")
	}
	if _, err := h.store.GetBlacklisted(h.ctx, member.ID); err != nil {
		t.Fatalf("expected blacklist entry: %v", err)
	}
	if h.platform.hasChannel(c.ID()) {
		t.Fatalf("expected channel deleted")
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected countdown stopped, %d timers pending", h.clock.Pending())
	}
}

func TestAlertsFollowThresholds(t *testing.T) {
	h := newHarness(t)
	if err := h.settings.Set(h.ctx, "ttl", 70); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	c := h.join(Member{ID: "u4", Name: "dave"})

	h.clock.Advance(39 * time.Second)

	alerts := 0
	for _, msg := range h.platform.messagesIn(c.ID()) {
		if strings.Contains(msg.content, "left to solve") {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("expected one alert at 60s left, got %d", alerts)
	}
}

func TestOperatorBypassesCaptcha(t *testing.T) {
	h := newHarness(t)
	if _, err := h.module.SetOperator(h.ctx, "op"); err != nil {
		t.Fatalf("set operator: %v", err)
	}
	c := h.join(Member{ID: "op", Name: "operator"})
	if c != nil {
		t.Fatalf("operator must not get a captcha channel")
	}
	roleID, _ := h.platform.EnsureRole(h.ctx, h.gateway.ID(), "Operator")
	grants := h.platform.guilds[h.gateway.ID()].grants["op"]
	if len(grants) != 1 || grants[0] != roleID {
		t.Fatalf("expected operator role granted, got %v", grants)
	}
}

func TestCreateCaptchaChannelIsAtMostOnce(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u5", Name: "eve"}
	h.platform.addMember(h.gateway.ID(), member)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	seen := make(map[*CaptchaChannel]bool)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, ok, err := h.gateway.CreateCaptchaChannel(h.ctx, member)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			seen[c] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 || len(seen) != 1 {
		t.Fatalf("expected exactly one channel, created=%d distinct=%d", created, len(seen))
	}
	records, err := h.store.ListActiveChannels(h.ctx, h.gateway.ID())
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one persisted channel, got %d (%v)", len(records), err)
	}
}

func TestStopAndDestroyAreIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.join(Member{ID: "u6", Name: "frank"})

	c.Stop()
	c.Stop()
	if !c.Destroy(h.ctx) {
		t.Fatalf("expected first destroy to delete the channel")
	}
	if c.Destroy(h.ctx) {
		t.Fatalf("expected second destroy to be a no-op")
	}
	h.clock.Advance(time.Hour)
	if h.platform.banned(h.gateway.ID(), "u6") {
		t.Fatalf("stopped channel must not time out")
	}
}

func TestRejoinAbuseBansOnThresholdLeave(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u7", Name: "grace"}

	for i := 1; i <= 3; i++ {
		h.join(member)
		if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
			t.Fatalf("leave %d: %v", i, err)
		}
		banned := h.platform.banned(h.gateway.ID(), member.ID)
		if i < 3 && banned {
			t.Fatalf("banned too early on leave %d", i)
		}
		if i == 3 && !banned {
			t.Fatalf("expected ban on leave %d", i)
		}
	}
	entry, err := h.store.GetBlacklisted(h.ctx, member.ID)
	if err != nil || entry.Reason != "rejoin abuse" {
		t.Fatalf("expected rejoin abuse entry, got %+v (%v)", entry, err)
	}

	h.platform.addMember(h.gateway.ID(), member)
	if err := h.module.OnMemberJoin(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("join: %v", err)
	}
	if h.gateway.Channel(member.ID) != nil {
		t.Fatalf("blacklisted member must not get a channel")
	}
}

func TestSweepLiftsExpiredBlacklistOnly(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u8", Name: "heidi"}

	if _, err := h.module.Blacklist(h.ctx, member, time.Hour, "manual"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if !h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("expected ban across gateway guilds")
	}

	h.clock.Advance(59 * time.Minute)
	result, err := h.module.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 0 || !h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("entry lifted before it ended")
	}

	h.clock.Advance(time.Minute)
	result, err = h.module.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 || h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("expected entry lifted at its end, result %+v", result)
	}
	if _, err := h.store.GetBlacklisted(h.ctx, member.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected entry removed, got %v", err)
	}
	if len(h.module.BlacklistCache()) != 0 {
		t.Fatalf("expected cache cleared")
	}
}

func TestSweepClearsRejoinCountersAfterCooldown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.IncrementRejoin(h.ctx, "u9", h.clock.Now()); err != nil {
		t.Fatalf("increment: %v", err)
	}

	result, err := h.module.Sweep(h.ctx)
	if err != nil || result.Cleared != 0 {
		t.Fatalf("counter cleared too early: %+v (%v)", result, err)
	}

	h.clock.Advance(24*time.Hour + time.Second)
	result, err = h.module.Sweep(h.ctx)
	if err != nil || result.Cleared != 1 {
		t.Fatalf("expected counter cleared, got %+v (%v)", result, err)
	}
	counter, _ := h.store.GetRejoin(h.ctx, "u9")
	if counter.Counter != 0 {
		t.Fatalf("expected counter reset, got %d", counter.Counter)
	}
}

func TestFindBlacklistedAmbiguousPrefix(t *testing.T) {
	h := newHarness(t)
	for _, member := range []Member{{ID: "s1", Name: "spam1"}, {ID: "s2", Name: "spammer"}} {
		if _, err := h.module.Blacklist(h.ctx, member, time.Hour, ""); err != nil {
			t.Fatalf("blacklist: %v", err)
		}
	}

	_, err := h.module.FindBlacklisted(h.ctx, "spam")
	var ambiguous *AmbiguousMatchError
	if !errors.As(err, &ambiguous) || len(ambiguous.Matches) != 2 {
		t.Fatalf("expected ambiguous match, got %v", err)
	}
	entry, err := h.module.FindBlacklisted(h.ctx, "spamm")
	if err != nil || entry.MemberID != "s2" {
		t.Fatalf("expected unique prefix match, got %+v (%v)", entry, err)
	}
	entry, err = h.module.FindBlacklisted(h.ctx, "s1")
	if err != nil || entry.MemberName != "spam1" {
		t.Fatalf("expected id match, got %+v (%v)", entry, err)
	}
	if _, err := h.module.FindBlacklisted(h.ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	removed, err := h.module.Unblacklist(h.ctx, "s1")
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	if h.platform.banned(h.gateway.ID(), "s1") {
		t.Fatalf("expected unban on removal")
	}
}

func TestMainGuildJoinClosesCompletedChannel(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u10", Name: "ivan"}
	c := h.join(member)
	h.answer(c, "abcdef")

	if err := h.module.OnMemberJoin(h.ctx, mainGuildID, member); err != nil {
		t.Fatalf("main join: %v", err)
	}
	if h.platform.hasChannel(c.ID()) || h.gateway.Channel(member.ID) != nil {
		t.Fatalf("expected completed channel closed")
	}
	if len(h.platform.kicks) != 1 {
		t.Fatalf("expected member kicked from gateway guild, got %v", h.platform.kicks)
	}
	if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("leave: %v", err)
	}
	counter, _ := h.store.GetRejoin(h.ctx, member.ID)
	if counter.Counter != 0 {
		t.Fatalf("kick after verification must not count, got %d", counter.Counter)
	}
}

func TestReloadResumesPersistedChannel(t *testing.T) {
	h := newHarness(t)
	gid := h.gateway.ID()

	member := Member{ID: "u11", Name: "judy"}
	h.platform.addMember(gid, member)
	h.platform.addChannel(gid, Channel{ID: "resume-me", Name: "captcha-judy", Kind: ChannelText})
	h.platform.addChannel(gid, Channel{ID: "stale", Name: "captcha-ghost", Kind: ChannelText})
	records := []storage.ChannelRecord{
		{GuildID: gid, ChannelID: "resume-me", MemberID: member.ID, MemberName: member.Name, Tries: 3, TTL: 450, Active: true},
		{GuildID: gid, ChannelID: "stale", MemberID: "ghost", Tries: 5, TTL: 900, Active: true},
	}
	for _, record := range records {
		if err := h.store.AddChannel(h.ctx, record); err != nil {
			t.Fatalf("add channel: %v", err)
		}
	}

	h.module.Close()
	h.module = h.newModule()
	if err := h.module.Load(h.ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	h.gateway = h.module.Guild(gid)
	if h.gateway == nil {
		t.Fatalf("expected gateway guild to be rehydrated")
	}

	c := h.gateway.Channel(member.ID)
	if c == nil {
		t.Fatalf("expected resumed channel")
	}
	if c.Tries() != 3 || c.TTL() != 450 || c.State() != StateActive {
		t.Fatalf("expected tries=3 ttl=450 active, got %d %d %s", c.Tries(), c.TTL(), c.State())
	}
	h.clock.Advance(time.Second)
	if c.TTL() != 449 {
		t.Fatalf("expected countdown to resume from 450, got %d", c.TTL())
	}

	if h.platform.hasChannel("stale") {
		t.Fatalf("expected stale channel deleted")
	}
	active, err := h.store.ListActiveChannels(h.ctx, gid)
	if err != nil || len(active) != 1 || active[0].ChannelID != "resume-me" {
		t.Fatalf("expected only the resumed record active, got %+v (%v)", active, err)
	}
}

func TestDeleteGuildAndResetBans(t *testing.T) {
	h := newHarness(t)
	if _, err := h.module.Blacklist(h.ctx, Member{ID: "b1", Name: "x"}, time.Hour, ""); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	lifted, err := h.module.ResetBans(h.ctx, "")
	if err != nil || lifted != 1 {
		t.Fatalf("expected one ban lifted, got %d (%v)", lifted, err)
	}
	if _, err := h.module.ResetBans(h.ctx, "nope"); !errors.Is(err, ErrUnknownGuild) {
		t.Fatalf("expected ErrUnknownGuild, got %v", err)
	}

	gid := h.gateway.ID()
	deleted, err := h.module.DeleteGuild(h.ctx, gid)
	if err != nil || !deleted {
		t.Fatalf("expected guild deleted, got %v %v", deleted, err)
	}
	if h.module.Guild(gid) != nil {
		t.Fatalf("expected guild evicted")
	}
	records, _ := h.store.ListGuilds(h.ctx, false)
	if len(records) != 0 {
		t.Fatalf("expected guild record removed")
	}
	deleted, err = h.module.DeleteGuild(h.ctx, gid)
	if err != nil || deleted {
		t.Fatalf("expected second delete to fail softly, got %v %v", deleted, err)
	}
}

func TestCreateGuildRespectsCap(t *testing.T) {
	h := newHarness(t)
	h.module.guildCap = 2
	if _, err := h.module.CreateGuild(h.ctx); !errors.Is(err, ErrGuildCap) {
		t.Fatalf("expected ErrGuildCap, got %v", err)
	}
}

func TestDisabledWithoutMainGuild(t *testing.T) {
	m := New(Deps{Platform: newFakePlatform()}, Options{})
	defer m.Close()
	if m.Enabled() {
		t.Fatalf("expected disabled module")
	}
	if err := m.Load(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if err := m.OnMemberJoin(context.Background(), "g", Member{ID: "u"}); err != nil {
		t.Fatalf("events must be ignored when disabled, got %v", err)
	}
}

func TestRegisterInviteIsIdempotent(t *testing.T) {
	h := newHarness(t)

	added, err := h.module.RegisterInvite(h.ctx, "abc123", "partners")
	if err != nil || !added {
		t.Fatalf("first register: added=%v err=%v", added, err)
	}
	added, err = h.module.RegisterInvite(h.ctx, "abc123", "partners")
	if err != nil || added {
		t.Fatalf("second register: added=%v err=%v", added, err)
	}
	invites, err := h.module.ListInvites(h.ctx, "partners")
	if err != nil {
		t.Fatalf("list invites: %v", err)
	}
	if len(invites) != 1 || invites[0].Code != "abc123" {
		t.Fatalf("unexpected invites: %+v", invites)
	}

	records, err := h.module.GuildRecords(h.ctx)
	if err != nil {
		t.Fatalf("guild records: %v", err)
	}
	if len(records) != 1 || records[0].GuildID != h.gateway.ID() {
		t.Fatalf("unexpected guild records: %+v", records)
	}
	all, err := h.module.AllGuilds(h.ctx)
	if err != nil {
		t.Fatalf("all guilds: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected main and gateway guild, got %d", len(all))
	}
}

func TestReloadKeepsCompletedChannel(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u12", Name: "kim"}
	c := h.join(member)
	h.answer(c, "abcdef")
	channelID := c.ID()

	h.restart(h.platform)

	if !h.platform.hasChannel(channelID) {
		t.Fatalf("channel holding the invite must survive a restart")
	}
	resumed := h.gateway.Channel(member.ID)
	if resumed == nil || resumed.ID() != channelID || resumed.State() != StateCompleted {
		t.Fatalf("expected completed channel tracked after restart, got %+v", resumed)
	}
	if stats := h.stats(); stats.Completed != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if h.platform.hasChannel(channelID) {
		t.Fatalf("expected channel deleted after leave")
	}
	counter, _ := h.store.GetRejoin(h.ctx, member.ID)
	if counter.Counter != 0 {
		t.Fatalf("verified leave after restart must not count, got %d", counter.Counter)
	}
	records, err := h.store.ListActiveChannels(h.ctx, h.gateway.ID())
	if err != nil || len(records) != 0 {
		t.Fatalf("expected record closed after leave, got %+v (%v)", records, err)
	}
}

func TestMainGuildJoinAfterRestartKicksVerifiedMember(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u13", Name: "lee"}
	c := h.join(member)
	h.answer(c, "abcdef")

	h.restart(h.platform)

	if err := h.module.OnMemberJoin(h.ctx, mainGuildID, member); err != nil {
		t.Fatalf("main join: %v", err)
	}
	if len(h.platform.kicks) != 1 {
		t.Fatalf("expected member kicked from gateway guild, got %v", h.platform.kicks)
	}
	if h.platform.hasChannel(c.ID()) || h.gateway.Channel(member.ID) != nil {
		t.Fatalf("expected completed channel closed")
	}
}

// leavingPlatform reports the member as gone while their channel is being
// created.
type leavingPlatform struct {
	*fakePlatform
	onCreate func()
	created  []string
}

func (p *leavingPlatform) CreateChannel(ctx context.Context, guildID string, spec ChannelSpec) (Channel, error) {
	ch, err := p.fakePlatform.CreateChannel(ctx, guildID, spec)
	if err == nil && spec.MemberID != "" {
		p.created = append(p.created, ch.ID)
		if p.onCreate != nil {
			p.onCreate()
		}
	}
	return ch, err
}

func TestLeaveDuringChannelSetupDropsChannel(t *testing.T) {
	h := newHarness(t)
	member := Member{ID: "u14", Name: "mallory"}
	platform := &leavingPlatform{fakePlatform: h.platform}
	h.restart(platform)
	platform.onCreate = func() {
		if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
			t.Errorf("leave: %v", err)
		}
	}
	h.platform.addMember(h.gateway.ID(), member)

	c, created, err := h.gateway.CreateCaptchaChannel(h.ctx, member)
	if !errors.Is(err, ErrMemberLeft) || created || c != nil {
		t.Fatalf("expected ErrMemberLeft without a channel, got %v created=%v", err, created)
	}
	if len(platform.created) != 1 || h.platform.hasChannel(platform.created[0]) {
		t.Fatalf("expected the abandoned channel deleted, created %v", platform.created)
	}
	if h.gateway.Channel(member.ID) != nil {
		t.Fatalf("abandoned channel must not be tracked")
	}
	records, err := h.store.ListActiveChannels(h.ctx, h.gateway.ID())
	if err != nil || len(records) != 0 {
		t.Fatalf("expected no active records, got %+v (%v)", records, err)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no timers, %d pending", h.clock.Pending())
	}

	platform.onCreate = nil
	if err := h.module.OnMemberJoin(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if h.gateway.Channel(member.ID) == nil {
		t.Fatalf("expected a fresh channel on the next join")
	}
}

func TestSweepKeepsEntryUntilItsLastSecond(t *testing.T) {
	start := time.Date(2024, time.March, 1, 12, 0, 0, int(700*time.Millisecond), time.UTC)
	h := newHarnessAt(t, start)
	member := Member{ID: "u15", Name: "nina"}

	if _, err := h.module.Blacklist(h.ctx, member, time.Hour, "manual"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	h.clock.Advance(time.Hour - 500*time.Millisecond)
	result, err := h.module.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 0 || !h.platform.banned(h.gateway.ID(), member.ID) {
		t.Fatalf("entry lifted before it ended, result %+v", result)
	}

	h.clock.Advance(800 * time.Millisecond)
	result, err = h.module.Sweep(h.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected entry lifted once its end passed, result %+v", result)
	}
}

func TestRejoinCooldownFollowsModuleClock(t *testing.T) {
	start := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	h := newHarnessAt(t, start)
	member := Member{ID: "u16", Name: "oscar"}

	h.join(member)
	if err := h.module.OnMemberLeave(h.ctx, h.gateway.ID(), member); err != nil {
		t.Fatalf("leave: %v", err)
	}
	counter, err := h.store.GetRejoin(h.ctx, member.ID)
	if err != nil || counter.Counter != 1 {
		t.Fatalf("expected one counted leave, got %+v (%v)", counter, err)
	}
	if !counter.UpdatedAt.Equal(start) {
		t.Fatalf("expected updated_at %v, got %v", start, counter.UpdatedAt)
	}

	h.clock.Advance(24*time.Hour + time.Second)
	result, err := h.module.Sweep(h.ctx)
	if err != nil || result.Cleared != 1 {
		t.Fatalf("expected counter cleared after cooldown, got %+v (%v)", result, err)
	}
}
