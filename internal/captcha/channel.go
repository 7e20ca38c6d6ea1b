package captcha

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel-gateway/internal/challenge"
	"sentinel-gateway/internal/modules/audit"
	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"
	"sentinel-gateway/internal/timer"
	"sentinel-gateway/internal/utils"

	"go.uber.org/zap"
)

type State int

const (
	StatePending State = iota
	StateActive
	StateCompleted
	StateFailedAttempts
	StateFailedTimeout
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailedAttempts:
		return "failed_attempts"
	case StateFailedTimeout:
		return "failed_timeout"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailedAttempts || s == StateFailedTimeout
}

const (
	checkpointTicks = 60
	failGrace       = 10 * time.Second
)

// CaptchaChannel is one challenge session for one member in one gateway
// guild.
type CaptchaChannel struct {
	guild  *GatewayGuild
	member Member
	logger *zap.Logger

	mu        sync.Mutex
	id        string
	state     State
	tries     int
	ttl       int
	ticks     int
	answer    string
	countdown timer.Timer
	grace     timer.Timer
	finalized bool
	deleted   bool
}

func newCaptchaChannel(g *GatewayGuild, member Member) *CaptchaChannel {
	return &CaptchaChannel{
		guild:  g,
		member: member,
		logger: g.logger.With(zap.String("member_id", member.ID)),
		state:  StatePending,
	}
}

func (c *CaptchaChannel) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *CaptchaChannel) Member() Member { return c.member }

func (c *CaptchaChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CaptchaChannel) Tries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tries
}

// TTL is the remaining time in seconds. Reads may lag the countdown by one
// tick.
func (c *CaptchaChannel) TTL() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *CaptchaChannel) Completed() bool {
	return c.State() == StateCompleted
}

// Start opens a fresh private channel and issues the first challenge.
func (c *CaptchaChannel) Start(ctx context.Context) error {
	m := c.guild.module
	cfg := m.settings.Captcha()

	parentID, err := c.guild.ensureCategory(ctx)
	if err != nil {
		c.logger.Warn("Failed to resolve captcha category", zap.Error(err))
	}
	created, err := m.platform.CreateChannel(ctx, c.guild.id, ChannelSpec{
		Name:     channelName(cfg.Names.Channel, c.member),
		ParentID: parentID,
		Kind:     ChannelText,
		MemberID: c.member.ID,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		if err := m.platform.DeleteChannel(ctx, created.ID); err != nil {
			c.logger.Warn("Failed to delete abandoned captcha channel", zap.String("channel_id", created.ID), zap.Error(err))
		}
		return ErrMemberLeft
	}
	c.id = created.ID
	c.tries = cfg.Attempts
	c.ttl = cfg.TTL
	c.mu.Unlock()
	c.logger = c.logger.With(zap.String("channel_id", created.ID))

	record := storage.ChannelRecord{
		GuildID:    c.guild.id,
		ChannelID:  created.ID,
		MemberID:   c.member.ID,
		MemberName: c.member.Name,
		Tries:      cfg.Attempts,
		TTL:        cfg.TTL,
		Active:     true,
		CreatedAt:  m.clock.Now(),
	}
	if err := m.store.AddChannel(ctx, record); err != nil {
		return err
	}

	c.mu.Lock()
	left := c.deleted
	c.mu.Unlock()
	if left {
		inactive := false
		if err := m.store.UpdateChannel(ctx, c.guild.id, created.ID, storage.ChannelUpdate{Active: &inactive}); err != nil {
			c.logger.Error("Failed to deactivate channel record", zap.Error(err))
		}
		return ErrMemberLeft
	}

	c.activate(ctx)
	return nil
}

// Resume rebuilds the session from a persisted record, keeping its tries and
// ttl.
func (c *CaptchaChannel) Resume(ctx context.Context, record storage.ChannelRecord) {
	c.mu.Lock()
	c.id = record.ChannelID
	c.tries = record.Tries
	c.ttl = record.TTL
	if record.Completed {
		c.state = StateCompleted
	}
	c.mu.Unlock()
	c.logger = c.logger.With(zap.String("channel_id", record.ChannelID))

	if record.Completed {
		return
	}
	c.activate(ctx)
}

func (c *CaptchaChannel) activate(ctx context.Context) {
	m := c.guild.module

	c.mu.Lock()
	if c.state != StatePending || c.deleted {
		c.mu.Unlock()
		return
	}
	exhausted := c.tries <= 0
	if exhausted {
		c.tries = 0
		c.state = StateFailedAttempts
		c.grace = m.clock.AfterFunc(failGrace, func() { c.fail(m.ctx, StateFailedAttempts) })
	} else {
		c.state = StateActive
		c.countdown = m.clock.Every(time.Second, c.tick)
	}
	c.mu.Unlock()

	if exhausted {
		c.send(ctx, c.message(m.settings.Captcha().Messages.Failed))
		return
	}
	c.issue(ctx)
}

// issue renders a new challenge, replacing the previous answer.
func (c *CaptchaChannel) issue(ctx context.Context) {
	m := c.guild.module
	generated, err := m.generator.Generate()
	if err != nil {
		c.logger.Error("Failed to generate challenge", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.answer = generated.Answer
	id := c.id
	c.mu.Unlock()

	content := c.message(m.settings.Captcha().Messages.Challenge)
	if err := m.platform.SendFile(ctx, id, content, "captcha.png", generated.Image); err != nil {
		c.logger.Warn("Failed to send challenge", zap.Error(err))
	}
}

func (c *CaptchaChannel) tick() {
	m := c.guild.module
	ctx := m.ctx

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.ttl--
	c.ticks++
	ttl := c.ttl
	checkpoint := c.ticks%checkpointTicks == 0
	c.mu.Unlock()

	if ttl <= 0 {
		c.timeout(ctx)
		return
	}
	if checkpoint {
		if err := m.store.UpdateChannel(ctx, c.guild.id, c.ID(), storage.ChannelUpdate{TTL: &ttl}); err != nil {
			c.logger.Error("Failed to checkpoint ttl", zap.Error(err))
		}
	}
	for _, threshold := range m.settings.Captcha().Alerts {
		if ttl == threshold {
			c.send(ctx, c.message(m.settings.Captcha().Messages.Alert))
			break
		}
	}
}

func (c *CaptchaChannel) timeout(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateFailedTimeout
	c.answer = ""
	c.stopLocked()
	c.mu.Unlock()

	c.send(ctx, c.message(c.guild.module.settings.Captcha().Messages.Timeout))
	c.fail(ctx, StateFailedTimeout)
}

// OnMessage handles an answer typed in the channel. Messages from anyone but
// the target member are ignored.
func (c *CaptchaChannel) OnMessage(ctx context.Context, authorID, content string) {
	if authorID != c.member.ID {
		return
	}
	m := c.guild.module

	c.mu.Lock()
	if c.state != StateActive || c.answer == "" {
		c.mu.Unlock()
		return
	}
	if (challenge.Challenge{Answer: c.answer}).Matches(content) {
		c.state = StateCompleted
		c.answer = ""
		c.stopLocked()
		c.mu.Unlock()
		c.complete(ctx)
		return
	}

	if c.tries > 0 {
		c.tries--
	}
	tries := c.tries
	exhausted := tries == 0
	if exhausted {
		c.state = StateFailedAttempts
		c.answer = ""
		c.stopLocked()
		c.grace = m.clock.AfterFunc(failGrace, func() { c.fail(m.ctx, StateFailedAttempts) })
	}
	c.mu.Unlock()

	if err := m.store.UpdateChannel(ctx, c.guild.id, c.ID(), storage.ChannelUpdate{Tries: &tries}); err != nil {
		c.logger.Error("Failed to persist tries", zap.Error(err))
	}
	messages := m.settings.Captcha().Messages
	c.send(ctx, c.message(messages.Incorrect))
	if exhausted {
		c.send(ctx, c.message(messages.Failed))
		return
	}
	c.issue(ctx)
}

// complete keeps the record active so a restart still tracks the channel
// until the member leaves.
func (c *CaptchaChannel) complete(ctx context.Context) {
	m := c.guild.module
	completed := true
	if err := m.store.UpdateChannel(ctx, c.guild.id, c.ID(), storage.ChannelUpdate{Completed: &completed}); err != nil {
		c.logger.Error("Failed to persist completion", zap.Error(err))
	}

	invite, err := m.MainInvite(ctx)
	if err != nil {
		c.logger.Error("Failed to create main guild invite", zap.Error(err))
		c.send(ctx, "Verified, but the invite could not be created. Please contact a moderator.")
	} else {
		c.send(ctx, settings.Format(m.settings.Captcha().Messages.Success,
			"member", c.member.Name,
			"guild", c.guild.Name(),
			"invite", utils.InviteURL(invite.Code),
		))
	}
	m.audit.Log(ctx, audit.LevelInfo, c.guild.id, c.member.ID, audit.EventCaptchaPassed, "")
	c.logger.Info("Captcha passed")
}

// fail runs the terminal failure path once: persist, punish unless operator,
// then delete the channel.
func (c *CaptchaChannel) fail(ctx context.Context, state State) {
	m := c.guild.module

	c.mu.Lock()
	if c.deleted || c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	c.stopLocked()
	c.mu.Unlock()

	inactive, failed := false, true
	if err := m.store.UpdateChannel(ctx, c.guild.id, c.ID(), storage.ChannelUpdate{Active: &inactive, Failed: &failed}); err != nil {
		c.logger.Error("Failed to persist failure", zap.Error(err))
	}

	event, reason := audit.EventCaptchaFailed, "captcha attempts exhausted"
	if state == StateFailedTimeout {
		event, reason = audit.EventCaptchaTimeout, "captcha timed out"
	}
	if !m.settings.IsOperator(c.member.ID) {
		duration := time.Duration(m.settings.Captcha().BlacklistDuration) * time.Second
		if _, err := m.Blacklist(ctx, c.member, duration, reason); err != nil {
			c.logger.Error("Failed to blacklist member", zap.Error(err))
		}
	}
	m.audit.Log(ctx, audit.LevelWarn, c.guild.id, c.member.ID, event, reason)
	c.logger.Info("Captcha failed", zap.Stringer("state", state))

	c.guild.removeChannel(ctx, c)
}

// Stop cancels the countdown and any pending failure. It is safe to call
// repeatedly.
func (c *CaptchaChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *CaptchaChannel) stopLocked() {
	if c.countdown != nil {
		c.countdown.Stop()
	}
	if c.grace != nil {
		c.grace.Stop()
	}
}

// Destroy stops the session and deletes the platform channel. It reports
// whether the channel was deleted by this call.
func (c *CaptchaChannel) Destroy(ctx context.Context) bool {
	m := c.guild.module

	c.mu.Lock()
	c.stopLocked()
	if c.deleted {
		c.mu.Unlock()
		return false
	}
	c.deleted = true
	listed := c.state == StateActive || c.state == StatePending || c.state == StateCompleted
	if !c.state.Terminal() {
		c.answer = ""
	}
	id := c.id
	c.mu.Unlock()

	if listed && id != "" {
		inactive := false
		if err := m.store.UpdateChannel(ctx, c.guild.id, id, storage.ChannelUpdate{Active: &inactive}); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("Failed to deactivate channel record", zap.Error(err))
		}
	}
	if id == "" {
		return false
	}
	if err := m.platform.DeleteChannel(ctx, id); err != nil {
		c.logger.Warn("Failed to delete captcha channel", zap.Error(err))
		return false
	}
	return true
}

func (c *CaptchaChannel) send(ctx context.Context, content string) {
	if content == "" {
		return
	}
	if err := c.guild.module.platform.SendMessage(ctx, c.ID(), content); err != nil {
		c.logger.Warn("Failed to send message", zap.Error(err))
	}
}

func (c *CaptchaChannel) message(template string) string {
	c.mu.Lock()
	tries, ttl := c.tries, c.ttl
	c.mu.Unlock()
	return settings.Format(template,
		"member", c.member.Name,
		"guild", c.guild.Name(),
		"tries", strconv.Itoa(tries),
		"time", utils.FormatDuration(time.Duration(ttl)*time.Second),
	)
}

func channelName(template string, member Member) string {
	name := settings.Format(template, "member", member.Name, "id", member.ID)
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "captcha-" + member.ID
	}
	return b.String()
}
