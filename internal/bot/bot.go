package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentinel-gateway/internal/analytics"
	"sentinel-gateway/internal/captcha"
	"sentinel-gateway/internal/config"
	"sentinel-gateway/internal/modules/audit"
	"sentinel-gateway/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorInfo  = 0x2ecc71
	colorWarn  = 0xf1c40f
	colorCrit  = 0xe74c3c
	colorError = 0xe74c3c

	auditWindow = 10 * time.Minute
)

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	session    *discordgo.Session
	platform   *Platform
	module     *captcha.Module
	audit      *audit.Logger
	analytics  *analytics.Service
	auditAgg   map[string]*auditAggregate
	auditAggMu sync.Mutex
	events     eventGate
}

type auditAggregate struct {
	channelID string
	messageID string
	count     int
	lastAt    time.Time
}

func New(cfg config.Config, logger *zap.Logger, auditLogger *audit.Logger, analyticsEngine *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildInvites |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		session:   session,
		platform:  NewPlatform(session),
		audit:     auditLogger,
		analytics: analyticsEngine,
		auditAgg:  make(map[string]*auditAggregate),
	}
	if b.audit != nil && cfg.LogChannelID != "" {
		b.audit.SetNotifier(b.notifyAudit)
	}
	return b, nil
}

// Platform exposes the session as the captcha platform.
func (b *Bot) Platform() *Platform { return b.platform }

// Attach routes events and commands to module. It must be called before
// Start.
func (b *Bot) Attach(module *captcha.Module) {
	b.module = module
}

// Release delivers the member and message events held back since Start.
// Call it once the module has loaded.
func (b *Bot) Release() {
	replayed, dropped := b.events.release()
	if replayed > 0 || dropped > 0 {
		b.logger.Info("held events delivered", zap.Int("replayed", replayed), zap.Int("dropped", dropped))
	}
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" || b.module == nil {
		return
	}
	b.events.run(func() {
		b.module.OnMessage(context.Background(), msg.GuildID, msg.ChannelID, msg.Author.ID, msg.Content)
	})
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.GuildID == "" || event.Member == nil || event.User == nil || b.module == nil {
		return
	}
	member := toMember(event.Member)
	b.events.run(func() {
		if err := b.module.OnMemberJoin(context.Background(), event.GuildID, member); err != nil {
			b.logger.Warn("member join handling failed", zap.String("guild_id", event.GuildID), zap.String("user_id", member.ID), zap.Error(err))
		}
	})
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.GuildID == "" || event.Member == nil || event.User == nil || b.module == nil {
		return
	}
	member := toMember(event.Member)
	b.events.run(func() {
		if err := b.module.OnMemberLeave(context.Background(), event.GuildID, member); err != nil {
			b.logger.Warn("member leave handling failed", zap.String("guild_id", event.GuildID), zap.String("user_id", member.ID), zap.Error(err))
		}
	})
}

// notifyAudit mirrors an audit entry to the log channel. Repeats of the same
// entry within auditWindow edit the previous message with a counter.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	_ = ctx
	channelID := b.cfg.LogChannelID
	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID

	b.auditAggMu.Lock()
	agg := b.auditAgg[key]
	if agg != nil && time.Since(agg.lastAt) <= auditWindow {
		agg.count++
		agg.lastAt = time.Now()
		count := agg.count
		messageID := agg.messageID
		b.auditAggMu.Unlock()
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, buildAuditEmbed(entry, count)); err == nil {
			return
		}
		b.auditAggMu.Lock()
		delete(b.auditAgg, key)
	}
	b.auditAggMu.Unlock()

	msg, err := b.session.ChannelMessageSendEmbed(channelID, buildAuditEmbed(entry, 1))
	if err != nil || msg == nil {
		b.logger.Debug("audit notification failed", zap.Error(err))
		return
	}
	b.auditAggMu.Lock()
	b.auditAgg[key] = &auditAggregate{channelID: channelID, messageID: msg.ID, count: 1, lastAt: time.Now()}
	b.auditAggMu.Unlock()
}

func buildAuditEmbed(entry storage.AuditLog, count int) *discordgo.MessageEmbed {
	var fields []*discordgo.MessageEmbedField
	if entry.GuildID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Server", Value: entry.GuildID, Inline: true})
	}
	if entry.UserID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Member", Value: "<@" + entry.UserID + ">", Inline: true})
	}
	if count > 1 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Count", Value: fmt.Sprintf("x%d", count), Inline: true})
	}
	return &discordgo.MessageEmbed{
		Title:       auditEventLabel(entry.Event),
		Description: entry.Details,
		Color:       levelColor(entry.Level),
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
		Fields:      fields,
	}
}

func auditEventLabel(event string) string {
	switch event {
	case audit.EventCaptchaPassed:
		return "Captcha passed"
	case audit.EventCaptchaFailed:
		return "Captcha failed"
	case audit.EventCaptchaTimeout:
		return "Captcha timed out"
	case audit.EventBlacklistAdd:
		return "Member blacklisted"
	case audit.EventBlacklistRemove:
		return "Blacklist lifted"
	case audit.EventRejoinBan:
		return "Rejoin abuse"
	case audit.EventGuildCreated:
		return "Holding server created"
	case audit.EventGuildDeleted:
		return "Holding server deleted"
	case audit.EventSweepUnban:
		return "Blacklist expired"
	default:
		return event
	}
}

func levelColor(level string) int {
	switch level {
	case audit.LevelCrit:
		return colorCrit
	case audit.LevelWarn:
		return colorWarn
	default:
		return colorInfo
	}
}
