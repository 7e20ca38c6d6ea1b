package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sentinel-gateway/internal/captcha"
	"sentinel-gateway/internal/settings"
	"sentinel-gateway/internal/storage"
	"sentinel-gateway/internal/utils"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	defaultInviteCategory = "gateway"
	maxDescription        = 4000
)

var errNotAuthorized = errors.New("only operators and administrators may use this command")

// gatewayRequest is a /gateway invocation with every option resolved.
type gatewayRequest struct {
	Group   string
	Name    string
	Options requestOptions
}

type requestOptions struct {
	Code        string
	Category    string
	Path        string
	Value       string
	Query       string
	Reason      string
	GuildID     string
	Period      string
	User        captcha.Member
	Duration    time.Duration
	HasDuration bool
	Evict       bool
}

// Path returns "group name" or "name" for top-level subcommands.
func (r gatewayRequest) Path() string {
	if r.Group == "" {
		return r.Name
	}
	return r.Group + " " + r.Name
}

type reply struct {
	title string
	body  string
	err   bool
	file  *discordgo.File
}

func parseGatewayRequest(data discordgo.ApplicationCommandInteractionData) (gatewayRequest, error) {
	if data.Name != commandName || len(data.Options) == 0 {
		return gatewayRequest{}, fmt.Errorf("unknown command %q", data.Name)
	}
	opt := data.Options[0]
	req := gatewayRequest{Name: opt.Name}
	if opt.Type == discordgo.ApplicationCommandOptionSubCommandGroup {
		if len(opt.Options) == 0 {
			return gatewayRequest{}, fmt.Errorf("missing subcommand for %q", opt.Name)
		}
		req.Group = opt.Name
		opt = opt.Options[0]
		req.Name = opt.Name
	}

	for _, o := range opt.Options {
		switch o.Name {
		case "code":
			code, err := utils.InviteCode(fmt.Sprint(o.Value))
			if err != nil {
				return gatewayRequest{}, err
			}
			req.Options.Code = code
		case "category":
			req.Options.Category = strings.TrimSpace(fmt.Sprint(o.Value))
		case "path":
			req.Options.Path = strings.TrimSpace(fmt.Sprint(o.Value))
		case "value":
			req.Options.Value = fmt.Sprint(o.Value)
		case "query":
			req.Options.Query = strings.TrimSpace(fmt.Sprint(o.Value))
		case "reason":
			req.Options.Reason = fmt.Sprint(o.Value)
		case "guild":
			req.Options.GuildID = strings.TrimSpace(fmt.Sprint(o.Value))
		case "period":
			req.Options.Period = fmt.Sprint(o.Value)
		case "evict":
			evict, _ := o.Value.(bool)
			req.Options.Evict = evict
		case "duration":
			d, err := utils.ParseDuration(fmt.Sprint(o.Value))
			if err != nil {
				return gatewayRequest{}, err
			}
			if d <= 0 {
				return gatewayRequest{}, fmt.Errorf("%w: must be positive", utils.ErrInvalidDuration)
			}
			req.Options.Duration = d
			req.Options.HasDuration = true
		case "user":
			id := fmt.Sprint(o.Value)
			member := captcha.Member{ID: id, Name: id}
			if data.Resolved != nil {
				if user, ok := data.Resolved.Users[id]; ok && user != nil {
					member.Name = user.Username
					member.Bot = user.Bot
				}
			}
			req.Options.User = member
		}
	}
	return req, nil
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()
	if data.Name != commandName {
		return
	}

	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.logger.Warn("interaction defer failed", zap.Error(err))
		return
	}

	ctx := context.Background()
	var r reply
	req, err := parseGatewayRequest(data)
	switch {
	case err != nil:
		r = failure("Gateway", err)
	case !b.authorized(interaction):
		r = failure("Gateway", errNotAuthorized)
	default:
		r = b.handleGateway(ctx, req)
		b.logger.Info("gateway command", zap.String("command", req.Path()), zap.String("user_id", actorID(interaction)), zap.Bool("error", r.err))
	}
	b.editResponse(session, interaction, r)
}

func actorID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) authorized(interaction *discordgo.InteractionCreate) bool {
	if b.module == nil {
		return false
	}
	if id := actorID(interaction); id != "" && b.module.IsOperator(id) {
		return true
	}
	return interaction.Member != nil && interaction.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func (b *Bot) editResponse(session *discordgo.Session, interaction *discordgo.InteractionCreate, r reply) {
	embed := commandEmbed(r)
	edit := &discordgo.WebhookEdit{Embeds: &[]*discordgo.MessageEmbed{embed}}
	if r.file != nil {
		edit.Files = []*discordgo.File{r.file}
	}
	if _, err := session.InteractionResponseEdit(interaction.Interaction, edit); err != nil {
		b.logger.Warn("interaction response failed", zap.Error(err))
	}
}

func commandEmbed(r reply) *discordgo.MessageEmbed {
	color := colorInfo
	if r.err {
		color = colorError
	}
	body := r.body
	if len(body) > maxDescription {
		body = body[:maxDescription] + "\n..."
	}
	return &discordgo.MessageEmbed{
		Title:       r.title,
		Description: body,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func success(title, format string, args ...any) reply {
	return reply{title: title, body: fmt.Sprintf(format, args...)}
}

func failure(title string, err error) reply {
	var ambiguous *captcha.AmbiguousMatchError
	switch {
	case errors.As(err, &ambiguous):
		return reply{title: title, body: formatAmbiguous(ambiguous), err: true}
	case errors.Is(err, captcha.ErrDisabled):
		return reply{title: title, body: "The captcha gateway is disabled.", err: true}
	case errors.Is(err, captcha.ErrGuildCap):
		return reply{title: title, body: "The bot cannot join or create more servers.", err: true}
	case errors.Is(err, captcha.ErrUnknownGuild):
		return reply{title: title, body: "That server is not a holding server.", err: true}
	case errors.Is(err, storage.ErrNotFound):
		return reply{title: title, body: "No matching entry.", err: true}
	case errors.Is(err, settings.ErrUnknownSetting):
		return reply{title: title, body: "Unknown setting. Use `/gateway settings view` to list them.", err: true}
	case errors.Is(err, utils.ErrInvalidDuration):
		return reply{title: title, body: "Invalid duration. Use forms like `24h`, `1h30m` or `90s`.", err: true}
	case errors.Is(err, utils.ErrInvalidInvite):
		return reply{title: title, body: "Invalid invite code or link.", err: true}
	}
	return reply{title: title, body: err.Error(), err: true}
}

func formatAmbiguous(err *captcha.AmbiguousMatchError) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "`%s` matches several entries, use an id:\n", err.Query)
	for _, match := range err.Matches {
		sb.WriteString("- " + match + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) handleGateway(ctx context.Context, req gatewayRequest) reply {
	opts := req.Options
	switch req.Path() {
	case "servers":
		return b.handleServers(ctx)
	case "invite register":
		category := opts.Category
		if category == "" {
			category = defaultInviteCategory
		}
		added, err := b.module.RegisterInvite(ctx, opts.Code, category)
		if err != nil {
			return failure("Invites", err)
		}
		if !added {
			return success("Invites", "`%s` is already registered.", opts.Code)
		}
		return success("Invites", "Registered `%s` under `%s`.", opts.Code, category)
	case "invite list":
		invites, err := b.module.ListInvites(ctx, opts.Category)
		if err != nil {
			return failure("Invites", err)
		}
		return success("Invites", "%s", formatInvites(invites))
	case "settings view":
		values := b.module.Settings()
		if values == nil {
			return failure("Settings", captcha.ErrDisabled)
		}
		return success("Settings", "%s", formatSettings(values, opts.Path))
	case "settings set":
		if err := b.module.SetSetting(ctx, opts.Path, opts.Value); err != nil {
			return failure("Settings", err)
		}
		return success("Settings", "`%s` updated.", opts.Path)
	case "blacklist list":
		entries, err := b.module.ListBlacklist(ctx)
		if err != nil {
			return failure("Blacklist", err)
		}
		return success("Blacklist", "%s", formatBlacklist(entries, time.Now()))
	case "blacklist add":
		reason := opts.Reason
		if reason == "" {
			reason = "manual"
		}
		created, err := b.module.Blacklist(ctx, opts.User, opts.Duration, reason)
		if err != nil {
			return failure("Blacklist", err)
		}
		verb := "Blacklisted"
		if !created {
			verb = "Extended blacklist of"
		}
		return success("Blacklist", "%s <@%s> for %s.", verb, opts.User.ID, utils.FormatDuration(opts.Duration))
	case "blacklist remove":
		entry, err := b.module.FindBlacklisted(ctx, opts.Query)
		if err != nil {
			return failure("Blacklist", err)
		}
		if _, err := b.module.Unblacklist(ctx, entry.MemberID); err != nil {
			return failure("Blacklist", err)
		}
		return success("Blacklist", "Lifted blacklist of %s (`%s`).", entry.MemberName, entry.MemberID)
	case "operator":
		added, err := b.module.SetOperator(ctx, opts.User.ID)
		if err != nil {
			return failure("Operators", err)
		}
		if added {
			return success("Operators", "<@%s> is now an operator.", opts.User.ID)
		}
		return success("Operators", "<@%s> is no longer an operator.", opts.User.ID)
	case "stats":
		return b.handleStats(ctx, opts.Period)
	case "dev create-guild":
		g, err := b.module.CreateGuild(ctx)
		if err != nil {
			return failure("Servers", err)
		}
		return success("Servers", "Created %s (`%s`).", g.Name(), g.ID())
	case "dev guilds":
		guilds, err := b.module.AllGuilds(ctx)
		if err != nil {
			return failure("Servers", err)
		}
		return success("Servers", "%s", b.formatAllGuilds(guilds))
	case "dev delete-guild":
		deleted, err := b.module.DeleteGuild(ctx, opts.GuildID)
		if err != nil {
			return failure("Servers", err)
		}
		if !deleted {
			return reply{title: "Servers", body: fmt.Sprintf("Failed to delete `%s`.", opts.GuildID), err: true}
		}
		return success("Servers", "Deleted `%s`.", opts.GuildID)
	case "dev test-invite":
		invite, err := b.module.MainInvite(ctx)
		if err != nil {
			return failure("Invites", err)
		}
		return success("Invites", "%s", utils.InviteURL(invite.Code))
	case "dev test-challenge":
		ch, err := b.module.TestChallenge()
		if err != nil {
			return failure("Captcha", err)
		}
		r := success("Captcha", "Answer: `%s`", ch.Answer)
		r.file = &discordgo.File{Name: "captcha.png", ContentType: "image/png", Reader: bytes.NewReader(ch.Image)}
		return r
	case "dev cache":
		return b.handleCache(opts)
	case "dev reset-rejoin":
		if err := b.module.ResetRejoin(ctx, opts.User.ID); err != nil {
			return failure("Rejoin", err)
		}
		return success("Rejoin", "Rejoin counter of <@%s> reset.", opts.User.ID)
	case "dev reset-bans":
		lifted, err := b.module.ResetBans(ctx, opts.GuildID)
		if err != nil {
			return failure("Bans", err)
		}
		return success("Bans", "Lifted %d bans.", lifted)
	}
	return failure("Gateway", fmt.Errorf("unknown subcommand %q", req.Path()))
}

func (b *Bot) handleServers(ctx context.Context) reply {
	if !b.module.Enabled() {
		return failure("Servers", captcha.ErrDisabled)
	}
	records, err := b.module.GuildRecords(ctx)
	if err != nil {
		return failure("Servers", err)
	}
	stats := make(map[string]storage.GuildStats, len(records))
	for _, record := range records {
		stats[record.GuildID] = record.Stats
	}

	guilds := b.module.Guilds()
	if len(guilds) == 0 {
		return success("Servers", "No holding servers.")
	}
	var sb strings.Builder
	for _, g := range guilds {
		link := "no invite"
		if invite, err := g.PermanentInvite(ctx); err == nil {
			link = utils.InviteURL(invite.Code)
		} else {
			b.logger.Warn("permanent invite failed", zap.String("guild_id", g.ID()), zap.Error(err))
		}
		s := stats[g.ID()]
		fmt.Fprintf(&sb, "**%s** (`%s`) %s\nactive %d, completed %d, failed %d\n", g.Name(), g.ID(), link, s.Active, s.Completed, s.Failed)
	}
	return success("Servers", "%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleStats(ctx context.Context, period string) reply {
	since := time.Now().Add(-24 * time.Hour)
	if period == "week" {
		since = time.Now().Add(-7 * 24 * time.Hour)
	}
	if b.analytics == nil {
		return failure("Stats", errors.New("analytics unavailable"))
	}
	report, err := b.analytics.Report(ctx, "", since)
	if err != nil {
		return failure("Stats", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total events: %d\nPass rate: %.0f%%\n", report.Total, report.PassRate()*100)
	for _, event := range report.Events() {
		fmt.Fprintf(&sb, "%s: %d\n", auditEventLabel(event), report.ByEvent[event])
	}
	return success("Stats", "%s", strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleCache(opts requestOptions) reply {
	if opts.Query == "" {
		return success("Blacklist cache", "%s", formatBlacklist(b.module.BlacklistCache(), time.Now()))
	}
	switch {
	case opts.Evict:
		if !b.module.EditCache(opts.Query, time.Time{}) {
			return failure("Blacklist cache", storage.ErrNotFound)
		}
		return success("Blacklist cache", "Evicted `%s`.", opts.Query)
	case opts.HasDuration:
		if !b.module.EditCache(opts.Query, time.Now().Add(opts.Duration)) {
			return failure("Blacklist cache", storage.ErrNotFound)
		}
		return success("Blacklist cache", "`%s` now expires in %s.", opts.Query, utils.FormatDuration(opts.Duration))
	}
	for _, entry := range b.module.BlacklistCache() {
		if entry.MemberID == opts.Query {
			return success("Blacklist cache", "%s", formatBlacklist([]storage.BlacklistEntry{entry}, time.Now()))
		}
	}
	return failure("Blacklist cache", storage.ErrNotFound)
}

func (b *Bot) formatAllGuilds(guilds []captcha.Guild) string {
	if len(guilds) == 0 {
		return "The bot is in no servers."
	}
	var sb strings.Builder
	for _, guild := range guilds {
		tag := ""
		switch {
		case guild.ID == b.module.MainGuildID():
			tag = " [main]"
		case b.module.Guild(guild.ID) != nil:
			tag = " [holding]"
		}
		fmt.Fprintf(&sb, "%s (`%s`)%s\n", guild.Name, guild.ID, tag)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatInvites(invites []storage.RegisteredInvite) string {
	if len(invites) == 0 {
		return "No registered invites."
	}
	var sb strings.Builder
	for _, invite := range invites {
		fmt.Fprintf(&sb, "`%s` %s\n", invite.Code, invite.Category)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatSettings renders settings whose path starts with prefix, with the
// namespace stripped.
func formatSettings(values map[string]any, prefix string) string {
	prefix = strings.ToLower(strings.TrimPrefix(prefix, settings.Namespace+"."))
	keys := make([]string, 0, len(values))
	for key := range values {
		short := strings.TrimPrefix(key, settings.Namespace+".")
		if strings.HasPrefix(short, prefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return "No settings match."
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&sb, "`%s` = %v\n", strings.TrimPrefix(key, settings.Namespace+"."), values[key])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatBlacklist(entries []storage.BlacklistEntry, now time.Time) string {
	if len(entries) == 0 {
		return "The blacklist is empty."
	}
	var sb strings.Builder
	for _, entry := range entries {
		remaining := "expired"
		if !entry.Expired(now) {
			remaining = utils.FormatDuration(entry.Ends.Sub(now).Truncate(time.Second)) + " left"
		}
		fmt.Fprintf(&sb, "%s (`%s`) %s", entry.MemberName, entry.MemberID, remaining)
		if entry.Reason != "" {
			sb.WriteString(", " + entry.Reason)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
