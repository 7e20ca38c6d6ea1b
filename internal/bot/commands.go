package bot

import "github.com/bwmarrin/discordgo"

const commandName = "gateway"

func subcommand(name, description string, options ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
		Options:     options,
	}
}

func group(name, description string, subcommands ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
		Name:        name,
		Description: description,
		Options:     subcommands,
	}
}

func stringOption(name, description string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: description,
		Required:    required,
	}
}

func userOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionUser,
		Name:        name,
		Description: description,
		Required:    true,
	}
}

func gatewayCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        commandName,
		Description: "Manage the captcha gateway",
		DescriptionLocalizations: &map[discordgo.Locale]string{
			discordgo.French:    "Gerer la passerelle captcha",
			discordgo.EnglishUS: "Manage the captcha gateway",
			discordgo.SpanishES: "Administrar la pasarela captcha",
		},
		Options: []*discordgo.ApplicationCommandOption{
			subcommand("servers", "List holding servers with their invite links"),
			group("invite", "Invites exempted from invite tracking",
				subcommand("register", "Register an invite",
					stringOption("code", "invite code or link", true),
					stringOption("category", "protection category", false),
				),
				subcommand("list", "List registered invites",
					stringOption("category", "protection category", false),
				),
			),
			group("settings", "Captcha settings",
				subcommand("view", "Show settings",
					stringOption("path", "dot path prefix, e.g. rejoin", false),
				),
				subcommand("set", "Change a setting",
					stringOption("path", "dot path, e.g. rejoin.threshold", true),
					stringOption("value", "new value; lists are comma separated", true),
				),
			),
			group("blacklist", "Time-boxed blacklist",
				subcommand("list", "List blacklisted members"),
				subcommand("add", "Blacklist a member",
					userOption("user", "member to blacklist"),
					stringOption("duration", "duration such as 24h or 1h30m", true),
					stringOption("reason", "reason", false),
				),
				subcommand("remove", "Lift a blacklist entry",
					stringOption("query", "member id or name prefix", true),
				),
			),
			subcommand("operator", "Toggle operator status",
				userOption("user", "member to toggle"),
			),
			subcommand("stats", "Captcha statistics",
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "period",
					Description: "day or week",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "day", Value: "day"},
						{Name: "week", Value: "week"},
					},
				},
			),
			group("dev", "Developer tools",
				subcommand("create-guild", "Create a holding server"),
				subcommand("guilds", "List every server the bot is in"),
				subcommand("delete-guild", "Delete a server",
					stringOption("guild", "server id", true),
				),
				subcommand("test-invite", "Create a single-use invite to the main server"),
				subcommand("test-challenge", "Render a captcha image"),
				subcommand("cache", "Inspect or edit the blacklist cache",
					stringOption("query", "member id", false),
					stringOption("duration", "new remaining time, e.g. 10m", false),
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "evict",
						Description: "drop the member from the cache",
					},
				),
				subcommand("reset-rejoin", "Reset a member's rejoin counter",
					userOption("user", "member"),
				),
				subcommand("reset-bans", "Lift every ban on one or all holding servers",
					stringOption("guild", "server id; all when empty", false),
				),
			),
		},
	}
}

func (b *Bot) registerCommands() error {
	commands := []*discordgo.ApplicationCommand{gatewayCommand()}

	appID := b.session.State.User.ID
	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		for _, cmd := range commands {
			if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
				return err
			}
		}
		return nil
	}

	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}

	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}
