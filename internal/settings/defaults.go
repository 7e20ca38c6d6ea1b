package settings

// Namespace is the root of the captcha subtree in the settings document.
const Namespace = "captcha"

type Captcha struct {
	Operators         []string `mapstructure:"operators"`
	GuildName         string   `mapstructure:"guild_name"`
	Attempts          int      `mapstructure:"attempts"`
	TTL               int      `mapstructure:"ttl"`
	BlacklistDuration int      `mapstructure:"blacklist_duration"`
	Alerts            []int    `mapstructure:"alerts"`
	Rejoin            Rejoin   `mapstructure:"rejoin"`
	Invite            Invite   `mapstructure:"invite"`
	Names             Names    `mapstructure:"names"`
	Messages          Messages `mapstructure:"messages"`
}

type Rejoin struct {
	Threshold int `mapstructure:"threshold"`
	Cooldown  int `mapstructure:"cooldown"`
}

type Invite struct {
	MaxAge  int    `mapstructure:"max_age"`
	Channel string `mapstructure:"channel"`
}

type Names struct {
	Landing      string `mapstructure:"landing"`
	Category     string `mapstructure:"category"`
	OperatorRole string `mapstructure:"operator_role"`
	Channel      string `mapstructure:"channel"`
}

type Messages struct {
	Welcome   string `mapstructure:"welcome"`
	Challenge string `mapstructure:"challenge"`
	Incorrect string `mapstructure:"incorrect"`
	Failed    string `mapstructure:"failed"`
	Timeout   string `mapstructure:"timeout"`
	Success   string `mapstructure:"success"`
	Alert     string `mapstructure:"alert"`
}

// defaults is the flattened default tree, keyed below Namespace.
func defaults() map[string]any {
	return map[string]any{
		"operators":          []string{},
		"guild_name":         "{main} Gateway #{n}",
		"attempts":           5,
		"ttl":                900,
		"blacklist_duration": 86400,
		"alerts":             []int{600, 300, 240, 180, 120, 60, 30, 15, 10, 5},

		"rejoin.threshold": 3,
		"rejoin.cooldown":  86400,

		"invite.max_age": 300,
		"invite.channel": "",

		"names.landing":       "welcome",
		"names.category":      "captcha",
		"names.operator_role": "Operator",
		"names.channel":       "captcha-{member}",

		"messages.welcome":   "Welcome to {guild}. A private channel has been opened for you: solve the captcha there to get access.",
		"messages.challenge": "{member}, type the letters shown in the image. You have {tries} attempts and {time} left.",
		"messages.incorrect": "Incorrect answer. {tries} attempts left.",
		"messages.failed":    "No attempts left. You will be removed from {guild}.",
		"messages.timeout":   "Time is up. You will be removed from {guild}.",
		"messages.success":   "Verified. Here is your invite, it can only be used once: {invite}",
		"messages.alert":     "{time} left to solve the captcha.",
	}
}
