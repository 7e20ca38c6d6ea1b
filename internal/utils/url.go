package utils

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var inviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9-]{2,32}$`)

var inviteHosts = map[string]string{
	"discord.gg":         "/",
	"discord.com":        "/invite/",
	"discordapp.com":     "/invite/",
	"www.discord.com":    "/invite/",
	"www.discordapp.com": "/invite/",
}

var ErrInvalidInvite = errors.New("invalid invite")

func NormalizeURL(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}

	parsed.Host = host
	parsed.Fragment = ""
	parsed.User = nil
	parsed.RawQuery = ""

	return parsed.String(), host, nil
}

// InviteCode accepts a bare invite code or any discord invite link and
// returns the code.
func InviteCode(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if inviteCodePattern.MatchString(value) {
		return value, nil
	}

	normalized, host, err := NormalizeURL(value)
	if err != nil {
		return "", ErrInvalidInvite
	}
	prefix, ok := inviteHosts[host]
	if !ok {
		return "", ErrInvalidInvite
	}
	parsed, err := url.Parse(normalized)
	if err != nil || !strings.HasPrefix(parsed.Path, prefix) {
		return "", ErrInvalidInvite
	}
	code := strings.Trim(strings.TrimPrefix(parsed.Path, prefix), "/")
	if !inviteCodePattern.MatchString(code) {
		return "", ErrInvalidInvite
	}
	return code, nil
}

// InviteURL is the inverse of InviteCode.
func InviteURL(code string) string {
	return "https://discord.gg/" + code
}
