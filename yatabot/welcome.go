package yatabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"regexp"
	"slices"
	"sort"
	"strings"
)

const welcomeNewMemberPlaceholder = "new_member"

var trailingPunctuation = regexp.MustCompile(`[,!?.;:]+$`)

// welcomeLines returns the lines of a configured welcome message
func welcomeLines(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		lines := make([]string, 0, len(val))
		for _, l := range val {
			if s, ok := l.(string); ok {
				lines = append(lines, s)
			}
		}
		return lines
	case string:
		return strings.Split(val, "\n")
	default:
		return nil
	}
}

// renderWelcome expands the `#channel` and `@role` words of a welcome
// message into mentions. Underscores in names stand for spaces, and
// `@new_member` mentions the member who joined. Names that can't be
// found are rendered as code.
func renderWelcome(
	lines []string,
	channels []*discordgo.Channel,
	roles []*discordgo.Role,
	memberID string,
) string {
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		var words []string
		for _, w := range strings.Split(line, " ") {
			if w == "" {
				continue
			}
			if w[0] != '#' && w[0] != '@' {
				words = append(words, w)
				continue
			}
			sigil := w[:1]
			word := w[1:]
			punctuation := trailingPunctuation.FindString(word)
			word = strings.TrimSuffix(word, punctuation)
			name := strings.ReplaceAll(word, "_", " ")

			mention := ""
			switch {
			case word == welcomeNewMemberPlaceholder:
				mention = fmt.Sprintf("<@%s>", memberID)
			case sigil == "#":
				if i := slices.IndexFunc(channels, func(c *discordgo.Channel) bool { return c.Name == name }); i >= 0 {
					mention = channels[i].Mention()
				}
			default:
				if i := slices.IndexFunc(roles, func(r *discordgo.Role) bool { return r.Name == name }); i >= 0 {
					mention = roles[i].Mention()
				}
			}
			if mention == "" {
				mention = fmt.Sprintf("`%s%s`", sigil, name)
			}
			words = append(words, mention+punctuation)
		}
		rendered = append(rendered, strings.Join(words, " "))
	}
	return strings.Join(rendered, "\n")
}

// welcomeChannel returns the first configured welcome channel that
// exists in the guild, or the guild's system channel
func welcomeChannel(admin ModuleConfig, channels []*discordgo.Channel, systemChannelID string) string {
	if configured, ok := admin[adminKeyChannelsWelcome].(map[string]any); ok {
		ids := make([]string, 0, len(configured))
		for id := range configured {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if slices.ContainsFunc(channels, func(c *discordgo.Channel) bool { return c.ID == id }) {
				return id
			}
		}
	}
	return systemChannelID
}

// handleMemberJoin sends the guild's welcome message, if one is
// configured, when a member joins
func (b *YATABot) handleMemberJoin(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	logger := contextLoggerOr(ctx, b.logger).With(
		defaultLogAttrGuild, m.GuildID,
		defaultLogAttrMember, m.User.ID,
	)

	cfg, ok := b.cache.Get(m.GuildID)
	if !ok {
		return
	}
	admin, _ := cfg.Module(ModuleAdmin)
	if !truthy(admin[adminKeyMessageWelcome]) {
		return
	}

	session := b.discord.session
	opt := discordgo.WithContext(ctx)
	guild, err := session.Guild(m.GuildID, opt)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild", tint.Err(err))
		return
	}
	channels, err := session.GuildChannels(m.GuildID, opt)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild channels", tint.Err(err))
		return
	}
	channelID := welcomeChannel(admin, channels, guild.SystemChannelID)
	if channelID == "" {
		logger.InfoContext(ctx, "no welcome channel")
		return
	}
	roles, err := session.GuildRoles(m.GuildID, opt)
	if err != nil {
		logger.ErrorContext(ctx, "error getting guild roles", tint.Err(err))
		return
	}

	text := renderWelcome(welcomeLines(admin[adminKeyMessageWelcome]), channels, roles, m.User.ID)
	if err = sendLong(ctx, session, channelID, text); err != nil {
		logger.ErrorContext(ctx, "error sending welcome message", defaultLogAttrChannel, channelID, tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "sent welcome message", defaultLogAttrChannel, channelID)
}
