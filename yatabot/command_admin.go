package yatabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
)

const talkFanOutLimit = 5

var rtfmModules = []string{
	ModuleAdmin,
	ModuleVerify,
	ModuleLoot,
	ModuleChain,
	ModuleRackets,
	ModuleStocks,
	ModuleRevive,
	"crimes",
	"api",
}

// ServerReport describes whether a guild the bot is in has a usable
// configuration
type ServerReport struct {
	GuildID    string `json:"guild_id"`
	GuildName  string `json:"guild_name"`
	Configured bool   `json:"configured"`
	HasAdmins  bool   `json:"has_admins"`
}

// serverReports compares the bot's guilds with the cached
// configurations. It returns a report per guild, and the IDs of cached
// configurations the bot isn't in anymore.
func serverReports(guilds []*discordgo.UserGuild, cache *ConfigCache) ([]ServerReport, []string) {
	reports := make([]ServerReport, 0, len(guilds))
	inGuild := make(map[string]bool, len(guilds))
	for _, g := range guilds {
		inGuild[g.ID] = true
		r := ServerReport{GuildID: g.ID, GuildName: g.Name}
		if cfg, ok := cache.Get(g.ID); ok {
			r.Configured = true
			r.HasAdmins = len(cfg.ServerAdmins()) > 0
		}
		reports = append(reports, r)
	}
	var orphans []string
	for _, id := range cache.GuildIDs() {
		if !inGuild[id] {
			orphans = append(orphans, id)
		}
	}
	return reports, orphans
}

func runServersCommand(c *commandContext) error {
	b := c.bot
	guilds, err := listBotGuilds(c.ctx, c.session)
	if err != nil {
		return fmt.Errorf("error listing guilds: %w", err)
	}

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(
		func() error {
			return b.store.SetNServers(ctx, len(guilds))
		},
	)

	reports, orphans := serverReports(guilds, b.cache)
	var lines []string
	for _, r := range reports {
		logger := c.logger.With(defaultLogAttrGuild, r.GuildID, "guild_name", r.GuildName)
		switch {
		case r.HasAdmins:
			logger.InfoContext(c.ctx, "bot in server: ok")
		case r.Configured:
			logger.InfoContext(c.ctx, "bot in server: no admin")
			lines = append(lines, fmt.Sprintf("Server %s [%s] with no admin", r.GuildName, r.GuildID))
		default:
			logger.InfoContext(c.ctx, "bot in server: no configuration")
			lines = append(lines, fmt.Sprintf("Server %s [%s] with no configuration", r.GuildName, r.GuildID))
		}
	}
	for _, id := range orphans {
		lines = append(lines, fmt.Sprintf("```No bot in configuration id %s```", id))
	}
	if len(lines) > 0 {
		g.Go(
			func() error {
				return c.send(strings.Join(lines, "\n"))
			},
		)
	}
	return g.Wait()
}

func runInfoCommand(c *commandContext) error {
	if len(c.args) == 0 || !isDigits(c.args[0]) {
		return userInputError("```md\n< error > !info < server id > or !info < member id >```")
	}
	id := c.args[0]
	b := c.bot
	opt := discordgo.WithContext(c.ctx)

	if cfg, ok := b.cache.Get(id); ok {
		guildName := id
		if guild, err := c.session.Guild(id, opt); err == nil {
			guildName = guild.Name
		}
		admins := cfg.ServerAdmins()
		ids := make([]string, 0, len(admins))
		for k := range admins {
			ids = append(ids, k)
		}
		sort.Strings(ids)

		lines := []string{fmt.Sprintf("```md\n# Admins of server %s [%s]", guildName, id), ""}
		for i, adminID := range ids {
			admin := admins[adminID]
			lines = append(lines, fmt.Sprintf("<Admin #%d>", i+1))
			if member, err := c.session.GuildMember(id, adminID, opt); err == nil && member.User != nil {
				lines = append(
					lines,
					fmt.Sprintf("< discord > %s [%s] aka %s", member.User.Username, adminID, memberDisplayName(member)),
				)
			} else {
				lines = append(lines, fmt.Sprintf("< discord > [%s] not found", adminID))
			}
			lines = append(lines, fmt.Sprintf("< torn > %s [%d]", admin.Name, admin.TornID))
		}
		lines = append(lines, "```")
		return c.send(strings.Join(lines, "\n"))
	}

	if guildIDs := b.cache.ContactGuilds(id); len(guildIDs) > 0 {
		var lines []string
		member, err := c.session.GuildMember(c.message.GuildID, id, opt)
		if err != nil || member.User == nil {
			lines = []string{fmt.Sprintf("```md\n# Discord member id %s not found in this server", id), ""}
		} else {
			lines = []string{
				fmt.Sprintf("```md\n# Discord member %s [%s] aka %s", member.User.Username, id, memberDisplayName(member)),
				"",
			}
		}
		for i, guildID := range guildIDs {
			guildName := ""
			if guild, gErr := c.session.Guild(guildID, opt); gErr == nil {
				guildName = guild.Name
			}
			lines = append(lines, fmt.Sprintf("<Server #%d> %s [%s]", i+1, guildName, guildID))
		}
		if b.yata != nil {
			lines = append(lines, "", yataAccountLine(c.ctx, b.yata, id))
		}
		lines = append(lines, "```")
		return c.send(strings.Join(lines, "\n"))
	}

	return c.send(fmt.Sprintf("```md\n< error > server or member id %s not found in the configuration```", id))
}

// yataAccountLine describes the YATA account linked to a discord ID
func yataAccountLine(ctx context.Context, yata *YATAClient, discordID string) string {
	user, err := yata.GetUser(ctx, discordID)
	switch {
	case err != nil:
		return "< yata > account lookup failed"
	case user == nil:
		return "< yata > no account"
	}
	key, err := yata.GetKey(ctx, user.TornID)
	keyStatus := "set"
	switch {
	case err != nil:
		keyStatus = "lookup failed"
	case key == "":
		keyStatus = "missing"
	}
	return fmt.Sprintf("< yata > %s [%d] API key %s", user.Name, user.TornID, keyStatus)
}

func runTalkCommand(c *commandContext) error {
	if len(c.args) != 2 || !isDigits(c.args[1]) {
		return userInputError(
			fmt.Sprintf(
				":x: You need to enter a channel and a message```!talk < #channel > < message_id >```Error: number of arguments = %d",
				len(c.args),
			),
		)
	}
	target, messageID := c.args[0], c.args[1]

	msg, err := findChannelMessage(c.ctx, c.session, c.message.ChannelID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return userInputError(fmt.Sprintf(":x: Message id `%s` not found in the channel recent history", messageID))
	}

	if target == "all_servers" {
		return talkAllServers(c, msg.Content)
	}

	channelID := channelMentionID(target)
	if !isDigits(channelID) {
		return userInputError(
			fmt.Sprintf(
				":x: You need to enter a channel and a message```!talk #channel < message_id >```Error: channel id = %s",
				channelID,
			),
		)
	}
	channel, err := c.session.Channel(channelID, discordgo.WithContext(c.ctx))
	if err != nil || channel.GuildID != c.message.GuildID {
		return userInputError(
			":x: You need to enter a channel and a message```!talk #channel < message_id >```Error: channel = None",
		)
	}
	if _, err = c.session.ChannelMessageSend(channel.ID, msg.Content, discordgo.WithContext(c.ctx)); err != nil {
		return fmt.Errorf("error relaying message: %w", err)
	}
	return c.send(fmt.Sprintf("Message send to %s```%s```", channel.Mention(), msg.Content))
}

// talkAllServers relays content to every guild the bot is in
func talkAllServers(c *commandContext, content string) error {
	guilds, err := listBotGuilds(c.ctx, c.session)
	if err != nil {
		return fmt.Errorf("error listing guilds: %w", err)
	}

	var sent atomic.Int64
	g, ctx := errgroup.WithContext(c.ctx)
	g.SetLimit(talkFanOutLimit)
	for _, guild := range guilds {
		g.Go(
			func() error {
				logger := c.logger.With(defaultLogAttrGuild, guild.ID, "guild_name", guild.Name)
				if relayToGuild(ctx, logger, c.session, guild.ID, content) {
					sent.Add(1)
				} else {
					logger.WarnContext(ctx, "failed to send message")
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	return c.send(fmt.Sprintf("Message sent to %d/%d servers```%s```", sent.Load(), len(guilds), content))
}

// relayToGuild sends content to the `yata-admin` channel of a guild, or
// else to the first text channel accepting it
func relayToGuild(
	ctx context.Context,
	logger *slog.Logger,
	session DiscordSessionHandler,
	guildID string,
	content string,
) bool {
	opt := discordgo.WithContext(ctx)
	channels, err := session.GuildChannels(guildID, opt)
	if err != nil {
		logger.WarnContext(ctx, "error getting guild channels", tint.Err(err))
		return false
	}
	var text []*discordgo.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			text = append(text, ch)
		}
	}
	slices.SortStableFunc(
		text, func(a, b *discordgo.Channel) int {
			return a.Position - b.Position
		},
	)

	if i := slices.IndexFunc(
		text,
		func(ch *discordgo.Channel) bool { return ch.Name == DefaultRelayPreferredChannelName },
	); i >= 0 {
		preferred := text[i]
		if _, err = session.ChannelMessageSend(preferred.ID, content, opt); err == nil {
			logger.InfoContext(ctx, "message sent", defaultLogAttrChannel, preferred.Name)
			return true
		}
		logger.InfoContext(ctx, "failed to send", defaultLogAttrChannel, preferred.Name, tint.Err(err))
	} else {
		logger.InfoContext(ctx, "yata-admin not found")
	}

	for _, ch := range text {
		if ch.Name == DefaultRelayPreferredChannelName {
			continue
		}
		if _, err = session.ChannelMessageSend(ch.ID, content, opt); err != nil {
			logger.InfoContext(ctx, "failed to send", defaultLogAttrChannel, ch.Name, tint.Err(err))
			continue
		}
		logger.InfoContext(ctx, "message sent", defaultLogAttrChannel, ch.Name)
		return true
	}
	return false
}

func runRTFMCommand(c *commandContext) error {
	anchor := ""
	if len(c.args) > 0 && slices.Contains(rtfmModules, c.args[0]) {
		anchor = "#" + c.args[0]
	}
	return c.send(c.bot.config.Links.Documentation + anchor)
}
