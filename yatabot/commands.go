package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const (
	CommandSync       = "sync"
	CommandServers    = "servers"
	CommandInfo       = "info"
	CommandTalk       = "talk"
	CommandRTFM       = "rtfm"
	CommandClear      = "clear"
	CommandSuppress   = "suppress"
	CommandHelp       = "help"
	CommandAssign     = "assign"
	CommandBug        = "bug"
	CommandSuggestion = "suggestion"
)

// command is a prefix command, along with the checks run before it
type command struct {
	name string

	// guildOnly commands return ErrNoPrivateMessage in DMs
	guildOnly bool

	// ownerOnly commands are silently dropped for anyone but the owner
	ownerOnly bool

	// anyRole returns the role IDs allowed to run the command. The
	// author needs at least one of them.
	anyRole func(cfg *DiscordConfig) []string

	// permissions the author needs in the channel
	permissions int64

	// botPermissions the bot needs in the channel
	botPermissions int64

	run func(c *commandContext) error
}

// commandContext is passed to every command
type commandContext struct {
	ctx     context.Context
	bot     *YATABot
	session DiscordSessionHandler
	message *discordgo.MessageCreate
	name    string
	args    []string
	logger  *slog.Logger
}

func (c *commandContext) authorID() string {
	if c.message.Author == nil {
		return ""
	}
	return c.message.Author.ID
}

func (c *commandContext) authorName() string {
	if c.message.Member != nil && c.message.Member.Nick != "" {
		return c.message.Member.Nick
	}
	if c.message.Author == nil {
		return ""
	}
	if c.message.Author.GlobalName != "" {
		return c.message.Author.GlobalName
	}
	return c.message.Author.Username
}

// send sends text to the channel the command was used in
func (c *commandContext) send(text string) error {
	return sendLong(c.ctx, c.session, c.message.ChannelID, text)
}

// authorRoles returns the role IDs of the author in the current guild
func (c *commandContext) authorRoles() ([]string, error) {
	if c.message.Member != nil {
		return c.message.Member.Roles, nil
	}
	member, err := c.session.GuildMember(c.message.GuildID, c.authorID(), discordgo.WithContext(c.ctx))
	if err != nil {
		return nil, err
	}
	return member.Roles, nil
}

func (b *YATABot) newCommands() map[string]command {
	adminRole := func(cfg *DiscordConfig) []string {
		return []string{cfg.AdminRoleID}
	}
	helperOrAdmin := func(cfg *DiscordConfig) []string {
		return []string{cfg.HelperRoleID, cfg.AdminRoleID}
	}
	var manageMessages int64 = discordgo.PermissionManageMessages
	cmds := []command{
		{name: CommandSync, guildOnly: true, run: runSyncCommand},
		{name: CommandServers, ownerOnly: true, run: runServersCommand},
		{name: CommandInfo, anyRole: helperOrAdmin, run: runInfoCommand},
		{name: CommandTalk, anyRole: adminRole, run: runTalkCommand},
		{name: CommandRTFM, run: runRTFMCommand},
		{
			name:           CommandClear,
			guildOnly:      true,
			permissions:    manageMessages,
			botPermissions: manageMessages | discordgo.PermissionSendMessages | discordgo.PermissionReadMessageHistory,
			run:            runClearCommand,
		},
		{
			name:           CommandSuppress,
			guildOnly:      true,
			permissions:    manageMessages,
			botPermissions: manageMessages | discordgo.PermissionSendMessages | discordgo.PermissionReadMessageHistory,
			run:            runSuppressCommand,
		},
		{
			name:           CommandHelp,
			botPermissions: discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks,
			run:            runHelpCommand,
		},
		{
			name:           CommandAssign,
			guildOnly:      true,
			botPermissions: discordgo.PermissionSendMessages | discordgo.PermissionManageMessages,
			run:            runAssignCommand,
		},
		{name: CommandBug, anyRole: helperOrAdmin, run: runIssueCommand},
		{name: CommandSuggestion, anyRole: helperOrAdmin, run: runIssueCommand},
	}
	rv := make(map[string]command, len(cmds))
	for _, c := range cmds {
		rv[c.name] = c
	}
	return rv
}

// prefixes returns the command prefixes for a guild. Direct messages
// and unknown guilds use the default prefix.
func (b *YATABot) prefixes(guildID string) []string {
	if guildID == "" {
		return []string{DefaultCommandPrefix}
	}
	cfg, ok := b.cache.Get(guildID)
	if !ok {
		return []string{DefaultCommandPrefix}
	}
	return cfg.Prefixes()
}

// parseCommand splits a message into a command name and its arguments,
// if it starts with one of prefixes
func parseCommand(content string, prefixes []string) (name string, args []string, ok bool) {
	for _, p := range prefixes {
		rest, found := strings.CutPrefix(content, p)
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 || !strings.HasPrefix(rest, fields[0]) {
			return "", nil, false
		}
		return fields[0], fields[1:], true
	}
	return "", nil, false
}

// handleMessage routes a message to its prefix command, if any
func (b *YATABot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}

	name, args, ok := parseCommand(m.Content, b.prefixes(m.GuildID))
	if !ok {
		return
	}
	cmd, known := b.commands[name]
	if !known {
		return
	}

	logger := contextLoggerOr(ctx, b.logger).With(messageLogAttrs(m, name)...)
	ctx = WithLogger(ctx, logger)

	if b.paused.Load() {
		logger.InfoContext(ctx, "paused, ignoring command")
		return
	}

	c := &commandContext{
		ctx:     ctx,
		bot:     b,
		session: b.discord.session,
		message: m,
		name:    name,
		args:    args,
		logger:  logger,
	}
	logger.InfoContext(ctx, "command", "args", args)

	start := time.Now()
	err := b.checkCommand(c, cmd)
	if err == nil {
		err = cmd.run(c)
	}
	b.handleCommandError(c, err)
	b.logCommand(c, err, time.Since(start))
}

// checkCommand runs the checks of cmd
func (b *YATABot) checkCommand(c *commandContext, cmd command) error {
	m := c.message
	if cmd.ownerOnly && c.authorID() != b.config.Discord.OwnerID {
		return ErrNotAuthorized
	}
	if (cmd.guildOnly || cmd.anyRole != nil) && m.GuildID == "" {
		return ErrNoPrivateMessage
	}
	if cmd.anyRole != nil {
		roles, err := c.authorRoles()
		if err != nil {
			return fmt.Errorf("error getting author roles: %w", err)
		}
		allowed := cmd.anyRole(b.config.Discord)
		if !slices.ContainsFunc(roles, func(r string) bool { return slices.Contains(allowed, r) }) {
			return ErrMissingRole
		}
	}
	if cmd.permissions != 0 {
		perms, err := c.session.UserChannelPermissions(c.authorID(), m.ChannelID, discordgo.WithContext(c.ctx))
		if err != nil {
			return fmt.Errorf("error getting author permissions: %w", err)
		}
		if perms&cmd.permissions != cmd.permissions {
			return ErrMissingPermissions
		}
	}
	if cmd.botPermissions != 0 && m.GuildID != "" {
		perms, err := c.session.UserChannelPermissions(b.botUserID(), m.ChannelID, discordgo.WithContext(c.ctx))
		if err != nil {
			return fmt.Errorf("error getting bot permissions: %w", err)
		}
		if perms&cmd.botPermissions != cmd.botPermissions {
			return ErrBotMissingPermissions
		}
	}
	return nil
}

// handleCommandError reports a command error to wherever it belongs:
// usage errors back to the channel, DM-only errors to the author,
// permission errors to the channel, and anything else to the log channel
// of the main server.
func (b *YATABot) handleCommandError(c *commandContext, err error) {
	if err == nil {
		return
	}
	ctx := c.ctx
	logger := c.logger

	var inputErr UserInputError
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return
	case errors.Is(err, ErrNotAuthorized):
		logger.InfoContext(ctx, "not authorized")
		return
	case errors.As(err, &inputErr):
		if sendErr := c.send(inputErr.Message); sendErr != nil {
			logger.WarnContext(ctx, "error sending usage message", tint.Err(sendErr))
		}
		return
	}

	logger.InfoContext(ctx, "command error", tint.Err(err))

	switch {
	case errors.Is(err, ErrNoPrivateMessage):
		if dmErr := sendDM(ctx, c.session, c.authorID(), fmt.Sprintf(":x: %s", err)); dmErr != nil {
			logger.WarnContext(ctx, "error sending DM", tint.Err(dmErr))
		}
	case errors.Is(err, ErrMissingRole),
		errors.Is(err, ErrMissingPermissions),
		errors.Is(err, ErrBotMissingPermissions):
		if sendErr := c.send(fmt.Sprintf(":x: %s", err)); sendErr != nil {
			logger.WarnContext(ctx, "error sending error message", tint.Err(sendErr))
		}
	default:
		logger.ErrorContext(ctx, "unexpected command error", tint.Err(err))
		b.sendLogMain(ctx, c, err)
	}
}

// sendLogMain sends an unexpected error, with the details of the
// command, to the log channel of the main server
func (b *YATABot) sendLogMain(ctx context.Context, c *commandContext, err error) {
	channelID := b.config.Discord.LogChannelID
	if channelID == "" {
		return
	}
	m := c.message
	guild := m.GuildID
	if guild == "" {
		guild = "DM"
	} else if g, gErr := c.session.Guild(m.GuildID, discordgo.WithContext(ctx)); gErr == nil {
		guild = fmt.Sprintf("%s [%s]", g.Name, g.ID)
	}
	author := ""
	if m.Author != nil {
		author = fmt.Sprintf("%s [%s]", m.Author.Username, m.Author.ID)
	}
	lines := []string{
		"```md",
		"# Command error",
		fmt.Sprintf("< guild > %s", guild),
		fmt.Sprintf("< channel > %s", m.ChannelID),
		fmt.Sprintf("< author > %s", author),
		fmt.Sprintf("< command > %s", c.name),
		fmt.Sprintf("< message > %s", truncate(m.Content, 500)),
		fmt.Sprintf("< error > %s", err),
		"```",
	}
	if sendErr := sendLong(ctx, c.session, channelID, strings.Join(lines, "\n")); sendErr != nil {
		c.logger.ErrorContext(ctx, "error sending to log channel", tint.Err(sendErr))
	}
}

// logCommand saves a CommandLog record for a handled command
func (b *YATABot) logCommand(c *commandContext, err error, elapsed time.Duration) {
	if b.writeDB == nil {
		return
	}
	m := c.message
	rec := CommandLog{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		AuthorID:  c.authorID(),
		Author:    c.authorName(),
		Command:   c.name,
		Args:      strings.Join(c.args, " "),
		Duration:  elapsed.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if _, createErr := b.writeDB.Create(context.WithoutCancel(c.ctx), &rec); createErr != nil {
		c.logger.ErrorContext(c.ctx, "error saving command log", tint.Err(createErr))
	}
}

func (b *YATABot) botUserID() string {
	if id := b.discord.UserID(); id != "" {
		return id
	}
	return b.config.Discord.ApplicationID
}

// findChannelMessage looks for messageID in the recent history of a
// channel
func findChannelMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	channelID string,
	messageID string,
) (*discordgo.Message, error) {
	history, err := session.ChannelMessages(
		channelID,
		DefaultChannelHistoryLimit,
		"",
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error getting channel history: %w", err)
	}
	for _, msg := range history {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, nil
}

// isDigits reports whether s is a non-empty string of ASCII digits
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// channelMentionID returns the ID of a `<#id>` channel mention, or s
// itself if it's a bare ID
func channelMentionID(s string) string {
	if strings.HasPrefix(s, "<#") && strings.HasSuffix(s, ">") {
		return s[2 : len(s)-1]
	}
	return s
}
