package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"sort"
	"strings"
)

// syncGuild runs ConfigSync for a guild, then pushes the guild name to
// the YATA database and tells other bot instances to reload the guild.
// invokerID may be empty, in which case no admin check is made.
func (b *YATABot) syncGuild(ctx context.Context, guildID string, invokerID string) (SyncResult, error) {
	logger := contextLoggerOr(ctx, b.logger).With(defaultLogAttrGuild, guildID)

	meta, err := guildMetadata(ctx, b.discord.session, guildID, b.botUserID())
	if err != nil {
		return SyncResult{}, err
	}
	result, err := b.syncer.Sync(ctx, meta, invokerID)
	if err != nil {
		return result, err
	}

	if b.yata != nil {
		if pushErr := b.yata.PushGuildName(ctx, meta); pushErr != nil {
			logger.WarnContext(ctx, "error pushing guild name", tint.Err(pushErr))
		}
	}
	if b.dbNotifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbNotifierSendTimeout)
		defer cancel()
		b.dbNotifier.GuildUpdated(notifyCtx, guildID)
	}
	return result, nil
}

// renderAdmins renders the registered admins of a guild, the way `sync`
// lists them
func renderAdmins(
	ctx context.Context,
	session DiscordSessionHandler,
	guildID string,
	admins map[string]ServerAdmin,
	invokerID string,
	supportURL string,
) string {
	lines := []string{"```md", "# Bot admins"}
	if len(admins) == 0 {
		lines = append(lines, fmt.Sprintf("< no admins >\n\nAsk an @Helper for help: %s", supportURL))
	}
	ids := make([]string, 0, len(admins))
	for id := range admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		admin := admins[id]
		name := id
		if member, err := session.GuildMember(guildID, id, discordgo.WithContext(ctx)); err == nil && member.User != nil {
			name = member.User.Username
		}
		you := ""
		if id == invokerID {
			you = " (you)"
		}
		lines = append(
			lines,
			fmt.Sprintf("- < torn > %s [%d] < discord > %s [%s]%s", admin.Name, admin.TornID, name, id, you),
		)
	}
	lines = append(lines, "```")
	return strings.Join(lines, "\n")
}

func runSyncCommand(c *commandContext) error {
	b := c.bot
	m := c.message
	links := b.config.Links

	result, err := b.syncGuild(c.ctx, m.GuildID, c.authorID())
	if err != nil && !errors.Is(err, ErrNotServerAdmin) {
		c.logger.ErrorContext(c.ctx, "sync failed", tint.Err(err))
		return c.send(":x: Error while syncing the configuration, try again later.")
	}

	if result.Admins != nil {
		listing := renderAdmins(c.ctx, c.session, m.GuildID, result.Admins, c.authorID(), links.Support)
		if sendErr := c.send(listing); sendErr != nil {
			return sendErr
		}
	}

	updates := []string{"```md", "# Updates"}
	if errors.Is(err, ErrNotServerAdmin) {
		for _, change := range result.Changes {
			updates = append(updates, "- "+change)
		}
		updates = append(
			updates,
			fmt.Sprintf("< You need to be a server admin to continue > \n\nAsk an @Helper for help: %s", links.Support),
			"```",
		)
		return c.send(strings.Join(updates, "\n"))
	}

	updates = append(updates, renderChanges(result.Changes, result.Ignored)...)
	updates = append(updates, fmt.Sprintf("```Check out your dashboard: %s", links.Dashboard))
	return c.send(strings.Join(updates, "\n"))
}
