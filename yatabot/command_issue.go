package yatabot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"strings"
)

// messageJumpURL returns the link to a guild message
func messageJumpURL(guildID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// issueBody is the body of an issue reported from a discord message
func issueBody(msg *discordgo.Message, guildID string) string {
	author := ""
	if msg.Member != nil {
		author = memberDisplayName(msg.Member)
	}
	if author == "" && msg.Author != nil {
		author = msg.Author.GlobalName
		if author == "" {
			author = msg.Author.Username
		}
	}
	return strings.Join(
		[]string{msg.Content, "", author, messageJumpURL(guildID, msg.ChannelID, msg.ID)},
		"\n",
	)
}

// runIssueCommand files a `bug` or `suggestion` from a message of the
// channel's recent history. The command name is used as the label.
func runIssueCommand(c *commandContext) error {
	b := c.bot
	kind := c.name
	repos := b.config.GitHub.Repositories
	usage := fmt.Sprintf(
		":x: You need to give a repo name, a title and a discord message id to your %s: `!%s <%s> <title> <message id>`",
		kind,
		kind,
		strings.Join(repos, "|"),
	)
	if len(c.args) < 3 || !slices.Contains(repos, c.args[0]) || !isDigits(c.args[len(c.args)-1]) {
		return userInputError(usage)
	}
	repo := c.args[0]
	title := strings.Join(c.args[1:len(c.args)-1], " ")
	messageID := c.args[len(c.args)-1]

	msg, err := findChannelMessage(c.ctx, c.session, c.message.ChannelID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return userInputError(fmt.Sprintf(":x: Message id `%s` not found in the channel recent history", messageID))
	}

	ref, err := b.issues.CreateIssue(c.ctx, repo, title, issueBody(msg, c.message.GuildID), kind)
	if err != nil {
		_ = c.send(fmt.Sprintf("Failed to create the issue: %s", err))
		return err
	}
	c.logger.InfoContext(c.ctx, "reported issue", "repo", repo, "number", ref.Number, "url", ref.URL)

	if emoji := b.config.Discord.ReportEmoji; emoji != "" {
		if reactErr := c.session.MessageReactionAdd(
			msg.ChannelID,
			msg.ID,
			emoji,
			discordgo.WithContext(c.ctx),
		); reactErr != nil {
			c.logger.WarnContext(c.ctx, "error adding report reaction", tint.Err(reactErr))
		}
	}
	return c.send(fmt.Sprintf(":white_check_mark: Your %s has been reported.", kind))
}
