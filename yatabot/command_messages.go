package yatabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
)

const (
	// discordHistoryPageSize is the most messages discord returns per
	// history request
	discordHistoryPageSize = 100

	helpEmbedColor = 550000
)

// historyLimit parses the optional message count of `clear` and
// `suppress`. The invoking message counts as one.
func historyLimit(args []string) int {
	if len(args) > 0 && isDigits(args[0]) {
		if n, err := strconv.Atoi(args[0]); err == nil {
			return n + 1
		}
	}
	return DefaultChannelHistoryLimit
}

// channelHistory returns up to limit messages of a channel, newest
// first, paging backwards through the history
func channelHistory(
	ctx context.Context,
	session DiscordSessionHandler,
	channelID string,
	limit int,
) ([]*discordgo.Message, error) {
	var messages []*discordgo.Message
	before := ""
	for len(messages) < limit {
		pageSize := min(limit-len(messages), discordHistoryPageSize)
		page, err := session.ChannelMessages(channelID, pageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return messages, err
		}
		messages = append(messages, page...)
		if len(page) < pageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	return messages, nil
}

func runClearCommand(c *commandContext) error {
	m := c.message
	history, err := channelHistory(c.ctx, c.session, m.ChannelID, historyLimit(c.args))
	if err != nil {
		return fmt.Errorf("error getting channel history: %w", err)
	}
	deleted := 0
	for _, msg := range history {
		if msg.Pinned {
			continue
		}
		if err = c.session.ChannelMessageDelete(m.ChannelID, msg.ID, discordgo.WithContext(c.ctx)); err != nil {
			c.logger.WarnContext(c.ctx, "error deleting message, stopping", "message_id", msg.ID, tint.Err(err))
			break
		}
		deleted++
	}
	c.logger.InfoContext(c.ctx, "cleared messages", "deleted", deleted)
	return nil
}

func runSuppressCommand(c *commandContext) error {
	m := c.message
	if err := c.session.ChannelMessageDelete(m.ChannelID, m.ID, discordgo.WithContext(c.ctx)); err != nil {
		return fmt.Errorf("error deleting command message: %w", err)
	}
	history, err := channelHistory(c.ctx, c.session, m.ChannelID, historyLimit(c.args))
	if err != nil {
		return fmt.Errorf("error getting channel history: %w", err)
	}
	suppressed := 0
	for _, msg := range history {
		if msg.Pinned {
			continue
		}
		edit := discordgo.NewMessageEdit(m.ChannelID, msg.ID)
		edit.Flags = msg.Flags | discordgo.MessageFlagsSuppressEmbeds
		if _, err = c.session.ChannelMessageEditComplex(edit, discordgo.WithContext(c.ctx)); err != nil {
			c.logger.WarnContext(c.ctx, "error suppressing embeds, stopping", "message_id", msg.ID, tint.Err(err))
			break
		}
		suppressed++
	}
	c.logger.InfoContext(c.ctx, "suppressed embeds", "suppressed", suppressed)
	return nil
}

// helpEmbed builds the embed sent by `help`
func helpEmbed(links *LinksConfig) *discordgo.MessageEmbed {
	website := strings.TrimSuffix(links.Website, "/")
	return &discordgo.MessageEmbed{
		Title: "YATA bot help",
		Description: strings.Join(
			[]string{
				fmt.Sprintf("Have a look at the [online documentation](%s) or browse the links.", links.Documentation),
				fmt.Sprintf("If you need more information ping an @Helper in the [YATA server](%s).", links.Support),
			},
			"\n",
		),
		Color: helpEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "About the bot",
				Value: strings.Join(
					[]string{
						fmt.Sprintf("[General information](%s/bot/)", website),
						fmt.Sprintf("[Host the bot](%s/bot/host/)", website),
						fmt.Sprintf("[Dashboard](%s)", links.Dashboard),
					},
					"\n",
				),
				Inline: true,
			},
			{
				Name: "Links",
				Value: strings.Join(
					[]string{
						"[Official TORN verification](https://discordapp.com/api/oauth2/authorize?client_id=441210177971159041&redirect_uri=https%3A%2F%2Fwww.torn.com%2Fdiscord.php&response_type=code&scope=identify)",
						"[Permissions](https://discord.com/developers/docs/topics/permissions) / [hierarchy](https://discord.com/developers/docs/topics/permissions#permission-hierarchy)",
					},
					"\n",
				),
				Inline: true,
			},
			{
				Name: "Loot",
				Value: strings.Join(
					[]string{
						"[Forum tutorial](https://www.torn.com/forums.php#/p=threads&f=61&t=16121398)",
						fmt.Sprintf("[Loot level timers](%s/loot/)", website),
					},
					"\n",
				),
				Inline: true,
			},
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: website + "/static/images/logo.png"},
	}
}

func runHelpCommand(c *commandContext) error {
	_, err := c.session.ChannelMessageSendEmbed(
		c.message.ChannelID,
		helpEmbed(c.bot.config.Links),
		discordgo.WithContext(c.ctx),
	)
	return err
}
