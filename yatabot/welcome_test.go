package yatabot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestWelcomeLines(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, welcomeLines([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, welcomeLines([]any{"a", 1, "b"}))
	assert.Equal(t, []string{"a", "b"}, welcomeLines("a\nb"))
	assert.Nil(t, welcomeLines(nil))
	assert.Nil(t, welcomeLines(map[string]any{"a": "b"}))
}

func TestRenderWelcome(t *testing.T) {
	t.Parallel()
	channels := []*discordgo.Channel{
		{ID: "1", Name: "general"},
		{ID: "2", Name: "read the rules"},
	}
	roles := []*discordgo.Role{{ID: "10", Name: "Helper"}}

	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "plain",
			lines: []string{"Hello there", "General Kenobi"},
			want:  "Hello there\nGeneral Kenobi",
		},
		{
			name:  "new member",
			lines: []string{"Welcome @new_member!"},
			want:  "Welcome <@42>!",
		},
		{
			name:  "channels",
			lines: []string{"Go to #read_the_rules, then #general."},
			want:  "Go to <#2>, then <#1>.",
		},
		{
			name:  "roles",
			lines: []string{"Ping @Helper?!"},
			want:  "Ping <@&10>?!",
		},
		{
			name:  "not found",
			lines: []string{"See #nope and @Nobody_Here."},
			want:  "See `#nope` and `@Nobody Here`.",
		},
		{
			name:  "extra spaces",
			lines: []string{"  a   b  "},
			want:  "a b",
		},
		{
			name:  "lone sigils",
			lines: []string{"# title @"},
			want:  "`#` title `@`",
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, renderWelcome(tt.lines, channels, roles, "42"))
			},
		)
	}
}

func TestWelcomeChannel(t *testing.T) {
	t.Parallel()
	channels := []*discordgo.Channel{{ID: "1"}, {ID: "2"}}

	assert.Equal(t, "sys", welcomeChannel(ModuleConfig{}, channels, "sys"))
	assert.Equal(
		t,
		"2",
		welcomeChannel(ModuleConfig{adminKeyChannelsWelcome: map[string]any{"2": "welcome", "0": "gone"}}, channels, "sys"),
	)
	assert.Equal(
		t,
		"sys",
		welcomeChannel(ModuleConfig{adminKeyChannelsWelcome: map[string]any{"0": "gone"}}, channels, "sys"),
	)
}

func newMemberJoin(userID string) *discordgo.GuildMemberAdd {
	return &discordgo.GuildMemberAdd{
		Member: &discordgo.Member{
			GuildID: testGuildID,
			User:    &discordgo.User{ID: userID, Username: "newbie"},
		},
	}
}

func TestHandleMemberJoin(t *testing.T) {
	t.Parallel()
	bot := newTestBot(
		t,
		seedMainGuild(
			Configuration{
				ModuleAdmin: {
					adminKeyMessageWelcome: []any{
						"Welcome @new_member!",
						"Read #read_the_rules and ping @Helper, not @Nobody.",
					},
					adminKeyChannelsWelcome: map[string]any{testWelcomeID: "welcome"},
				},
			},
		),
	)
	ctx := context.Background()

	bot.handleMemberJoin(ctx, newMemberJoin("200000000000000042"))

	sent := bot.session.sentTo(testWelcomeID)
	require.Len(t, sent, 1)
	assert.Equal(
		t,
		"Welcome <@200000000000000042>!\nRead <#"+testRulesID+"> and ping <@&"+bot.config.Discord.HelperRoleID+">, not `@Nobody`.",
		sent[0],
	)

	t.Run(
		"bots", func(t *testing.T) {
			join := newMemberJoin("200000000000000043")
			join.User.Bot = true
			bot.handleMemberJoin(ctx, join)
			assert.Len(t, bot.session.sentTo(testWelcomeID), 1)
		},
	)

	t.Run(
		"unknown guild", func(t *testing.T) {
			join := newMemberJoin("200000000000000044")
			join.GuildID = testOtherGuildID
			bot.handleMemberJoin(ctx, join)
			assert.Len(t, bot.session.sentMessages(), 1)
		},
	)
}

func TestHandleMemberJoin_SystemChannel(t *testing.T) {
	t.Parallel()
	bot := newTestBot(
		t,
		seedMainGuild(Configuration{ModuleAdmin: {adminKeyMessageWelcome: "Hi @new_member"}}),
	)
	bot.handleMemberJoin(context.Background(), newMemberJoin("200000000000000042"))
	assert.Equal(t, []string{"Hi <@200000000000000042>"}, bot.session.sentTo(testChannelID))
}

func TestHandleMemberJoin_NoMessage(t *testing.T) {
	t.Parallel()
	bot := newTestBot(t, seedMainGuild(Configuration{ModuleAdmin: {adminKeyMessageWelcome: ""}}))
	bot.handleMemberJoin(context.Background(), newMemberJoin("200000000000000042"))
	assert.Empty(t, bot.session.sentMessages())
}
