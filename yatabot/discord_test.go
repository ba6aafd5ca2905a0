package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

var errFakeNotFound = errors.New("404 Not Found")

type fakeMessage struct {
	ChannelID string
	MessageID string
	Content   string
	Embed     *discordgo.MessageEmbed
}

// fakeSession is an in-memory DiscordSessionHandler. Guilds, channels,
// roles, members and channel history are set up by tests, and every
// write is recorded.
type fakeSession struct {
	mu sync.Mutex
	t  *testing.T

	guilds     map[string]*discordgo.Guild
	channels   map[string][]*discordgo.Channel
	roles      map[string][]*discordgo.Role
	members    map[string][]*discordgo.Member
	history    map[string][]*discordgo.Message
	userGuilds []*discordgo.UserGuild

	// permissions by user ID. Users not listed have every permission.
	permissions map[string]int64

	sendErr    map[string]error
	roleAddErr map[string]error
	membersErr error

	// memberDelay is slept before each GuildMembers page
	memberDelay time.Duration

	sent         []fakeMessage
	embeds       []fakeMessage
	edits        []fakeMessage
	complexEdits []*discordgo.MessageEdit
	deleted      []string
	reactions    []string
	roleAdds     []string
	roleRemoves  []string
	statuses     []discordgo.UpdateStatusData
	identify     discordgo.Identify
	opened       bool
	closed       bool
	nextID       int
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	return &fakeSession{
		t:           t,
		guilds:      map[string]*discordgo.Guild{},
		channels:    map[string][]*discordgo.Channel{},
		roles:       map[string][]*discordgo.Role{},
		members:     map[string][]*discordgo.Member{},
		history:     map[string][]*discordgo.Message{},
		permissions: map[string]int64{},
		sendErr:     map[string]error{},
		roleAddErr:  map[string]error{},
	}
}

func (f *fakeSession) addGuild(g *discordgo.Guild) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guilds[g.ID] = g
	f.userGuilds = append(f.userGuilds, &discordgo.UserGuild{ID: g.ID, Name: g.Name})
	slices.SortFunc(
		f.userGuilds, func(a, b *discordgo.UserGuild) int {
			return strings.Compare(a.ID, b.ID)
		},
	)
}

func (f *fakeSession) addChannel(guildID string, c *discordgo.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.GuildID = guildID
	f.channels[guildID] = append(f.channels[guildID], c)
}

func (f *fakeSession) addRole(guildID string, roleID string, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[guildID] = append(f.roles[guildID], &discordgo.Role{ID: roleID, Name: name})
}

func (f *fakeSession) addMember(guildID string, userID string, username string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[guildID] = append(
		f.members[guildID],
		&discordgo.Member{
			GuildID: guildID,
			User:    &discordgo.User{ID: userID, Username: username},
			Roles:   roles,
		},
	)
	slices.SortFunc(
		f.members[guildID], func(a, b *discordgo.Member) int {
			return strings.Compare(a.User.ID, b.User.ID)
		},
	)
}

// addHistory adds msgs to the history of a channel, msgs[0] being the
// newest
func (f *fakeSession) addHistory(channelID string, msgs ...*discordgo.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.ChannelID = channelID
	}
	f.history[channelID] = append(f.history[channelID], msgs...)
}

func (f *fakeSession) memberRoles(guildID string, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[guildID] {
		if m.User.ID == userID {
			return append([]string{}, m.Roles...)
		}
	}
	return nil
}

func (f *fakeSession) sentMessages() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMessage{}, f.sent...)
}

func (f *fakeSession) sentTo(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rv []string
	for _, m := range f.sent {
		if m.ChannelID == channelID {
			rv = append(rv, m.Content)
		}
	}
	return rv
}

func (f *fakeSession) editedMessages() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMessage{}, f.edits...)
}

func (f *fakeSession) newID() string {
	f.nextID++
	return fmt.Sprintf("9%09d", f.nextID)
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) AddHandler(_ any) func() {
	return func() {}
}

func (*fakeSession) SetHTTPClient(_ *http.Client) {}

func (f *fakeSession) SetIdentify(i discordgo.Identify) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identify = i
}

func (*fakeSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (f *fakeSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, data)
	return nil
}

func (f *fakeSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[channelID]; err != nil {
		return nil, err
	}
	id := f.newID()
	f.sent = append(f.sent, fakeMessage{ChannelID: channelID, MessageID: id, Content: content})
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[channelID]; err != nil {
		return nil, err
	}
	id := f.newID()
	f.embeds = append(f.embeds, fakeMessage{ChannelID: channelID, MessageID: id, Embed: embed})
	return &discordgo.Message{ID: id, ChannelID: channelID, Embeds: []*discordgo.MessageEmbed{embed}}, nil
}

func (f *fakeSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, fakeMessage{ChannelID: channelID, MessageID: messageID, Content: content})
	return &discordgo.Message{ID: messageID, ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complexEdits = append(f.complexEdits, m)
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel, Flags: m.Flags}, nil
}

func (f *fakeSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.history[channelID]
	start := 0
	if beforeID != "" {
		start = len(history)
		for i, m := range history {
			if m.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(history))
	return append([]*discordgo.Message{}, history[start:end]...), nil
}

func (f *fakeSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("%s/%s/%s", channelID, messageID, emojiID))
	return nil
}

func (f *fakeSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, channels := range f.channels {
		for _, c := range channels {
			if c.ID == channelID {
				return c, nil
			}
		}
	}
	return nil, errFakeNotFound
}

func (*fakeSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) UserChannelPermissions(
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.permissions[userID]; ok {
		return p, nil
	}
	return discordgo.PermissionAll, nil
}

func (f *fakeSession) UserGuilds(
	limit int,
	_ string,
	afterID string,
	_ bool,
	_ ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var page []*discordgo.UserGuild
	for _, g := range f.userGuilds {
		if afterID != "" && g.ID <= afterID {
			continue
		}
		page = append(page, g)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeSession) Guild(guildID string, _ ...discordgo.RequestOption) (*discordgo.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guilds[guildID]
	if !ok {
		return nil, errFakeNotFound
	}
	return g, nil
}

func (f *fakeSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.guilds[guildID]; !ok {
		return nil, errFakeNotFound
	}
	return append([]*discordgo.Channel{}, f.channels[guildID]...), nil
}

func (f *fakeSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.guilds[guildID]; !ok {
		return nil, errFakeNotFound
	}
	return append([]*discordgo.Role{}, f.roles[guildID]...), nil
}

func (f *fakeSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.members[guildID] {
		if m.User.ID == userID {
			member := *m
			member.Roles = append([]string{}, m.Roles...)
			return &member, nil
		}
	}
	return nil, errFakeNotFound
}

func (f *fakeSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	if f.memberDelay > 0 {
		time.Sleep(f.memberDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	var page []*discordgo.Member
	for _, m := range f.members[guildID] {
		if after != "" && m.User.ID <= after {
			continue
		}
		member := *m
		member.Roles = append([]string{}, m.Roles...)
		page = append(page, &member)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.roleAddErr[userID]; err != nil {
		return err
	}
	f.roleAdds = append(f.roleAdds, userID+"/"+roleID)
	for _, m := range f.members[guildID] {
		if m.User.ID == userID && !slices.Contains(m.Roles, roleID) {
			m.Roles = append(m.Roles, roleID)
		}
	}
	return nil
}

func (f *fakeSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleRemoves = append(f.roleRemoves, userID+"/"+roleID)
	for _, m := range f.members[guildID] {
		if m.User.ID == userID {
			m.Roles = slices.DeleteFunc(m.Roles, func(r string) bool { return r == roleID })
		}
	}
	return nil
}

func TestMemberDisplayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		member *discordgo.Member
		want   string
	}{
		{"nil", nil, ""},
		{"nick", &discordgo.Member{Nick: "nick", User: &discordgo.User{Username: "user"}}, "nick"},
		{
			"global name",
			&discordgo.Member{User: &discordgo.User{Username: "user", GlobalName: "global"}},
			"global",
		},
		{"username", &discordgo.Member{User: &discordgo.User{Username: "user"}}, "user"},
		{"no user", &discordgo.Member{}, ""},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.want, memberDisplayName(tc.member))
			},
		)
	}
}

func TestDiscordRoles_ListMembers(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	session.addGuild(&discordgo.Guild{ID: "100", Name: "guild"})
	for i := 0; i < 7; i++ {
		session.addMember("100", fmt.Sprintf("20%d", i), fmt.Sprintf("user%d", i), "r1")
	}

	roles := newDiscordRoles(session)
	roles.pageSize = 3

	members, err := roles.ListMembers(context.Background(), "100")
	require.NoError(t, err)
	require.Len(t, members, 7)
	for i, m := range members {
		assert.Equal(t, fmt.Sprintf("20%d", i), m.ID)
		assert.Equal(t, []string{"r1"}, m.Roles)
	}

	t.Run(
		"exact page multiple", func(t *testing.T) {
			roles.pageSize = 7
			members, err = roles.ListMembers(context.Background(), "100")
			require.NoError(t, err)
			assert.Len(t, members, 7)
		},
	)
}

func TestDiscordRoles_ListMembersError(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	session.membersErr = errors.New("boom")

	_, err := newDiscordRoles(session).ListMembers(context.Background(), "100")
	require.Error(t, err)
}

func TestDiscordRoles_AddRemove(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	session.addGuild(&discordgo.Guild{ID: "100"})
	session.addMember("100", "200", "user")

	roles := newDiscordRoles(session)
	ctx := context.Background()
	require.NoError(t, roles.AddRole(ctx, "100", "200", "300"))
	assert.Equal(t, []string{"300"}, session.memberRoles("100", "200"))

	members, err := roles.ListMembers(ctx, "100")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, roles.HasRole(members[0], "300"))

	require.NoError(t, roles.RemoveRole(ctx, "100", "200", "300"))
	assert.Empty(t, session.memberRoles("100", "200"))
}

func TestGuildMetadata(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	joined := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	session.addGuild(&discordgo.Guild{ID: "100", Name: "Guild", OwnerID: "200"})
	session.addChannel("100", &discordgo.Channel{ID: "110", Name: "general"})
	session.addChannel("100", &discordgo.Channel{ID: "111", Name: "voice", Type: discordgo.ChannelTypeGuildVoice})
	session.addRole("100", "120", "Admin")
	session.addMember("100", "200", "owner")
	session.members["100"] = append(
		session.members["100"],
		&discordgo.Member{User: &discordgo.User{ID: "999", Username: "bot"}, JoinedAt: joined},
	)

	meta, err := guildMetadata(context.Background(), session, "100", "999")
	require.NoError(t, err)
	assert.Equal(t, "100", meta.GuildID)
	assert.Equal(t, "Guild", meta.GuildName)
	assert.Equal(t, "200", meta.OwnerID)
	assert.Equal(t, "owner", meta.OwnerName)
	assert.Equal(t, map[string]string{"110": "general"}, meta.Channels)
	assert.Equal(t, map[string]string{"120": "Admin"}, meta.Roles)
	assert.True(t, joined.Equal(meta.JoinedAt))

	_, err = guildMetadata(context.Background(), session, "404", "999")
	assert.Error(t, err)
}

func TestListBotGuilds(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	for i := 0; i < discordGuildPageSize+5; i++ {
		session.userGuilds = append(session.userGuilds, &discordgo.UserGuild{ID: fmt.Sprintf("1%05d", i)})
	}
	guilds, err := listBotGuilds(context.Background(), session)
	require.NoError(t, err)
	assert.Len(t, guilds, discordGuildPageSize+5)
}

func TestSendLong(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	text := strings.Repeat(strings.Repeat("a", 99)+"\n", 30)

	require.NoError(t, sendLong(context.Background(), session, "1", text))
	sent := session.sentTo("1")
	require.Len(t, sent, 2)
	assert.Equal(t, text, sent[0]+sent[1])
	for _, s := range sent {
		assert.LessOrEqual(t, len(s), discordMaxMessageLength)
	}

	session.sendErr["2"] = errors.New("missing access")
	assert.Error(t, sendLong(context.Background(), session, "2", "hi"))
}

func TestSendDM(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	require.NoError(t, sendDM(context.Background(), session, "200", "hello"))
	assert.Equal(t, []string{"hello"}, session.sentTo("dm-200"))
}

func TestDiscordNotifier(t *testing.T) {
	t.Parallel()
	session := newFakeSession(t)
	n := &discordNotifier{session: session}
	ctx := context.Background()

	h, err := n.Send(ctx, "1", "start")
	require.NoError(t, err)
	assert.Equal(t, "1", h.ChannelID)
	assert.NotEmpty(t, h.MessageID)

	require.NoError(t, n.Edit(ctx, h, "done"))
	edits := session.editedMessages()
	require.Len(t, edits, 1)
	assert.Equal(t, h.MessageID, edits[0].MessageID)
	assert.Equal(t, "done", edits[0].Content)
}

func TestDiscord_Handlers(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Discord
	cfg.LogChannelID = "500"
	d, err := newDiscord(cfg)
	require.NoError(t, err)
	d.logger = slog.Default()
	session := newFakeSession(t)
	d.session = session

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	assert.Equal(t, []string{DefaultDiscordStartupMessage}, session.sentTo("500"))

	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "999", Username: "yata"}})
	assert.Equal(t, "999", d.UserID())
	select {
	case <-d.Ready():
	default:
		t.Fatal("expected ready to be closed")
	}
	// a second READY (on resume) doesn't close twice
	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "999"}})

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	status := d.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, int64(1), status.Connects)
	assert.Equal(t, int64(1), status.Disconnects)
}

func TestNewDiscord_MissingConfig(t *testing.T) {
	t.Parallel()
	_, err := newDiscord(nil)
	assert.Error(t, err)
}
