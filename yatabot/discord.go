package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	// discordMemberPageSize is the largest page discord returns when
	// listing guild members
	discordMemberPageSize = 1000

	// discordGuildPageSize is the largest page discord returns when
	// listing the bot's guilds
	discordGuildPageSize = 200
)

// Discord manages the discord session, its event handlers and
// connection state.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// ready is closed the first time the gateway sends READY
	ready     chan struct{}
	readyOnce sync.Once

	// userID is the bot's own user ID, set on READY
	userID atomic.Value
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, errors.New("missing discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
		ready:                       make(chan struct{}),
	}, nil
}

// newSession initializes a new discordgo session wrapped in a
// DiscordSession
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.TrackMembers = false
	disc.State.TrackPresences = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// Ready returns a channel closed once the gateway session is ready
func (d *Discord) Ready() <-chan struct{} {
	return d.ready
}

// Connected reports whether the gateway connection is currently open
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

// UserID returns the bot's user ID, once known
func (d *Discord) UserID() string {
	if v, ok := d.userID.Load().(string); ok {
		return v
	}
	return ""
}

func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.userID.Store(userID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
		d.readyOnce.Do(func() { close(d.ready) })
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.LogChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.LogChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// DiscordStatus is reported by the health endpoint
type DiscordStatus struct {
	Connected   bool  `json:"connected"`
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
}

func (d *Discord) Status() DiscordStatus {
	return DiscordStatus{
		Connected:   d.connected.Load(),
		Connects:    d.metricConnects.Load(),
		Disconnects: d.metricDisconnects.Load(),
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used by
// the bot, so they can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify payload sent during the gateway handshake
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages of a channel, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// UserChannelCreate opens (or returns) the DM channel with a user
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// UserChannelPermissions returns the permission bits of a user in a channel
	UserChannelPermissions(
		userID string,
		channelID string,
		options ...discordgo.RequestOption,
	) (int64, error)

	// UserGuilds lists the guilds the bot is in
	UserGuilds(
		limit int,
		beforeID string,
		afterID string,
		withCounts bool,
		options ...discordgo.RequestOption,
	) ([]*discordgo.UserGuild, error)

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMember(guildID string, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)

	// GuildMembers returns up to limit members with IDs greater than after
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberRoleRemove(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			defaultLogAttrChannel, channelID,
		)
	} else {
		d.logger.Debug("sent message", defaultLogAttrChannel, channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, options...)
}

func (d DiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.session.StateEnabled && d.session.State != nil {
		if c, err := d.session.State.Channel(channelID); err == nil {
			return c, nil
		}
	}
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	options ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, options...)
}

func (d DiscordSession) UserGuilds(
	limit int,
	beforeID string,
	afterID string,
	withCounts bool,
	options ...discordgo.RequestOption,
) ([]*discordgo.UserGuild, error) {
	return d.session.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.StateEnabled && d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error adding role",
			tint.Err(err),
			defaultLogAttrGuild, guildID,
			defaultLogAttrMember, userID,
			defaultLogAttrRole, roleID,
		)
	}
	return err
}

func (d DiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.GuildMemberRoleRemove(guildID, userID, roleID, options...)
	if err != nil {
		d.logger.Error(
			"error removing role",
			tint.Err(err),
			defaultLogAttrGuild, guildID,
			defaultLogAttrMember, userID,
			defaultLogAttrRole, roleID,
		)
	}
	return err
}

// memberDisplayName returns the nickname, global name or username of a
// member, whichever is set first
func memberDisplayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func memberFromDiscord(m *discordgo.Member) Member {
	member := Member{
		DisplayName: memberDisplayName(m),
		Roles:       append([]string{}, m.Roles...),
	}
	if m.User != nil {
		member.ID = m.User.ID
		member.Username = m.User.Username
		member.Bot = m.User.Bot
	}
	return member
}

// discordRoles implements MembershipRoles over a discord session
type discordRoles struct {
	session  DiscordSessionHandler
	pageSize int
}

func newDiscordRoles(session DiscordSessionHandler) *discordRoles {
	return &discordRoles{session: session, pageSize: discordMemberPageSize}
}

// ListMembers pages through the members of a guild, in ID order
func (r *discordRoles) ListMembers(ctx context.Context, guildID string) ([]Member, error) {
	pageSize := r.pageSize
	if pageSize <= 0 || pageSize > discordMemberPageSize {
		pageSize = discordMemberPageSize
	}

	var members []Member
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return members, err
		}
		page, err := r.session.GuildMembers(guildID, after, pageSize, discordgo.WithContext(ctx))
		if err != nil {
			return members, err
		}
		for _, m := range page {
			if m == nil || m.User == nil {
				continue
			}
			members = append(members, memberFromDiscord(m))
		}
		if len(page) < pageSize || len(members) == 0 {
			return members, nil
		}
		after = members[len(members)-1].ID
	}
}

func (r *discordRoles) AddRole(ctx context.Context, guildID, memberID, roleID string) error {
	return r.session.GuildMemberRoleAdd(guildID, memberID, roleID, discordgo.WithContext(ctx))
}

func (r *discordRoles) RemoveRole(ctx context.Context, guildID, memberID, roleID string) error {
	return r.session.GuildMemberRoleRemove(guildID, memberID, roleID, discordgo.WithContext(ctx))
}

func (*discordRoles) HasRole(member Member, roleID string) bool {
	return member.hasRole(roleID)
}

// discordNotifier implements Notifier by sending and editing channel
// messages
type discordNotifier struct {
	session DiscordSessionHandler
}

func (n *discordNotifier) Send(ctx context.Context, channelID string, text string) (MessageHandle, error) {
	msg, err := n.session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return MessageHandle{}, err
	}
	return MessageHandle{ChannelID: msg.ChannelID, MessageID: msg.ID}, nil
}

func (n *discordNotifier) Edit(ctx context.Context, handle MessageHandle, text string) error {
	_, err := n.session.ChannelMessageEdit(handle.ChannelID, handle.MessageID, text, discordgo.WithContext(ctx))
	return err
}

// guildMetadata collects the live guild state ConfigSync rebuilds the
// admin module from
func guildMetadata(
	ctx context.Context,
	session DiscordSessionHandler,
	guildID string,
	botUserID string,
) (GuildMetadata, error) {
	opt := discordgo.WithContext(ctx)
	guild, err := session.Guild(guildID, opt)
	if err != nil {
		return GuildMetadata{}, fmt.Errorf("error getting guild: %w", err)
	}
	meta := GuildMetadata{
		GuildID:   guild.ID,
		GuildName: guild.Name,
		OwnerID:   guild.OwnerID,
		JoinedAt:  guild.JoinedAt,
		Channels:  map[string]string{},
		Roles:     map[string]string{},
	}

	channels, err := session.GuildChannels(guildID, opt)
	if err != nil {
		return meta, fmt.Errorf("error getting guild channels: %w", err)
	}
	for _, c := range channels {
		if c.Type == discordgo.ChannelTypeGuildText {
			meta.Channels[c.ID] = c.Name
		}
	}

	roles, err := session.GuildRoles(guildID, opt)
	if err != nil {
		return meta, fmt.Errorf("error getting guild roles: %w", err)
	}
	for _, r := range roles {
		meta.Roles[r.ID] = r.Name
	}

	if guild.OwnerID != "" {
		owner, ownerErr := session.GuildMember(guildID, guild.OwnerID, opt)
		if ownerErr == nil && owner.User != nil {
			meta.OwnerName = owner.User.Username
		}
	}
	if meta.JoinedAt.IsZero() && botUserID != "" {
		self, selfErr := session.GuildMember(guildID, botUserID, opt)
		if selfErr == nil {
			meta.JoinedAt = self.JoinedAt
		}
	}
	return meta, nil
}

// listBotGuilds pages through every guild the bot is in
func listBotGuilds(ctx context.Context, session DiscordSessionHandler) ([]*discordgo.UserGuild, error) {
	var guilds []*discordgo.UserGuild
	after := ""
	for {
		page, err := session.UserGuilds(discordGuildPageSize, "", after, false, discordgo.WithContext(ctx))
		if err != nil {
			return guilds, err
		}
		guilds = append(guilds, page...)
		if len(page) < discordGuildPageSize {
			return guilds, nil
		}
		after = page[len(page)-1].ID
	}
}

// sendDM sends a direct message to a user
func sendDM(ctx context.Context, session DiscordSessionHandler, userID string, text string) error {
	channel, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error opening DM channel: %w", err)
	}
	_, err = session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx))
	return err
}

// sendLong sends text to a channel, split into several messages if it
// exceeds the discord message length limit
func sendLong(ctx context.Context, session DiscordSessionHandler, channelID string, text string) error {
	var errs []error
	for _, chunk := range splitMessage(text, discordMaxMessageLength) {
		if _, err := session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
