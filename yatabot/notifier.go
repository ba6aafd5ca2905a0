package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "yata_bot_reload_runtime_config"
	postgresNotifyChannelGuildUpdated         = "yata_bot_guild_updated"
	postgresNotifyChannelStop                 = "yata_bot_stop"
	recordSeparator                           = string(rune(30))
)

var (
	dbNotifierSendTimeout  = 15 * time.Second
	dbNotifierRetryBackoff = 5 * time.Second
)

// DBNotifier notifies every bot instance sharing the database of
// runtime config changes, guild configuration changes, and stop requests.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig asks bot instances to reload their runtime
	// configuration from the DB
	ReloadRuntimeConfig(ctx context.Context) bool

	GuildUpdatedChannelName() string

	// GuildUpdated asks bot instances to reload a guild's stored
	// configuration into their cache
	GuildUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	// ID identifies this notifier, so instances can ignore their own
	// notifications
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *YATABot) (DBNotifier, error) {
	notifyID := uuid.NewString()
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, b: b, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, b: b, notifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier only notifies its own instance, since an sqlite
// database isn't shared
type sqliteNotifier struct {
	logger   *slog.Logger
	b        *YATABot
	notifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (*sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (*sqliteNotifier) GuildUpdatedChannelName() string {
	return ""
}

func (*sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.Info("got runtime config reload notification")
	select {
	case s.b.triggerRuntimeConfigRefreshCh <- true:
		return true
	case <-ctx.Done():
		s.logger.Warn("timeout sending runtime config refresh signal")
		return false
	}
}

func (s *sqliteNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	s.logger.Info("got guild update notification", defaultLogAttrGuild, guildID)
	select {
	case s.b.triggerGuildReloadCh <- guildID:
		return true
	case <-ctx.Done():
		s.logger.Warn("timeout sending guild reload", defaultLogAttrGuild, guildID)
		return false
	}
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.b.signalStop <- struct{}{}:
		return true
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
}

// postgresNotifier uses LISTEN/NOTIFY
type postgresNotifier struct {
	logger   *slog.Logger
	b        *YATABot
	notifyID string
}

func (*postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*postgresNotifier) GuildUpdatedChannelName() string {
	return postgresNotifyChannelGuildUpdated
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	err := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", "channel", channel, tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	return p.notify(ctx, p.GuildUpdatedChannelName(), newGuildUpdatedNotificationMessage(p.ID(), guildID))
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(dbNotifierRetryBackoff)
			continue
		}
		p.dispatch(ctx, logger, channel, notification.Payload)
	}
	return nil
}

func (p *postgresNotifier) dispatch(ctx context.Context, logger *slog.Logger, channel string, payload string) {
	if payload == p.ID() {
		logger.Debug("received notification from self, ignoring")
		return
	}

	switch channel {
	case p.RuntimeConfigChannelName():
		select {
		case p.b.triggerRuntimeConfigRefreshCh <- true:
			logger.InfoContext(ctx, "sent runtime config refresh signal")
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out sending runtime config refresh signal")
		}
	case p.GuildUpdatedChannelName():
		notifierID, guildID := parseGuildUpdatedNotification(payload)
		if notifierID == p.ID() {
			return
		}
		select {
		case p.b.triggerGuildReloadCh <- guildID:
			logger.InfoContext(ctx, "sent guild reload signal", defaultLogAttrGuild, guildID)
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out sending guild reload signal", defaultLogAttrGuild, guildID)
		}
	case p.StopChannelName():
		select {
		case p.b.signalStop <- struct{}{}:
			logger.InfoContext(ctx, "forwarded stop signal")
		case <-time.After(dbNotifierSendTimeout):
			logger.Warn("timed out forwarding stop signal")
		}
	default:
		logger.Warn("received unknown notification")
	}
}

func parseGuildUpdatedNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildUpdatedNotificationMessage(notifierID string, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}
