package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jellydator/ttlcache/v3"
	"log/slog"
	"strconv"
	"time"
)

const (
	yataQueryUserByDiscordID = `SELECT "tId", "name", "botPerm" FROM player_player WHERE "dId" = $1 LIMIT 1`
	yataQueryKey             = `SELECT "value" FROM player_key WHERE "tId" = $1 LIMIT 1`
	yataUpdateGuildName      = `UPDATE bot_guild SET "guildName"=$1, "guildOwnerId"=$2, "guildOwnerName"=$3 WHERE "guildId"=$4`
)

// yataQuerier is the subset of *pgxpool.Pool used by YATAClient
type yataQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// YATAUser is a player registered on the YATA website
type YATAUser struct {
	TornID  int64  `json:"torn_id"`
	Name    string `json:"name"`
	BotPerm bool   `json:"bot_perm"`
}

// YATAClient reads the YATA website database. It's the bot's
// ExternalAccountLookup.
type YATAClient struct {
	db       yataQuerier
	pool     *pgxpool.Pool
	accounts *ttlcache.Cache[string, bool]
	logger   *slog.Logger
}

// NewYATAClient connects to the YATA database. It returns nil and no
// error if cfg has no database configured.
func NewYATAClient(ctx context.Context, cfg *YATAConfig, logger *slog.Logger) (*YATAClient, error) {
	if cfg == nil || cfg.Database == "" {
		return nil, nil
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error parsing yata database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating yata connection pool: %w", err)
	}
	c := newYATAClient(pool, cfg.LookupTTL, logger)
	c.pool = pool
	return c, nil
}

func newYATAClient(db yataQuerier, ttl time.Duration, logger *slog.Logger) *YATAClient {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultYATALookupTTL
	}
	c := &YATAClient{
		db: db,
		accounts: ttlcache.New(
			ttlcache.WithTTL[string, bool](ttl),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		logger: logger.With(loggerNameKey, "yata_client"),
	}
	go c.accounts.Start()
	return c
}

// Close stops the lookup cache and closes the connection pool
func (c *YATAClient) Close() {
	c.accounts.Stop()
	if c.pool != nil {
		c.pool.Close()
	}
}

// GetUser returns the YATA user linked to a discord ID, or nil if
// there's none
func (c *YATAClient) GetUser(ctx context.Context, discordID string) (*YATAUser, error) {
	dID, err := strconv.ParseInt(discordID, 10, 64)
	if err != nil {
		return nil, nil
	}
	var user YATAUser
	err = c.db.QueryRow(ctx, yataQueryUserByDiscordID, dID).Scan(
		&user.TornID,
		&user.Name,
		&user.BotPerm,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting yata user: %w", err)
	}
	return &user, nil
}

// GetKey returns the stored API key of a torn player, or an empty
// string if there's none
func (c *YATAClient) GetKey(ctx context.Context, tornID int64) (string, error) {
	var key string
	err := c.db.QueryRow(ctx, yataQueryKey, tornID).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("error getting key: %w", err)
	}
	return key, nil
}

// PushGuildName writes the current name and owner of a guild to the
// YATA database
func (c *YATAClient) PushGuildName(ctx context.Context, meta GuildMetadata) error {
	guildID, err := strconv.ParseInt(meta.GuildID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid guild id %q: %w", meta.GuildID, err)
	}
	ownerID, err := strconv.ParseInt(meta.OwnerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid owner id %q: %w", meta.OwnerID, err)
	}
	tag, err := c.db.Exec(ctx, yataUpdateGuildName, meta.GuildName, ownerID, meta.OwnerName, guildID)
	if err != nil {
		return fmt.Errorf("error updating guild name: %w", err)
	}
	c.logger.DebugContext(
		ctx,
		"pushed guild name",
		defaultLogAttrGuild, meta.GuildID,
		"rows", tag.RowsAffected(),
	)
	return nil
}

// IsKnownAccount reports whether discordID is linked to a YATA account.
// Answers are cached, failed lookups aren't.
func (c *YATAClient) IsKnownAccount(ctx context.Context, discordID string) (bool, error) {
	var lookupErr error
	loader := ttlcache.LoaderFunc[string, bool](
		func(cache *ttlcache.Cache[string, bool], key string) *ttlcache.Item[string, bool] {
			user, err := c.GetUser(ctx, key)
			if err != nil {
				lookupErr = err
				return nil
			}
			return cache.Set(key, user != nil, ttlcache.DefaultTTL)
		},
	)
	item := c.accounts.Get(discordID, ttlcache.WithLoader[string, bool](loader))
	if lookupErr != nil {
		return false, lookupErr
	}
	if item == nil {
		return false, fmt.Errorf("no cached lookup for %s", discordID)
	}
	return item.Value(), nil
}
