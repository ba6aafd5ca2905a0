package yatabot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnGuildConfigurationBotID        = "bot_id"
	columnGuildConfigurationGuildID      = "guild_id"
	columnGuildConfigurationGuildName    = "guild_name"
	columnGuildConfigurationVariables    = "variables"
	columnGuildConfigurationServerAdmins = "server_admins"
	columnGuildConfigurationSecret       = "secret"
	columnBotInstanceNServers            = "n_servers"
	columnUpdatedAt                      = "updated_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// GuildConfiguration is the stored configuration of one guild, for one
// bot instance. Variables is edited from the YATA dashboard and by `sync`.
// ServerAdmins and Secret are maintained by the dashboard only, the bot
// never writes them.
//
//nolint:lll // struct tags can't be split
type GuildConfiguration struct {
	ModelUintID
	ModelUnixTime
	BotID        uint                   `gorm:"not null;uniqueIndex:idx_bot_guild" json:"bot_id"`
	GuildID      string                 `gorm:"not null;uniqueIndex:idx_bot_guild" json:"guild_id"`
	GuildName    string                 `json:"guild_name"`
	Variables    Configuration          `gorm:"serializer:json;type:text" json:"variables"`
	ServerAdmins map[string]ServerAdmin `gorm:"serializer:json;type:text" json:"server_admins"`
	Secret       string                 `json:"-" log:"[redacted]"`
}

// BotInstance records bot-level state, keyed by [Config.BotID]
type BotInstance struct {
	ModelUintID
	ModelUnixTime
	BotID    uint `gorm:"not null;uniqueIndex" json:"bot_id"`
	NServers int  `json:"n_servers"`
}

// CommandLog is a record of one handled prefix command
type CommandLog struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `gorm:"index" json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	AuthorID  string `gorm:"index" json:"author_id"`
	Author    string `json:"author"`
	Command   string `gorm:"index" json:"command"`
	Args      string `json:"args"`
	Error     string `json:"error,omitempty"`
	Duration  int64  `json:"duration_ms"`
}

// DBI wraps write operations, so every write made by the bot shares the
// same locking and timeout behavior.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database serializes writes when concurrent writes aren't enabled
// (sqlite), and applies dbOperationTimeout to writes made with a context
// that has no deadline.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// begin locks (if needed) and returns a context bounded by
// dbOperationTimeout, along with a func releasing both
func (d *database) begin(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	ctx, done := d.begin(ctx)
	defer done()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// GuildConfigStore reads and writes [GuildConfiguration] records for a
// single bot instance. It is the bot's ConfigStore and AdminDirectory.
type GuildConfigStore struct {
	db     DBI
	botID  uint
	logger *slog.Logger
}

func NewGuildConfigStore(db DBI, botID uint, logger *slog.Logger) *GuildConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildConfigStore{
		db:     db,
		botID:  botID,
		logger: logger.With(loggerNameKey, "guild_config_store"),
	}
}

func (s *GuildConfigStore) find(ctx context.Context, guildID string) (
	*GuildConfiguration,
	error,
) {
	var rec GuildConfiguration
	err := s.db.DB().WithContext(ctx).Where(
		columnGuildConfigurationBotID+" = ? AND "+columnGuildConfigurationGuildID+" = ?",
		s.botID,
		guildID,
	).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

// Get returns the stored configuration of a guild. The bool is false
// when no record exists for the guild.
func (s *GuildConfigStore) Get(ctx context.Context, guildID string) (
	Configuration,
	bool,
	error,
) {
	rec, err := s.find(ctx, guildID)
	if err != nil || rec == nil {
		return nil, false, err
	}
	if rec.Variables == nil {
		return Configuration{}, true, nil
	}
	return rec.Variables, true, nil
}

// Set creates or updates the configuration of a guild. Only the name and
// variables of an existing record are updated.
func (s *GuildConfigStore) Set(
	ctx context.Context,
	guildID string,
	guildName string,
	cfg Configuration,
) error {
	rec := GuildConfiguration{
		BotID:     s.botID,
		GuildID:   guildID,
		GuildName: guildName,
		Variables: cfg,
	}
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: columnGuildConfigurationBotID},
						{Name: columnGuildConfigurationGuildID},
					},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							columnGuildConfigurationGuildName,
							columnGuildConfigurationVariables,
							columnUpdatedAt,
						},
					),
				},
			).Create(&rec).Error
		},
	)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"error saving configuration",
			defaultLogAttrGuild, guildID,
			tint.Err(err),
		)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// GetServerAdmins returns the registered admins of a guild, keyed by
// discord user ID, along with the guild's dashboard secret
func (s *GuildConfigStore) GetServerAdmins(
	ctx context.Context,
	guildID string,
) (map[string]ServerAdmin, string, error) {
	rec, err := s.find(ctx, guildID)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return map[string]ServerAdmin{}, "", nil
	}
	admins := rec.ServerAdmins
	if admins == nil {
		admins = map[string]ServerAdmin{}
	}
	return admins, rec.Secret, nil
}

// SetServerAdmins replaces the registered admins and secret of an
// existing guild record. The dashboard normally owns these, this is
// used by the admin API.
func (s *GuildConfigStore) SetServerAdmins(
	ctx context.Context,
	guildID string,
	admins map[string]ServerAdmin,
	secret string,
) error {
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			res := tx.Model(&GuildConfiguration{}).Where(
				columnGuildConfigurationBotID+" = ? AND "+columnGuildConfigurationGuildID+" = ?",
				s.botID,
				guildID,
			).Select(
				columnGuildConfigurationServerAdmins,
				columnGuildConfigurationSecret,
			).Updates(
				&GuildConfiguration{ServerAdmins: admins, Secret: secret},
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return gorm.ErrRecordNotFound
			}
			return nil
		},
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// LoadConfigurations returns every stored guild configuration of
// this bot, keyed by guild ID
func (s *GuildConfigStore) LoadConfigurations(ctx context.Context) (
	map[string]Configuration,
	error,
) {
	var recs []GuildConfiguration
	err := s.db.DB().WithContext(ctx).Where(
		columnGuildConfigurationBotID+" = ?",
		s.botID,
	).Order(columnGuildConfigurationGuildID).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	configs := make(map[string]Configuration, len(recs))
	for _, rec := range recs {
		cfg := rec.Variables
		if cfg == nil {
			cfg = Configuration{}
		}
		configs[rec.GuildID] = cfg
	}
	return configs, nil
}

// ListGuilds returns the stored records of this bot, without variables
func (s *GuildConfigStore) ListGuilds(ctx context.Context) ([]GuildConfiguration, error) {
	var recs []GuildConfiguration
	err := s.db.DB().WithContext(ctx).Omit(
		columnGuildConfigurationVariables,
	).Where(
		columnGuildConfigurationBotID+" = ?",
		s.botID,
	).Order(columnGuildConfigurationGuildID).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// SetNServers records how many guilds the bot is currently in
func (s *GuildConfigStore) SetNServers(ctx context.Context, n int) error {
	inst := BotInstance{BotID: s.botID, NServers: n}
	err := s.db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: columnGuildConfigurationBotID}},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnBotInstanceNServers, columnUpdatedAt},
					),
				},
			).Create(&inst).Error
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// CreateDB opens the database and migrates the schema. Used by the
// `init` command.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)

	slog.New(handler).InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&GuildConfiguration{},
				&BotInstance{},
				&RuntimeConfig{},
				&CommandLog{},
			)
		},
	)
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// configureSQLite limits sqlite to a single connection and applies
// sqliteExecPragma
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}
