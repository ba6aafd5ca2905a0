package yatabot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
)

const (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// RuntimeConfig holds the settings that can be changed while the bot is
// running (from the admin API), and which persist across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused bots ignore every command, and skip periodic role sweeps
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// ReconcileEnabled toggles the periodic role sweep. Only read when
	// the sweep is enabled in the static config as well.
	ReconcileEnabled bool `json:"reconcile_enabled" gorm:"not null;default:true"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitempty,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// DefaultRuntimeConfig returns the runtime config created on first start
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ReconcileEnabled:  true,
		LogLevel:          DBLogLevelInfo,
		DiscordLogLevel:   DBLogLevel(DefaultDiscordLogLevel.String()),
		DiscordGoLogLevel: DBLogLevel(DefaultDiscordgoLogLevel.String()),
		DatabaseLogLevel:  DBLogLevel(DefaultDatabaseLogLevel.String()),
		APILogLevel:       DBLogLevel(DefaultAPILogLevel.String()),
	}
}

// LogValue keeps the admin credentials out of the logs
func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

// RuntimeConfigUpdate is the payload of `PATCH /api/config`. Nil fields
// are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused           *bool `json:"paused,omitempty"`
	ReconcileEnabled *bool `json:"reconcile_enabled,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the changed columns of an update, for gorm's Updates
func (u RuntimeConfigUpdate) columns() map[string]any {
	cols := map[string]any{}
	if u.Paused != nil {
		cols[columnRuntimeConfigPaused] = *u.Paused
	}
	if u.ReconcileEnabled != nil {
		cols["reconcile_enabled"] = *u.ReconcileEnabled
	}
	if u.LogLevel != nil {
		cols["log_level"] = *u.LogLevel
	}
	if u.DiscordLogLevel != nil {
		cols["discord_log_level"] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		cols["discordgo_log_level"] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		cols["database_log_level"] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		cols["api_log_level"] = *u.APILogLevel
	}
	return cols
}

// loadRuntimeConfig returns the latest runtime config, creating the
// default one if none exists. The bool reports whether it was created.
func loadRuntimeConfig(ctx context.Context, db DBI) (RuntimeConfig, bool, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Last(&cfg).Error
	switch {
	case err == nil:
		return cfg, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, createErr := db.Create(ctx, &cfg); createErr != nil {
			return cfg, false, fmt.Errorf("error creating config: %w", createErr)
		}
		return cfg, true, nil
	default:
		return cfg, false, fmt.Errorf("error getting config: %w", err)
	}
}

// updateRuntimeConfig applies update to the stored config and returns
// the result
func updateRuntimeConfig(
	ctx context.Context,
	db DBI,
	current RuntimeConfig,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return current, err
	}
	cols := update.columns()
	if len(cols) == 0 {
		return current, nil
	}
	if _, err := db.Updates(ctx, &current, cols); err != nil {
		return current, err
	}
	var updated RuntimeConfig
	if err := db.DB().WithContext(ctx).First(&updated, current.ID).Error; err != nil {
		return current, err
	}
	return updated, nil
}

// setAdminCredentials stores the admin username and hashes password
func setAdminCredentials(
	ctx context.Context,
	db DBI,
	current *RuntimeConfig,
	username string,
	password string,
) error {
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	_, err = db.Updates(
		ctx,
		current,
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	return err
}
