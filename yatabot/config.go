//nolint:lll // struct tags can't be split
package yatabot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "YATA_ENV_PREFIX"
	DefaultEnvPrefix      = "YATA"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "yata-bot.sqlite3"
	DefaultBotID          = 1
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout   = 60 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultCommandPrefix         = "!"
	discordMaxMessageLength      = 2000

	// IDs of the YATA bot owner and the main server roles
	DefaultDiscordOwnerID      = "227470975317311488"
	DefaultDiscordAdminRoleID  = "669682126203125760"
	DefaultDiscordHelperRoleID = "679669933680230430"
	DefaultDiscordHostRoleID   = "657131110077169664"
	DefaultDiscordYATARoleID   = "703674852476846171"
	DefaultDiscordReportEmoji  = "yata:655750002630590464"

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultReconcileEnabled          = false
	DefaultReconcileInterval         = 24 * time.Hour
	DefaultReconcileEditsPerSecond   = 1.0
	DefaultYATALookupTTL             = 10 * time.Minute
	DefaultGitHubOwner               = "kivou-2000607"
	DefaultChannelHistoryLimit       = 100
	DefaultRelayPreferredChannelName = "yata-admin"

	DefaultDocumentationURL = "https://yata.alwaysdata.net/bot/documentation/"
	DefaultDashboardURL     = "https://yata.alwaysdata.net/bot/dashboard/"
	DefaultSupportURL       = "https://yata.alwaysdata.net/discord"
	DefaultWebsiteURL       = "https://yata.alwaysdata.net"
)

var (
	DefaultGitHubRepositories = []string{"yata", "yata-bot"}

	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
		"Location",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// BotID identifies this bot instance in the shared configuration
	// database. Several bots (ex: the main bot and hosted copies) store
	// their guild configurations side by side, keyed by this ID.
	BotID uint `yaml:"bot_id" mapstructure:"bot_id" json:"bot_id" binding:"required"`

	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	API       *APIConfig       `yaml:"api" mapstructure:"api" json:"api" binding:"required"`
	YATA      *YATAConfig      `yaml:"yata" mapstructure:"yata" json:"yata" binding:"required"`
	GitHub    *GitHubConfig    `yaml:"github" mapstructure:"github" json:"github" binding:"required"`
	Reconcile *ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile" json:"reconcile" binding:"required"`
	Links     *LinksConfig     `yaml:"links" mapstructure:"links" json:"links" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to LogChannelID whenever the bot connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. Members and message content are privileged,
	// and must be enabled in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// OwnerID is the discord user allowed to run the `servers` command
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// MainServerID is the guild where the periodic role sweep runs
	MainServerID string `yaml:"main_server_id" mapstructure:"main_server_id" json:"main_server_id"`

	// LogChannelID receives unexpected command errors and the startup message
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	// AdminRoleID guards `talk`, `info`, `assign host|yata`, `bug` and `suggestion`
	AdminRoleID string `yaml:"admin_role_id" mapstructure:"admin_role_id" json:"admin_role_id"`

	// HelperRoleID guards `info`, `bug` and `suggestion`
	HelperRoleID string `yaml:"helper_role_id" mapstructure:"helper_role_id" json:"helper_role_id"`

	// HostRoleID is given to members registered as admin of any guild
	HostRoleID string `yaml:"host_role_id" mapstructure:"host_role_id" json:"host_role_id"`

	// YATARoleID is given to members with a YATA account
	YATARoleID string `yaml:"yata_role_id" mapstructure:"yata_role_id" json:"yata_role_id"`

	// ReportEmoji is added as a reaction to messages reported with `bug`
	// or `suggestion`, in the `name:id` form accepted by discord.
	ReportEmoji string `yaml:"report_emoji" mapstructure:"report_emoji" json:"report_emoji"`

	httpClient *http.Client
}

// ReconcileConfig configures the role sweeps.
type ReconcileConfig struct {
	// Enabled starts the periodic sweep on the main server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Interval between two periodic sweeps
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"required_if=Enabled true,omitempty,min=1m"`

	// ProgressEditsPerSecond caps how often a progress message is edited
	ProgressEditsPerSecond float64 `yaml:"progress_edits_per_second" mapstructure:"progress_edits_per_second" json:"progress_edits_per_second" binding:"gte=0"`
}

// YATAConfig configures access to the YATA website database, used to
// look up members' YATA accounts.
type YATAConfig struct {
	// Postgres connection string. If empty, YATA lookups are disabled.
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// LookupTTL is how long a successful account lookup is cached
	LookupTTL time.Duration `yaml:"lookup_ttl" mapstructure:"lookup_ttl" json:"lookup_ttl"`
}

// GitHubConfig configures where `bug` and `suggestion` reports are filed.
type GitHubConfig struct {
	// Personal access token with issue write access
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// Owner of the repositories
	Owner string `yaml:"owner" mapstructure:"owner" json:"owner" binding:"required"`

	// Repositories issues may be filed against
	Repositories []string `yaml:"repositories" mapstructure:"repositories" json:"repositories" binding:"required,min=1"`
}

// LinksConfig holds the URLs the bot points users to.
type LinksConfig struct {
	Documentation string `yaml:"documentation" mapstructure:"documentation" json:"documentation" binding:"required,url"`
	Dashboard     string `yaml:"dashboard" mapstructure:"dashboard" json:"dashboard" binding:"required,url"`
	Support       string `yaml:"support" mapstructure:"support" json:"support" binding:"required,url"`
	Website       string `yaml:"website" mapstructure:"website" json:"website" binding:"required,url"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// Enabled starts the admin API
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"required_if=Enabled true"`

	// If true, the SameSite attribute of the session cookie will be set to
	// 'None', and pprof endpoints are registered
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		BotID:                 DefaultBotID,
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			OwnerID:           DefaultDiscordOwnerID,
			AdminRoleID:       DefaultDiscordAdminRoleID,
			HelperRoleID:      DefaultDiscordHelperRoleID,
			HostRoleID:        DefaultDiscordHostRoleID,
			YATARoleID:        DefaultDiscordYATARoleID,
			ReportEmoji:       DefaultDiscordReportEmoji,
		},
		Reconcile: &ReconcileConfig{
			Enabled:                DefaultReconcileEnabled,
			Interval:               DefaultReconcileInterval,
			ProgressEditsPerSecond: DefaultReconcileEditsPerSecond,
		},
		YATA: &YATAConfig{
			LookupTTL: DefaultYATALookupTTL,
		},
		GitHub: &GitHubConfig{
			Owner:        DefaultGitHubOwner,
			Repositories: append([]string{}, DefaultGitHubRepositories...),
		},
		Links: &LinksConfig{
			Documentation: DefaultDocumentationURL,
			Dashboard:     DefaultDashboardURL,
			Support:       DefaultSupportURL,
			Website:       DefaultWebsiteURL,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// validateConfig checks cross-field rules the `binding` tags can't express
func validateConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok {
		return
	}
	if cfg.Reconcile != nil && cfg.Reconcile.Enabled && cfg.Discord != nil {
		if cfg.Discord.MainServerID == "" {
			sl.ReportError(
				cfg.Discord.MainServerID,
				"MainServerID",
				"main_server_id",
				"required_with_reconcile",
				"",
			)
		}
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateConfig, Config{})
}
