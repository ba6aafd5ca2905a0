package cmd

import (
	"context"
	"fmt"
	"github.com/arushi18p/yata-bot/yatabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = yatabot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a log level
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are the config keys holding a list, given as a
// space-separated string in the environment
var sliceKeys = []string{
	"github.repositories",
	"api.cors.allow_headers",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "yata-bot [flags]",
	Short: "YATA discord bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		*cfg = *yatabot.DefaultConfig()
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *yatabot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("bot_id", yatabot.DefaultBotID)
	viper.SetDefault("database", yatabot.DefaultDatabase)
	viper.SetDefault("database_type", yatabot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", yatabot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", yatabot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", yatabot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", yatabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", yatabot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", yatabot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", yatabot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", yatabot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", yatabot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.owner_id", yatabot.DefaultDiscordOwnerID)
	viper.SetDefault("discord.main_server_id", "")
	viper.SetDefault("discord.log_channel_id", "")
	viper.SetDefault("discord.admin_role_id", yatabot.DefaultDiscordAdminRoleID)
	viper.SetDefault("discord.helper_role_id", yatabot.DefaultDiscordHelperRoleID)
	viper.SetDefault("discord.host_role_id", yatabot.DefaultDiscordHostRoleID)
	viper.SetDefault("discord.yata_role_id", yatabot.DefaultDiscordYATARoleID)
	viper.SetDefault("discord.report_emoji", yatabot.DefaultDiscordReportEmoji)

	// Role sweeps
	viper.SetDefault("reconcile.enabled", yatabot.DefaultReconcileEnabled)
	viper.SetDefault("reconcile.interval", yatabot.DefaultReconcileInterval)
	viper.SetDefault("reconcile.progress_edits_per_second", yatabot.DefaultReconcileEditsPerSecond)

	// YATA lookups
	viper.SetDefault("yata.database", "")
	viper.SetDefault("yata.lookup_ttl", yatabot.DefaultYATALookupTTL)

	// GitHub issues
	viper.SetDefault("github.token", "")
	viper.SetDefault("github.owner", yatabot.DefaultGitHubOwner)
	viper.SetDefault("github.repositories", yatabot.DefaultGitHubRepositories)

	viper.SetDefault("links.documentation", yatabot.DefaultDocumentationURL)
	viper.SetDefault("links.dashboard", yatabot.DefaultDashboardURL)
	viper.SetDefault("links.support", yatabot.DefaultSupportURL)
	viper.SetDefault("links.website", yatabot.DefaultWebsiteURL)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", yatabot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", yatabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", yatabot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", yatabot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", yatabot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", yatabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", yatabot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", yatabot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", yatabot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", yatabot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", yatabot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", yatabot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", yatabot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.Reset()
	setDefaults()

	viper.SetEnvPrefix(envPrefix())
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// envPrefix is the prefix of config environment variables
func envPrefix() string {
	if p := os.Getenv(yatabot.EnvvarSetEnvPrefix); p != "" {
		return p
	}
	return yatabot.DefaultEnvPrefix
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load the config from",
	)
}
