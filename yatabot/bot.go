package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	setupPollInterval           = 5 * time.Second
	runtimeConfigRefreshTimeout = 30 * time.Second
	guildReloadTimeout          = 30 * time.Second
	shutdownAnnouncementEvery   = 10 * time.Second
)

// YATABot is the YATA discord admin bot. It keeps the guild
// configurations of one bot instance cached, answers prefix commands,
// welcomes new members, and converges the host and YATA roles of the
// main server.
type YATABot struct {
	config *Config

	db         *gorm.DB
	writeDB    DBI
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	store      *GuildConfigStore
	cache      *ConfigCache
	syncer     *ConfigSyncer
	reconciler *RoleReconciler

	// yata is nil when YATA lookups aren't configured
	yata *YATAClient

	// accounts is only set when yata is
	accounts ExternalAccountLookup

	issues IssueTracker

	api        *API
	dbNotifier DBNotifier
	commands   map[string]command

	// A signal sent on this channel cancels the runtime context
	signalStop chan struct{}

	// A signal is sent on this channel once Run has opened the discord
	// session and started its background processes
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// Set while the admin API credentials haven't been configured. Run
	// holds after init until they are.
	pendingSetup atomic.Bool

	// Paused bots ignore commands and skip periodic role sweeps
	paused atomic.Bool

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildReloadCh          chan string
}

// New creates a YATABot from config. Nothing is opened until Run.
func New(config *Config) (*YATABot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &YATABot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		cache:                         NewConfigCache(),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildReloadCh:          make(chan string, 1),
	}
	defaultRuntimeConfig := DefaultRuntimeConfig()
	b.runtimeConfig = &defaultRuntimeConfig

	b.logHandler = newLogHandler(defaultLogWriter, b.config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, b.config.Discord.DiscordGoLogLevel),
	)

	disc.logger = slog.New(
		newLogHandler(defaultLogWriter, b.config.Discord.LogLevel),
	).With(loggerNameKey, "discord")
	b.discord = disc

	b.issues = NewGitHubIssues(b.config.GitHub, b.config.HTTPClient, b.logger)
	b.commands = b.newCommands()

	if b.config.API.Enabled {
		api, apiErr := newAPI(b, b.config.API)
		errs = append(errs, apiErr)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (b *YATABot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// reconcileEnabled reports whether periodic sweeps should run
func (b *YATABot) reconcileEnabled() bool {
	return b.config.Reconcile.Enabled && b.RuntimeConfig().ReconcileEnabled
}

func (b *YATABot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run starts the bot, and blocks until ctx is canceled or a stop signal
// is received (from the admin API, or another bot instance sharing the
// database), then shuts down gracefully.
func (b *YATABot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", b.config),
		slog.String("version", Version),
		slog.String("commit", CommitSHA),
	)
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown when
	// canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if closeErr := b.api.listener.Close(); closeErr != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(closeErr))
					}
				}()
			}
			return e
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := b.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}
	if ctx.Err() != nil {
		return nil
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	logger.InfoContext(ctx, "connecting to discord")
	if openErr := b.discord.session.Open(); openErr != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(openErr))
		return fmt.Errorf("error connecting to discord: %w", openErr)
	}

	b.startRuntimeConfigRefresher(ctx, runtimeWG)
	b.startGuildReloadListener(ctx, runtimeWG)

	if b.config.Reconcile.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			b.reconciler.RunPeriodic(
				ctx,
				b.discord.Ready(),
				b.config.Reconcile.Interval,
				b.periodicReconcileTargets,
			)
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range []string{
		b.dbNotifier.RuntimeConfigChannelName(),
		b.dbNotifier.GuildUpdatedChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, channel); e != nil {
				logger.ErrorContext(ctx, "error listening to notifications", "channel", channel, tint.Err(e))
			}
		}()
	}

	// block until something cancels the runtime context - generally an
	// interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads the runtime config and the cached
// guild configurations, and connects to the YATA database
func (b *YATABot) initRun(startCtx context.Context, ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	// the persisted paused state wins over a restart, so a bot paused
	// from the API stays paused if it crashes
	botState, created, err := loadRuntimeConfig(startCtx, b.writeDB)
	if err != nil {
		return err
	}
	if created {
		b.logger.InfoContext(ctx, "created runtime config")
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if b.api != nil && (botState.AdminUsername == "" || botState.AdminPassword == "") {
		b.pendingSetup.Store(true)
	}
	b.paused.Store(botState.Paused)
	b.setRuntimeLevels(botState)
	b.cfgMu.Lock()
	b.runtimeConfig = &botState
	b.cfgMu.Unlock()

	configs, err := b.store.LoadConfigurations(startCtx)
	if err != nil {
		return fmt.Errorf("error loading guild configurations: %w", err)
	}
	b.cache.Load(configs)
	b.logger.InfoContext(ctx, "loaded guild configurations", "guilds", b.cache.Len())

	if b.yata == nil {
		// the pool outlives startup, so it gets the runtime context
		yata, yataErr := NewYATAClient(ctx, b.config.YATA, b.logger)
		if yataErr != nil {
			return yataErr
		}
		if yata != nil {
			b.yata = yata
		} else {
			b.logger.WarnContext(ctx, "no YATA database configured, yata role sweeps are disabled")
		}
	}
	if b.yata != nil && b.accounts == nil {
		b.accounts = b.yata
	}
	return nil
}

func (b *YATABot) initDB(ctx context.Context) error {
	logger := contextLoggerOr(ctx, b.logger)

	handler := newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)

	if b.db == nil {
		db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		b.db = db
	}

	if b.config.DatabaseType == dbTypeSQLite {
		if err := configureSQLite(ctx, b.db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err := migrate(ctx, b.db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	b.writeDB = NewDatabase(b.db, b.logger, b.config.DatabaseType == dbTypePostgres)
	b.store = NewGuildConfigStore(b.writeDB, b.config.BotID, b.logger)
	b.syncer = NewConfigSyncer(b.store, b.store, b.cache, b.logger)
	return nil
}

// waitOnSetup holds until admin credentials are set from the API, so
// the bot can be configured (or stopped) before it starts answering
func (b *YATABot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !b.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			b.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			if err := b.db.WithContext(ctx).Last(&runtimeState).Error; err != nil {
				logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(setupPollInterval):
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return b.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		b.pendingSetup.Store(false)
	}
	return nil
}

// presence returns the gateway status matching the paused state
func presence(paused bool) discordgo.UpdateStatusData {
	if paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.UpdateStatusData{Status: string(discordgo.StatusOnline)}
}

func (b *YATABot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	status := presence(b.paused.Load())
	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				AFK:    status.AFK,
				Status: status.Status,
			},
		},
	)

	if b.reconciler == nil {
		b.reconciler = NewRoleReconciler(
			newDiscordRoles(b.discord.session),
			&discordNotifier{session: b.discord.session},
			b.config.Reconcile.ProgressEditsPerSecond,
			b.logger,
		)
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							handleRecover(ctx, rc)
						}
					}()
					b.handleMessage(ctx, m)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							handleRecover(ctx, rc)
						}
					}()
					b.handleMemberJoin(ctx, m)
				}()
			},
		),
	}
	return nil
}

// startRuntimeConfigRefresher reloads the runtime config whenever a
// refresh is triggered (by the API, or by another bot instance)
func (b *YATABot) startRuntimeConfigRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.triggerRuntimeConfigRefreshCh:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				if err := b.refreshRuntimeConfig(refreshCtx); err != nil {
					b.logger.ErrorContext(ctx, "error refreshing runtime config", tint.Err(err))
				}
				refreshCancel()
			}
		}
	}()
}

// refreshRuntimeConfig loads the latest runtime config and applies the
// changed paused state and log levels
func (b *YATABot) refreshRuntimeConfig(ctx context.Context) error {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	var latest RuntimeConfig
	if err := b.db.WithContext(ctx).Last(&latest).Error; err != nil {
		return fmt.Errorf("error getting runtime config: %w", err)
	}
	b.applyRuntimeConfig(ctx, latest)
	b.logger.InfoContext(ctx, "refreshed runtime config")
	return nil
}

// applyRuntimeConfig swaps in cfg. The caller holds cfgMu.
func (b *YATABot) applyRuntimeConfig(ctx context.Context, cfg RuntimeConfig) {
	if wasPaused := b.paused.Swap(cfg.Paused); wasPaused != cfg.Paused {
		b.logger.InfoContext(ctx, "paused state changed", "paused", cfg.Paused)
		b.updatePresence(ctx, cfg.Paused)
	}
	b.runtimeConfig = &cfg
	b.setRuntimeLevels(cfg)
}

func (b *YATABot) updatePresence(ctx context.Context, paused bool) {
	if b.discord.session == nil || !b.discord.Connected() {
		return
	}
	if err := b.discord.session.UpdateStatusComplex(presence(paused)); err != nil {
		b.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// startGuildReloadListener replaces a cached guild configuration with
// its stored one, when another instance (or a sync) updated it
func (b *YATABot) startGuildReloadListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-b.triggerGuildReloadCh:
				reloadCtx, reloadCancel := context.WithTimeout(ctx, guildReloadTimeout)
				b.reloadGuild(reloadCtx, guildID)
				reloadCancel()
			}
		}
	}()
}

func (b *YATABot) reloadGuild(ctx context.Context, guildID string) {
	logger := b.logger.With(defaultLogAttrGuild, guildID)
	cfg, found, err := b.store.Get(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error reloading guild configuration", tint.Err(err))
		return
	}
	if !found {
		logger.WarnContext(ctx, "no stored configuration to reload")
		return
	}
	b.cache.Replace(guildID, cfg)
	logger.InfoContext(ctx, "reloaded guild configuration")
}

// setRuntimeLevels sets the log levels of every component from state
func (b *YATABot) setRuntimeLevels(state RuntimeConfig) {
	b.config.LogLevel.Set(state.LogLevel.Level())
	b.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	b.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	b.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	b.config.API.LogLevel.Set(state.APILogLevel.Level())
}

// Pause makes the bot ignore commands and skip periodic sweeps. It
// returns false if the bot was already paused.
func (b *YATABot) Pause(ctx context.Context) bool {
	return b.setPaused(ctx, true)
}

// Resume undoes Pause. It returns false if the bot wasn't paused.
func (b *YATABot) Resume(ctx context.Context) bool {
	return b.setPaused(ctx, false)
}

func (b *YATABot) setPaused(ctx context.Context, paused bool) bool {
	if prev := b.paused.Swap(paused); prev == paused {
		b.logger.WarnContext(ctx, "paused state unchanged", "paused", paused)
		return false
	}
	b.logger.InfoContext(ctx, "paused state changed", "paused", paused)
	b.updatePresence(ctx, paused)

	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if b.runtimeConfig.Paused != paused && b.writeDB != nil {
		if _, err := b.writeDB.Update(
			ctx,
			b.runtimeConfig,
			columnRuntimeConfigPaused,
			paused,
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
		b.runtimeConfig.Paused = paused
	}
	return true
}

func (b *YATABot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		b.forceClose()
		return errors.New("immediate shutdown requested")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementEvery)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// wait for in-flight commands, sweeps and listeners
		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				if n := len(b.discord.discordgoRemoveHandlerFuncs); n > 0 {
					b.logger.InfoContext(ctx, fmt.Sprintf("removing %d discord handlers", n))
					for _, h := range b.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					b.discord.discordgoRemoveHandlerFuncs = nil
				}
			}()
		}

		if b.yata != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing yata database")
				b.yata.Close()
			}()
		}

		go func() {
			b.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			b.logger.Warn("in-flight events did not stop in time, forcing close")
			b.forceClose()
			return errors.New("in-flight events did not stop in time")
		}
	}
}

func (b *YATABot) forceClose() {
	if b.api != nil && b.api.httpServer != nil {
		go func() {
			_ = b.api.httpServer.Close()
		}()
	}
	if b.discord.session != nil {
		go func() {
			_ = b.discord.session.Close()
		}()
	}
}
