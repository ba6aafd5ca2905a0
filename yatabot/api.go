package yatabot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiPathLoggedIn    = "/logged_in"
	apiHealthCheck     = "/healthz"
	apiPathSetup       = "/setup"
	apiPathSetupStatus = "/setup/status"
	apiPathConfig      = "/config"
	apiPathPause       = "/pause"
	apiPathResume      = "/resume"
	apiPathQuit        = "/quit"
	apiPathGuilds      = "/guilds"
	apiPathGuild       = "/guild/:id"
	apiPathGuildSync   = "/guild/:id/sync"
	apiPathServers     = "/servers"
	apiPathReconcile   = "/reconcile/:kind"
	apiPathCommandLogs = "/command_logs"
)

const (
	redactedValue         = "[redacted]"
	defaultPageLimit      = 25
	apiNotifyTimeout      = 30 * time.Second
	loginRequestsPerSec   = 1
	apiDiscordNotReadyMsg = "discord session not ready"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP API of the bot
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	// runtimeCtx is the context passed to Serve. Background work started
	// from a request (ex: a reconcile pass) uses it, so it outlives the
	// request but not the bot.
	runtimeCtx context.Context

	handlers *APIHandlers
}

func newAPI(b *YATABot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newLogHandler(defaultLogWriter, config.LogLevel))

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(loginRequestsPerSec), 1),
		logger:              setupLogger.With(loggerNameKey, "api"),
		runtimeCtx:          context.Background(),
	}
	apiHandlers := NewAPIHandlers(b, api)
	api.handlers = apiHandlers
	api.store = apiHandlers.store

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		sessions.Sessions(sessionVarName, apiHandlers.store),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)
	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b, api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.pause)
	protected.POST(apiPathResume, apiHandlers.resume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuild, apiHandlers.getGuild)
	protected.POST(apiPathGuildSync, apiHandlers.syncGuild)
	protected.GET(apiPathServers, apiHandlers.getServers)
	protected.POST(apiPathReconcile, apiHandlers.startReconcile)
	protected.GET(apiPathCommandLogs, apiHandlers.getCommandLogs)

	return api, nil
}

// Serve listens on the configured address, over TLS when a certificate
// is configured, until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	a.runtimeCtx = ctx
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (*API) getSessionUsername(c *gin.Context) (string, error) {
	username, ok := sessions.Default(c).Get(sessionVarField).(string)
	if !ok || username == "" {
		return "", errors.New("username not found in session")
	}
	return username, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers holds the handlers of the admin API
type APIHandlers struct {
	b      *YATABot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(b *YATABot, api *API) *APIHandlers {
	logger := b.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(b.config.API))
	return &APIHandlers{b: b, api: api, logger: logger, store: store}
}

// sessionOptions returns the session cookie options. SameSite=None in
// development lets a UI served from another origin log in.
func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   config.SSL.Cert != "" || config.Development,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.b.pendingSetup.Load()})
}

// adminSetup sets the admin credentials, once
func (h *APIHandlers) adminSetup(c *gin.Context) {
	b := h.b
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if !b.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")

	var payload adminSetupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := setAdminCredentials(ctx, b.writeDB, b.runtimeConfig, payload.Username, payload.Password); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	var updated RuntimeConfig
	if err := b.writeDB.DB().WithContext(ctx).First(&updated, b.runtimeConfig.ID).Error; err != nil {
		logger.Error("error reloading runtime config", tint.Err(err))
		ginReplyError(c, "error updating admin credentials")
		return
	}
	b.runtimeConfig = &updated
	b.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, httpReply{Message: "admin credentials set"})
}

// loginHandler checks the admin credentials and starts a session. Login
// attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.b.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "Internal Server Error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "Unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.b
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:       b.paused.Load(),
			PendingSetup: b.pendingSetup.Load(),
			Discord:      b.discord.Status(),
			GuildsCached: b.cache.Len(),
			StartedAt:    b.startedAt,
			Version:      Version,
		},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config,
// then tells the other bot instances to reload theirs
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	b := h.b
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	updated, err := func() (RuntimeConfig, error) {
		b.cfgMu.Lock()
		defer b.cfgMu.Unlock()
		cfg, updateErr := updateRuntimeConfig(ctx, b.writeDB, *b.runtimeConfig, update)
		if updateErr != nil {
			return cfg, updateErr
		}
		b.applyRuntimeConfig(ctx, cfg)
		return cfg, nil
	}()
	if err != nil {
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	logger.Info("updated runtime config", "config", updated)
	c.JSON(http.StatusAccepted, updated)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apiNotifyTimeout)
	defer cancel()
	if !b.dbNotifier.ReloadRuntimeConfig(notifyCtx) {
		logger.Error("error sending config update notification")
	}
}

func (h *APIHandlers) pause(c *gin.Context) {
	if !h.b.Pause(c.Request.Context()) {
		ginReplyMessage(c, "already paused")
		return
	}
	ginReplyMessage(c, "paused")
}

func (h *APIHandlers) resume(c *gin.Context) {
	if !h.b.Resume(c.Request.Context()) {
		ginReplyMessage(c, "not paused")
		return
	}
	ginReplyMessage(c, "resumed")
}

// botQuit sends a stop signal to every bot instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiNotifyTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.b.dbNotifier.Stop(ctx)
	}()
	select {
	case sent := <-doneCh:
		if !sent {
			ginReplyError(c, "error sending stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// redactConfiguration returns a copy of cfg without the guild secret
func redactConfiguration(cfg Configuration) Configuration {
	rv := cfg.Clone()
	if admin, ok := rv[ModuleAdmin]; ok {
		if _, hasSecret := admin[adminKeySecret]; hasSecret {
			admin[adminKeySecret] = redactedValue
		}
	}
	return rv
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	log := ginContextLogger(c)
	recs, err := h.b.store.ListGuilds(c.Request.Context())
	if err != nil {
		log.Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	guilds := make([]guildSummary, 0, len(recs))
	for _, rec := range recs {
		s := guildSummary{
			GuildID:   rec.GuildID,
			GuildName: rec.GuildName,
			UpdatedAt: rec.UpdatedAt,
		}
		if cfg, ok := h.b.cache.Get(rec.GuildID); ok {
			s.Cached = true
			s.Admins = len(cfg.ServerAdmins())
			for _, m := range modules {
				if _, active := cfg.Module(m); active {
					s.Modules = append(s.Modules, m)
				}
			}
		}
		guilds = append(guilds, s)
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) getGuild(c *gin.Context) {
	cfg, ok := h.b.cache.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
		return
	}
	c.JSON(http.StatusOK, redactConfiguration(cfg))
}

// syncGuild runs a sync of a guild without the admin check of the
// `sync` command
func (h *APIHandlers) syncGuild(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: apiDiscordNotReadyMsg})
		return
	}
	guildID := c.Param("id")
	result, err := h.b.syncGuild(c.Request.Context(), guildID, "")
	if err != nil {
		log.Error("error syncing guild", defaultLogAttrGuild, guildID, tint.Err(err))
		ginReplyError(c, fmt.Sprintf("error syncing guild: %s", err))
		return
	}
	result.Configuration = redactConfiguration(result.Configuration)
	c.JSON(http.StatusOK, result)
}

// getServers compares the guilds the bot is in with the cached
// configurations, like the `servers` command
func (h *APIHandlers) getServers(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.discord.session == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: apiDiscordNotReadyMsg})
		return
	}
	guilds, err := listBotGuilds(c.Request.Context(), h.b.discord.session)
	if err != nil {
		log.Error("error listing bot guilds", tint.Err(err))
		ginReplyError(c, "error listing bot guilds")
		return
	}
	reports, orphans := serverReports(guilds, h.b.cache)
	if orphans == nil {
		orphans = []string{}
	}
	c.JSON(http.StatusOK, serversResponse{Servers: reports, Orphans: orphans})
}

// startReconcile starts a host or yata role sweep in the background
func (h *APIHandlers) startReconcile(c *gin.Context) {
	b := h.b
	log := ginContextLogger(c)
	if b.discord.session == nil || b.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: apiDiscordNotReadyMsg})
		return
	}

	var q reconcileQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.GuildID == "" {
		q.GuildID = b.config.Discord.MainServerID
	}
	kind := strings.ToLower(c.Param("kind"))

	target, err := b.reconcileTarget(c.Request.Context(), kind, q.GuildID, q.ChannelID)
	switch {
	case errors.Is(err, ErrUnknownReconcileKind):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case errors.Is(err, ErrRoleNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	case errors.Is(err, ErrLookupDisabled):
		c.JSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
		return
	case err != nil:
		log.Error("error building reconcile target", tint.Err(err))
		ginReplyError(c, "error building reconcile target")
		return
	}

	ctx := WithLogger(h.api.runtimeCtx, log)
	err = b.reconciler.Start(
		ctx, target, func(result ReconcileResult, e error) {
			if e != nil {
				log.ErrorContext(ctx, "reconcile failed", tint.Err(e))
				return
			}
			log.InfoContext(
				ctx,
				"reconcile done",
				"added", result.Added,
				"removed", result.Removed,
				"failed", result.Failed,
			)
		},
	)
	if errors.Is(err, ErrReconcileInProgress) {
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	}
	c.JSON(
		http.StatusAccepted,
		reconcileResponse{
			Kind:     target.Kind,
			GuildID:  target.GuildID,
			RoleID:   target.RoleID,
			RoleName: target.RoleName,
		},
	)
}

func (h *APIHandlers) getCommandLogs(c *gin.Context) {
	var q commandLogsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Order == "" {
		q.Order = Descending
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}

	query := h.b.writeDB.DB().WithContext(c.Request.Context()).Model(
		&CommandLog{},
	).Limit(q.Limit).Offset(q.Offset)
	if q.GuildID != "" {
		query = query.Where("guild_id = ?", q.GuildID)
	}
	if q.AuthorID != "" {
		query = query.Where("author_id = ?", q.AuthorID)
	}
	if q.Command != "" {
		query = query.Where("command = ?", q.Command)
	}
	if q.Failed {
		query = query.Where("error <> ''")
	}
	switch q.Order {
	case Descending:
		query = query.Order("created_at desc")
	default:
		query = query.Order("created_at asc")
	}

	logs := []CommandLog{}
	if err := query.Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error getting command logs", tint.Err(err))
		ginReplyError(c, "error getting command logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// Pagination is embedded in list queries
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the order list results are returned in
type Sort string

type commandLogsQuery struct {
	Pagination
	GuildID  string `form:"guild_id" binding:"omitempty,numeric"`
	AuthorID string `form:"author_id" binding:"omitempty,numeric"`
	Command  string `form:"command"`
	Failed   bool   `form:"failed"`
}

type reconcileQuery struct {
	GuildID   string `form:"guild_id" binding:"omitempty,numeric"`
	ChannelID string `form:"channel_id" binding:"omitempty,numeric"`
}

type reconcileResponse struct {
	Kind     string `json:"kind"`
	GuildID  string `json:"guild_id"`
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
}

type guildSummary struct {
	GuildID   string   `json:"guild_id"`
	GuildName string   `json:"guild_name"`
	Cached    bool     `json:"cached"`
	Admins    int      `json:"admins"`
	Modules   []string `json:"modules"`
	UpdatedAt int64    `json:"updated_at"`
}

type serversResponse struct {
	Servers []ServerReport `json:"servers"`
	Orphans []string       `json:"orphans"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused       bool          `json:"paused"`
	PendingSetup bool          `json:"pending_setup"`
	Discord      DiscordStatus `json:"discord"`
	GuildsCached int           `json:"guilds_cached"`
	StartedAt    time.Time     `json:"started_at"`
	Version      string        `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse tells the UI whether admin credentials still need to
// be set
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a logged-in session, and
// every request while admin credentials haven't been set
func authMiddleware(b *YATABot, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if b.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("unauthorized request", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a unique ID to each request, returned in
// the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger of c, creating it (with
// the request details) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's handled
func ginLoggingMiddleware(apiLogger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := apiLogger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
