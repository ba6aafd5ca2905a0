package yatabot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Module names of a guild [Configuration]
const (
	ModuleAdmin   = "admin"
	ModuleRackets = "rackets"
	ModuleLoot    = "loot"
	ModuleRevive  = "revive"
	ModuleVerify  = "verify"
	ModuleOC      = "oc"
	ModuleStocks  = "stocks"
	ModuleChain   = "chain"
)

// Keys of the admin module
const (
	adminKeyJoinedAt        = "joined_at"
	adminKeyGuildID         = "guild_id"
	adminKeyGuildName       = "guild_name"
	adminKeyOwnerID         = "owner_did"
	adminKeyOwnerName       = "owner_dname"
	adminKeyChannels        = "channels"
	adminKeyRoles           = "roles"
	adminKeyServerAdmins    = "server_admins"
	adminKeySecret          = "secret"
	adminKeyLastSync        = "last_sync"
	adminKeyPrefix          = "prefix"
	adminKeyChannelsAdmin   = "channels_admin"
	adminKeyMessageWelcome  = "message_welcome"
	adminKeyChannelsWelcome = "channels_welcome"

	changeCreateServerDatabase = "create server database"
)

// MergeStrategy is how a module's stored configuration is merged into
// the cached one on sync
type MergeStrategy int

const (
	// MergeIgnore leaves the module alone
	MergeIgnore MergeStrategy = iota

	// MergeReplaceWhole replaces the cached module with the stored one
	MergeReplaceWhole

	// MergeServerMetadata rebuilds the module from live guild metadata,
	// taking only dashboard-edited keys from the store
	MergeServerMetadata
)

func (m MergeStrategy) String() string {
	switch m {
	case MergeReplaceWhole:
		return "replace_whole"
	case MergeServerMetadata:
		return "server_metadata"
	default:
		return "ignore"
	}
}

// modules lists recognized modules in the order they're synced
var modules = []string{
	ModuleAdmin,
	ModuleRackets,
	ModuleLoot,
	ModuleRevive,
	ModuleVerify,
	ModuleOC,
	ModuleStocks,
	ModuleChain,
}

var modulePolicy = map[string]MergeStrategy{
	ModuleAdmin:   MergeServerMetadata,
	ModuleRackets: MergeReplaceWhole,
	ModuleLoot:    MergeReplaceWhole,
	ModuleRevive:  MergeReplaceWhole,
	ModuleVerify:  MergeReplaceWhole,
	ModuleOC:      MergeReplaceWhole,
	ModuleStocks:  MergeReplaceWhole,
	ModuleChain:   MergeReplaceWhole,
}

// adminStoredKeys are the admin keys edited from the dashboard. All other
// admin keys are rebuilt from the guild on every sync.
var adminStoredKeys = []string{
	adminKeyChannelsAdmin,
	adminKeyMessageWelcome,
	adminKeyChannelsWelcome,
}

func mergeStrategy(module string) MergeStrategy {
	if s, ok := modulePolicy[module]; ok {
		return s
	}
	return MergeIgnore
}

func defaultPrefix() map[string]any {
	return map[string]any{DefaultCommandPrefix: DefaultCommandPrefix}
}

// ModuleConfig is the configuration of one module of a guild
type ModuleConfig map[string]any

// Configuration is a guild's configuration, keyed by module
type Configuration map[string]ModuleConfig

// Clone returns a deep copy of the configuration
func (c Configuration) Clone() Configuration {
	if c == nil {
		return nil
	}
	rv := make(Configuration, len(c))
	for k, v := range c {
		rv[k] = v.Clone()
	}
	return rv
}

// Clone returns a deep copy of the module configuration
func (m ModuleConfig) Clone() ModuleConfig {
	if m == nil {
		return nil
	}
	rv := make(ModuleConfig, len(m))
	for k, v := range m {
		rv[k] = cloneValue(v)
	}
	return rv
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		rv := make(map[string]any, len(val))
		for k, x := range val {
			rv[k] = cloneValue(x)
		}
		return rv
	case ModuleConfig:
		return val.Clone()
	case []any:
		rv := make([]any, len(val))
		for i, x := range val {
			rv[i] = cloneValue(x)
		}
		return rv
	case map[string]string:
		rv := make(map[string]string, len(val))
		for k, x := range val {
			rv[k] = x
		}
		return rv
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Module returns the configuration of a module, and whether it's truthy
func (c Configuration) Module(name string) (ModuleConfig, bool) {
	m, ok := c[name]
	return m, ok && len(m) > 0
}

// Prefixes returns the command prefixes configured for the guild
func (c Configuration) Prefixes() []string {
	admin := c[ModuleAdmin]
	prefix, ok := admin[adminKeyPrefix].(map[string]any)
	if !ok || len(prefix) == 0 {
		return []string{DefaultCommandPrefix}
	}
	rv := make([]string, 0, len(prefix))
	for k := range prefix {
		if k != "" {
			rv = append(rv, k)
		}
	}
	if len(rv) == 0 {
		return []string{DefaultCommandPrefix}
	}
	// longest first, so "!!" is matched before "!"
	sort.Slice(
		rv, func(i, j int) bool {
			if len(rv[i]) != len(rv[j]) {
				return len(rv[i]) > len(rv[j])
			}
			return rv[i] < rv[j]
		},
	)
	return rv
}

// ServerAdmins returns the registered admins of the guild, from the
// admin module, keyed by discord user ID
func (c Configuration) ServerAdmins() map[string]ServerAdmin {
	rv := map[string]ServerAdmin{}
	raw, ok := c[ModuleAdmin][adminKeyServerAdmins]
	if !ok || raw == nil {
		return rv
	}
	switch admins := raw.(type) {
	case map[string]ServerAdmin:
		for k, v := range admins {
			rv[k] = v
		}
	case map[string]any:
		for k, v := range admins {
			a, isMap := v.(map[string]any)
			if !isMap {
				rv[k] = ServerAdmin{}
				continue
			}
			rv[k] = serverAdminFromMap(a)
		}
	}
	return rv
}

// ServerAdmin is a guild admin registered from the YATA dashboard
type ServerAdmin struct {
	Name   string `json:"name"`
	TornID int64  `json:"torn_id"`
}

func serverAdminFromMap(m map[string]any) ServerAdmin {
	var sa ServerAdmin
	sa.Name, _ = m["name"].(string)
	switch v := m["torn_id"].(type) {
	case float64:
		sa.TornID = int64(v)
	case int64:
		sa.TornID = v
	case int:
		sa.TornID = int64(v)
	case string:
		sa.TornID, _ = strconv.ParseInt(v, 10, 64)
	case json.Number:
		sa.TornID, _ = v.Int64()
	}
	return sa
}

// Contact is a registered guild admin, linked to a torn account
type Contact struct {
	DiscordID string `json:"discord_id"`
	TornID    int64  `json:"torn_id"`
	Name      string `json:"name"`
}

// ConfigCache holds the configuration of every guild the bot knows of.
// Entries are only ever swapped as a whole, and [ConfigCache.Get] returns
// a copy, so readers never see a partially merged configuration.
type ConfigCache struct {
	mu      sync.RWMutex
	configs map[string]Configuration
}

func NewConfigCache() *ConfigCache {
	return &ConfigCache{configs: map[string]Configuration{}}
}

// Get returns a copy of the cached configuration of a guild
func (c *ConfigCache) Get(guildID string) (Configuration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[guildID]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Replace swaps the cached configuration of a guild
func (c *ConfigCache) Replace(guildID string, cfg Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[guildID] = cfg
}

// Load replaces the whole cache
func (c *ConfigCache) Load(configs map[string]Configuration) {
	m := make(map[string]Configuration, len(configs))
	for k, v := range configs {
		m[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = m
}

// GuildIDs returns the IDs of every cached guild, sorted
func (c *ConfigCache) GuildIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.configs))
	for k := range c.configs {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached guilds
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

// ContactGuilds returns the IDs of the guilds where discordID is a
// registered admin, sorted
func (c *ConfigCache) ContactGuilds(discordID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var guilds []string
	for guildID, cfg := range c.configs {
		if _, ok := cfg.ServerAdmins()[discordID]; ok {
			guilds = append(guilds, guildID)
		}
	}
	sort.Strings(guilds)
	return guilds
}

// Contacts returns every registered admin across all cached guilds,
// keyed by discord user ID
func (c *ConfigCache) Contacts() map[string]Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contacts := map[string]Contact{}
	for _, cfg := range c.configs {
		for discordID, sa := range cfg.ServerAdmins() {
			contacts[discordID] = Contact{
				DiscordID: discordID,
				TornID:    sa.TornID,
				Name:      sa.Name,
			}
		}
	}
	return contacts
}

// IsContact reports whether discordID is a registered admin of any
// cached guild
func (c *ConfigCache) IsContact(discordID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cfg := range c.configs {
		if _, ok := cfg.ServerAdmins()[discordID]; ok {
			return true
		}
	}
	return false
}

// GuildMetadata is the live state of a guild, rebuilt into the admin
// module on every sync
type GuildMetadata struct {
	GuildID   string
	GuildName string
	OwnerID   string
	OwnerName string
	JoinedAt  time.Time
	// Channels maps text channel IDs to names
	Channels map[string]string
	// Roles maps role IDs to names
	Roles map[string]string
}

// ConfigStore reads and writes stored guild configurations
type ConfigStore interface {
	Get(ctx context.Context, guildID string) (Configuration, bool, error)
	Set(ctx context.Context, guildID string, guildName string, cfg Configuration) error
}

// AdminDirectory returns the registered admins of a guild
type AdminDirectory interface {
	GetServerAdmins(ctx context.Context, guildID string) (map[string]ServerAdmin, string, error)
}

// SyncResult is the outcome of [ConfigSyncer.Sync]
type SyncResult struct {
	// Configuration is the merged configuration, now cached
	Configuration Configuration `json:"configuration,omitempty"`

	// Changes describes what the sync changed, in order
	Changes []string `json:"changes"`

	// Ignored lists stored modules the bot doesn't know about
	Ignored []string `json:"ignored,omitempty"`

	// Admins are the registered admins of the guild
	Admins map[string]ServerAdmin `json:"admins"`
}

// ConfigSyncer merges stored guild configurations into a [ConfigCache]
type ConfigSyncer struct {
	store  ConfigStore
	admins AdminDirectory
	cache  *ConfigCache
	logger *slog.Logger
	now    func() time.Time

	// guildMu serializes syncs of the same guild
	guildMu sync.Map
}

func NewConfigSyncer(
	store ConfigStore,
	admins AdminDirectory,
	cache *ConfigCache,
	logger *slog.Logger,
) *ConfigSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigSyncer{
		store:  store,
		admins: admins,
		cache:  cache,
		logger: logger.With(loggerNameKey, "config_sync"),
		now:    time.Now,
	}
}

func (s *ConfigSyncer) lockGuild(guildID string) func() {
	v, _ := s.guildMu.LoadOrStore(guildID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Sync pulls the stored configuration of a guild into the cache,
// refreshing the admin module from meta, and writes the merged result
// back to the store.
//
// If invokerID is set and isn't a registered admin of the guild, Sync
// stops after creating the stored record (if needed) and returns
// [ErrNotServerAdmin] along with the partial result.
//
// Store failures abort the sync without touching the cache.
func (s *ConfigSyncer) Sync(
	ctx context.Context,
	meta GuildMetadata,
	invokerID string,
) (SyncResult, error) {
	unlock := s.lockGuild(meta.GuildID)
	defer unlock()

	logger := contextLoggerOr(ctx, s.logger).With(defaultLogAttrGuild, meta.GuildID)
	result := SyncResult{Changes: []string{}}

	stored, found, err := s.store.Get(ctx, meta.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting stored configuration", tint.Err(err))
		return result, err
	}
	if !found {
		logger.InfoContext(ctx, "creating stored configuration")
		stored = Configuration{ModuleAdmin: ModuleConfig{}}
		if err = s.store.Set(ctx, meta.GuildID, meta.GuildName, stored); err != nil {
			return result, err
		}
		result.Changes = append(result.Changes, changeCreateServerDatabase)
	}

	serverAdmins, secret, err := s.admins.GetServerAdmins(ctx, meta.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error getting server admins", tint.Err(err))
		return result, err
	}
	result.Admins = serverAdmins

	if invokerID != "" {
		if _, isAdmin := serverAdmins[invokerID]; !isAdmin {
			logger.WarnContext(ctx, "sync refused", "invoker", invokerID)
			return result, ErrNotServerAdmin
		}
	}

	cached, _ := s.cache.Get(meta.GuildID)
	admin := adminMetadata(meta, serverAdmins, secret, s.now())

	merged, changes, ignored := mergeConfiguration(stored, cached, admin)
	merged, err = normalizeConfiguration(merged)
	if err != nil {
		return result, fmt.Errorf("error normalizing configuration: %w", err)
	}

	if err = s.store.Set(ctx, meta.GuildID, meta.GuildName, merged); err != nil {
		logger.ErrorContext(ctx, "error saving merged configuration", tint.Err(err))
		return result, err
	}
	s.cache.Replace(meta.GuildID, merged)

	result.Configuration = merged.Clone()
	result.Changes = append(result.Changes, changes...)
	result.Ignored = ignored

	for _, m := range ignored {
		logger.WarnContext(ctx, "ignored unknown module", defaultLogAttrModule, m)
	}
	logger.InfoContext(ctx, "synced configuration", "changes", result.Changes)
	return result, nil
}

// adminMetadata builds the admin keys rebuilt from the guild on every sync
func adminMetadata(
	meta GuildMetadata,
	serverAdmins map[string]ServerAdmin,
	secret string,
	now time.Time,
) ModuleConfig {
	channels := make(map[string]any, len(meta.Channels))
	for k, v := range meta.Channels {
		channels[k] = v
	}
	roles := make(map[string]any, len(meta.Roles))
	for k, v := range meta.Roles {
		roles[k] = v
	}
	admins := make(map[string]any, len(serverAdmins))
	for k, v := range serverAdmins {
		admins[k] = map[string]any{"name": v.Name, "torn_id": v.TornID}
	}
	return ModuleConfig{
		adminKeyJoinedAt:     meta.JoinedAt.Unix(),
		adminKeyGuildID:      meta.GuildID,
		adminKeyGuildName:    meta.GuildName,
		adminKeyOwnerID:      meta.OwnerID,
		adminKeyOwnerName:    meta.OwnerName,
		adminKeyChannels:     channels,
		adminKeyRoles:        roles,
		adminKeyServerAdmins: admins,
		adminKeySecret:       secret,
		adminKeyLastSync:     now.Unix(),
	}
}

// mergeConfiguration merges a stored configuration into a copy of the
// cached one (which may be nil), returning the merged configuration, the
// change log, and the stored modules that were ignored. Diffs are computed
// against cached as it was before the merge. Neither input is modified.
func mergeConfiguration(
	stored Configuration,
	cached Configuration,
	adminMeta ModuleConfig,
) (Configuration, []string, []string) {
	previous := cached
	if previous == nil {
		previous = Configuration{}
	}
	merged := previous.Clone()
	var changes []string

	for _, module := range modules {
		switch mergeStrategy(module) {
		case MergeServerMetadata:
			admin, adminChanges := mergeAdmin(stored[module], previous[module], adminMeta)
			merged[module] = admin
			changes = append(changes, adminChanges...)
		case MergeReplaceWhole:
			newCfg, inStore := stored.Module(module)
			oldCfg, inCache := previous[module]
			switch {
			case inStore && !inCache:
				changes = append(changes, fmt.Sprintf("[%s](enabled)", module))
				merged[module] = newCfg.Clone()
			case inStore:
				changes = append(changes, diffModule(module, oldCfg, newCfg)...)
				merged[module] = newCfg.Clone()
			case inCache:
				delete(merged, module)
				changes = append(changes, fmt.Sprintf("[%s](disabled)", module))
			}
		}
	}

	// unknown modules mirror the store
	for module := range merged {
		if mergeStrategy(module) == MergeIgnore {
			delete(merged, module)
		}
	}
	var ignored []string
	for module, cfg := range stored {
		if mergeStrategy(module) != MergeIgnore {
			continue
		}
		ignored = append(ignored, module)
		// carried over as stored, so writing back doesn't drop it
		merged[module] = cfg.Clone()
	}
	sort.Strings(ignored)

	return merged, changes, ignored
}

// mergeAdmin rebuilds the admin module: live metadata, the prefix (stored,
// else cached, else the default), and the dashboard-edited keys copied
// from the store when truthy there, dropped otherwise
func mergeAdmin(
	stored ModuleConfig,
	cached ModuleConfig,
	meta ModuleConfig,
) (ModuleConfig, []string) {
	admin := cached.Clone()
	if admin == nil {
		admin = ModuleConfig{}
	}
	for k, v := range meta {
		admin[k] = cloneValue(v)
	}

	switch {
	case truthy(stored[adminKeyPrefix]):
		admin[adminKeyPrefix] = cloneValue(stored[adminKeyPrefix])
	case truthy(cached[adminKeyPrefix]):
		// kept from the cache
	default:
		admin[adminKeyPrefix] = defaultPrefix()
	}

	for _, k := range adminStoredKeys {
		if truthy(stored[k]) {
			admin[k] = cloneValue(stored[k])
		} else {
			delete(admin, k)
		}
	}

	if cached == nil {
		return admin, nil
	}

	var changes []string
	for _, k := range append([]string{adminKeyPrefix}, adminStoredKeys...) {
		oldVal, hadOld := cached[k]
		newVal, hasNew := admin[k]
		switch {
		case hasNew && (!hadOld || !valuesEqual(oldVal, newVal)):
			changes = append(changes, fmt.Sprintf("[%s](%s) updated", ModuleAdmin, k))
		case hadOld && !hasNew:
			changes = append(changes, fmt.Sprintf("[%s](%s) deleted", ModuleAdmin, k))
		}
	}
	return admin, changes
}

// diffModule returns `updated` entries for keys of newCfg that differ
// from oldCfg, then `deleted` entries for keys only in oldCfg, each in
// key order
func diffModule(module string, oldCfg, newCfg ModuleConfig) []string {
	var changes []string
	for _, k := range sortedKeys(newCfg) {
		oldVal, ok := oldCfg[k]
		if !ok || !valuesEqual(oldVal, newCfg[k]) {
			changes = append(changes, fmt.Sprintf("[%s](%s) updated", module, k))
		}
	}
	for _, k := range sortedKeys(oldCfg) {
		if _, ok := newCfg[k]; !ok {
			changes = append(changes, fmt.Sprintf("[%s](%s) deleted", module, k))
		}
	}
	return changes
}

func sortedKeys(m ModuleConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// valuesEqual compares two configuration values by their JSON encoding,
// so 1 and 1.0 compare equal
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// normalizeConfiguration round-trips cfg through JSON, so the cached
// value has the same shape as one loaded from the store
func normalizeConfiguration(cfg Configuration) (Configuration, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var rv Configuration
	if err = json.Unmarshal(data, &rv); err != nil {
		return nil, err
	}
	if rv == nil {
		rv = Configuration{}
	}
	return rv, nil
}

// renderChanges renders a change log the way `sync` replies with it
func renderChanges(changes []string, ignored []string) []string {
	lines := make([]string, 0, len(changes)+len(ignored)+1)
	for _, c := range changes {
		lines = append(lines, "- "+c)
	}
	for _, m := range ignored {
		lines = append(lines, fmt.Sprintf("- %s ignored", m))
	}
	if len(changes) == 0 {
		lines = append(lines, "< none >")
	}
	return lines
}
