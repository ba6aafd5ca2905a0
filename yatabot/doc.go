// Package yatabot implements the admin side of the YATA Discord bot.
//
// The bot keeps a per-guild configuration, stored in a relational database
// and edited from the YATA dashboard, and mirrors it into an in-memory
// [ConfigCache] that every command handler reads from. The `sync` command
// pulls the stored configuration into the cache with [ConfigSyncer],
// refreshing the guild metadata (channels, roles, owner, admins) on the way.
//
// Key components:
//
//   - YATABot: owns the lifecycle (database, Discord session, API, loops).
//   - ConfigSyncer: merges stored configuration into the cache.
//   - RoleReconciler: converges a role to an eligibility predicate across
//     all members of a guild, on demand (`assign host`, `assign yata`) and
//     once per [ReconcileConfig.Interval] on the main server.
//   - GitHubIssues: files `bug` and `suggestion` reports.
//   - YATAClient: read access to the YATA website database.
//   - API: a small authenticated admin API.
//
// Commands are plain prefix commands (`!sync`, `!assign loot`, ...); the
// prefix of a guild is taken from its `admin.prefix` configuration.
package yatabot
