package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"html"
	"slices"
	"sort"
	"strings"
)

const moduleKeyRolesAlerts = "roles_alerts"

// selfAssignModules are the modules whose alert role members can toggle
// on themselves
var selfAssignModules = []string{ModuleRevive, ModuleRackets, ModuleLoot, ModuleStocks}

var (
	ErrUnknownReconcileKind = errors.New("unknown reconcile kind")
	ErrRoleNotFound         = errors.New("role not found")
	ErrLookupDisabled       = errors.New("YATA lookups are disabled")
)

// reconcileTarget builds the target of a host or yata sweep on guildID
func (b *YATABot) reconcileTarget(
	ctx context.Context,
	kind string,
	guildID string,
	progressChannelID string,
) (ReconcileTarget, error) {
	target := ReconcileTarget{
		Kind:              kind,
		GuildID:           guildID,
		ProgressChannelID: progressChannelID,
	}
	switch kind {
	case ReconcileKindHost:
		target.RoleID = b.config.Discord.HostRoleID
		target.Eligible = ContactEligibility(b.cache)
		target.Divisions = hostProgressDivisions
	case ReconcileKindYATA:
		if b.accounts == nil {
			return target, ErrLookupDisabled
		}
		target.RoleID = b.config.Discord.YATARoleID
		target.Eligible = AccountEligibility(b.accounts)
		target.Divisions = yataProgressDivisions
	default:
		return target, fmt.Errorf("%w: %q", ErrUnknownReconcileKind, kind)
	}

	roles, err := b.discord.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return target, fmt.Errorf("error getting guild roles: %w", err)
	}
	i := slices.IndexFunc(roles, func(r *discordgo.Role) bool { return r.ID == target.RoleID })
	if i < 0 {
		return target, fmt.Errorf("%w: %s", ErrRoleNotFound, kind)
	}
	target.RoleName = roles[i].Name
	return target, nil
}

// periodicReconcileTargets returns the sweeps run periodically on the
// main server. The yata sweep is skipped when lookups are disabled.
func (b *YATABot) periodicReconcileTargets(ctx context.Context) []ReconcileTarget {
	logger := contextLoggerOr(ctx, b.logger)
	if b.paused.Load() || !b.reconcileEnabled() {
		logger.InfoContext(ctx, "periodic reconcile disabled, skipping")
		return nil
	}
	var targets []ReconcileTarget
	for _, kind := range []string{ReconcileKindHost, ReconcileKindYATA} {
		t, err := b.reconcileTarget(ctx, kind, b.config.Discord.MainServerID, "")
		if err != nil {
			logger.WarnContext(ctx, "skipping periodic reconcile", defaultLogAttrReconcileKind, kind, tint.Err(err))
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

func runAssignCommand(c *commandContext) error {
	if len(c.args) > 0 {
		kind := strings.ToLower(c.args[0])
		if kind == ReconcileKindHost || kind == ReconcileKindYATA {
			return runAssignSweep(c, kind)
		}
	}
	return runSelfAssign(c)
}

// runAssignSweep runs an on-demand host or yata sweep on the current
// guild, reporting progress in the invoking channel
func runAssignSweep(c *commandContext, kind string) error {
	b := c.bot
	roles, err := c.authorRoles()
	if err != nil {
		return fmt.Errorf("error getting author roles: %w", err)
	}
	if !slices.Contains(roles, b.config.Discord.AdminRoleID) {
		return ErrNotAuthorized
	}

	target, err := b.reconcileTarget(c.ctx, kind, c.message.GuildID, c.message.ChannelID)
	switch {
	case errors.Is(err, ErrRoleNotFound):
		return userInputError(fmt.Sprintf(":x: no role %s", kind))
	case errors.Is(err, ErrLookupDisabled):
		return userInputError(":x: YATA account lookups are not configured")
	case err != nil:
		return err
	}

	result, err := b.reconciler.Reconcile(c.ctx, target)
	if errors.Is(err, ErrReconcileInProgress) {
		return userInputError(":x: Roles are already being assigned, try again later")
	}
	if err != nil {
		return err
	}
	c.logger.InfoContext(
		c.ctx,
		"reconcile done",
		defaultLogAttrReconcileKind, kind,
		"added", result.Added,
		"removed", result.Removed,
		"failed", result.Failed,
	)
	return nil
}

// moduleRole returns the first role of a module's `roles_alerts`
// that still exists in the guild
func moduleRole(cfg ModuleConfig, guildRoles []*discordgo.Role) *discordgo.Role {
	raw, ok := cfg[moduleKeyRolesAlerts].(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if i := slices.IndexFunc(guildRoles, func(r *discordgo.Role) bool { return r.ID == id }); i >= 0 {
			return guildRoles[i]
		}
	}
	return nil
}

// runSelfAssign toggles a module's alert role on the author
func runSelfAssign(c *commandContext) error {
	if len(c.args) == 0 || !slices.Contains(selfAssignModules, c.args[0]) {
		return userInputError(
			fmt.Sprintf(
				"```md\n< error > Modules with self assignement roles: %s.```",
				strings.Join(selfAssignModules, ", "),
			),
		)
	}
	module := c.args[0]
	m := c.message
	opt := discordgo.WithContext(c.ctx)

	guildCfg, _ := c.bot.cache.Get(m.GuildID)
	moduleCfg, active := guildCfg.Module(module)
	if !active {
		return userInputError(fmt.Sprintf("```md\n< error > %s module not activated```", module))
	}

	guildRoles, err := c.session.GuildRoles(m.GuildID, opt)
	if err != nil {
		return fmt.Errorf("error getting guild roles: %w", err)
	}
	role := moduleRole(moduleCfg, guildRoles)
	if role == nil {
		return userInputError(fmt.Sprintf("```md\n< error > No roles has been attributed to the %s module```", module))
	}

	authorRoles, err := c.authorRoles()
	if err != nil {
		return fmt.Errorf("error getting author roles: %w", err)
	}
	var addRemove string
	if slices.Contains(authorRoles, role.ID) {
		addRemove = "<removed> from"
		err = c.session.GuildMemberRoleRemove(m.GuildID, c.authorID(), role.ID, opt)
	} else {
		addRemove = "<added> to"
		err = c.session.GuildMemberRoleAdd(m.GuildID, c.authorID(), role.ID, opt)
	}
	if err != nil {
		return fmt.Errorf("error toggling role: %w", err)
	}
	c.logger.InfoContext(c.ctx, "self assigned role", defaultLogAttrModule, module, defaultLogAttrRole, role.ID, "action", addRemove)

	lines := []string{
		"```md",
		"# self assign role ",
		fmt.Sprintf(
			"Role < @%s > %s %s for module < %s >",
			html.UnescapeString(role.Name),
			addRemove,
			c.authorName(),
			module,
		),
		"```",
	}
	return c.send(strings.Join(lines, "\n"))
}
