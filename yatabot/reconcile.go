package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"sync"
	"time"
)

const (
	// divisions of the progress reports of each sweep
	hostProgressDivisions = 4
	yataProgressDivisions = 25

	ReconcileKindHost = "host"
	ReconcileKindYATA = "yata"
)

// Member is a guild member, as seen by a reconcile pass
type Member struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Bot         bool     `json:"bot,omitempty"`
	Roles       []string `json:"roles"`
}

func (m Member) hasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// MembershipRoles lists guild members and changes their roles
type MembershipRoles interface {
	ListMembers(ctx context.Context, guildID string) ([]Member, error)
	AddRole(ctx context.Context, guildID string, memberID string, roleID string) error
	RemoveRole(ctx context.Context, guildID string, memberID string, roleID string) error
	HasRole(member Member, roleID string) bool
}

// ExternalAccountLookup reports whether a discord user has a YATA account
type ExternalAccountLookup interface {
	IsKnownAccount(ctx context.Context, discordID string) (bool, error)
}

// MessageHandle identifies a sent message, so it can be edited
type MessageHandle struct {
	ChannelID string
	MessageID string
}

// Notifier sends and edits progress and report messages
type Notifier interface {
	Send(ctx context.Context, channelID string, text string) (MessageHandle, error)
	Edit(ctx context.Context, handle MessageHandle, text string) error
}

// EligibilityFunc decides whether a member should hold a role.
// An error leaves the member unchanged for the pass.
type EligibilityFunc func(ctx context.Context, member Member) (bool, error)

// ReconcileTarget describes one reconcile pass
type ReconcileTarget struct {
	Kind     string
	GuildID  string
	RoleID   string
	RoleName string
	Eligible EligibilityFunc

	// Divisions sets how many intermediate progress reports are sent,
	// one every 1+n/Divisions members
	Divisions int

	// ProgressChannelID is where the progress message is sent. If empty,
	// progress isn't reported.
	ProgressChannelID string
}

// RoleChange is one role added to or removed from a member
type RoleChange struct {
	MemberID string `json:"member_id"`
	Added    bool   `json:"added"`
	Error    string `json:"error,omitempty"`
}

// ReconcileResult is the outcome of a reconcile pass
type ReconcileResult struct {
	Kind    string        `json:"kind"`
	GuildID string        `json:"guild_id"`
	RoleID  string        `json:"role_id"`
	Members int           `json:"members"`
	Added   int           `json:"added"`
	Removed int           `json:"removed"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Changes []RoleChange  `json:"changes"`
	Elapsed time.Duration `json:"elapsed"`
}

// RoleReconciler converges a role across the members of a guild to an
// eligibility predicate. Only one pass runs at a time.
type RoleReconciler struct {
	roles    MembershipRoles
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
	running  sync.Mutex
}

// NewRoleReconciler returns a RoleReconciler editing progress messages
// at most editsPerSecond times per second. Zero disables the limit.
func NewRoleReconciler(
	roles MembershipRoles,
	notifier Notifier,
	editsPerSecond float64,
	logger *slog.Logger,
) *RoleReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if editsPerSecond > 0 {
		limit = rate.Limit(editsPerSecond)
	}
	return &RoleReconciler{
		roles:    roles,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(loggerNameKey, "role_reconciler"),
	}
}

// checkpointEvery returns the member interval between progress reports
func checkpointEvery(n int, divisions int) int {
	if divisions <= 0 {
		divisions = 1
	}
	return 1 + n/divisions
}

func progressText(i int, n int, roleName string) string {
	progress := 0
	if n > 0 {
		progress = 100 * i / n
	}
	return fmt.Sprintf(":clock%d: Assigning %s `%3d%%`", i%12+1, roleName, progress)
}

func progressDoneText(roleName string) string {
	return fmt.Sprintf(":white_check_mark: Assigning %s `100%%`", roleName)
}

func progressFailedText(roleName string) string {
	return fmt.Sprintf(":x: Assigning %s failed", roleName)
}

// Reconcile runs one pass over the members of target.GuildID. It returns
// [ErrReconcileInProgress] if another pass is running. Role change and
// lookup failures are logged and counted, they don't stop the pass. If
// ctx is canceled, the pass stops after the current member.
func (r *RoleReconciler) Reconcile(
	ctx context.Context,
	target ReconcileTarget,
) (ReconcileResult, error) {
	if !r.running.TryLock() {
		return newReconcileResult(target), ErrReconcileInProgress
	}
	defer r.running.Unlock()
	return r.reconcile(ctx, target)
}

// Start runs a pass in the background, calling done (if set) with its
// result. It returns [ErrReconcileInProgress] without starting anything
// if another pass is running.
func (r *RoleReconciler) Start(
	ctx context.Context,
	target ReconcileTarget,
	done func(ReconcileResult, error),
) error {
	if !r.running.TryLock() {
		return ErrReconcileInProgress
	}
	go func() {
		defer r.running.Unlock()
		result, err := r.reconcile(ctx, target)
		if done != nil {
			done(result, err)
		}
	}()
	return nil
}

func newReconcileResult(target ReconcileTarget) ReconcileResult {
	return ReconcileResult{
		Kind:    target.Kind,
		GuildID: target.GuildID,
		RoleID:  target.RoleID,
		Changes: []RoleChange{},
	}
}

// reconcile runs a pass. The caller holds r.running.
func (r *RoleReconciler) reconcile(
	ctx context.Context,
	target ReconcileTarget,
) (result ReconcileResult, err error) {
	result = newReconcileResult(target)

	start := time.Now()
	defer func() {
		result.Elapsed = time.Since(start)
	}()

	logger := contextLoggerOr(ctx, r.logger).With(
		defaultLogAttrReconcileKind, target.Kind,
		defaultLogAttrGuild, target.GuildID,
		defaultLogAttrRole, target.RoleID,
	)

	roleName := target.RoleName
	if roleName == "" {
		roleName = target.RoleID
	}

	var progress *MessageHandle
	if target.ProgressChannelID != "" {
		h, sendErr := r.notifier.Send(ctx, target.ProgressChannelID, fmt.Sprintf(":clock1: Assigning %s", roleName))
		if sendErr != nil {
			logger.WarnContext(
				ctx,
				"error sending progress message",
				tint.Err(fmt.Errorf("%w: %w", ErrNotifierFailure, sendErr)),
			)
		} else {
			progress = &h
		}
	}

	members, err := r.roles.ListMembers(ctx, target.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error listing members", tint.Err(err))
		if progress != nil {
			r.edit(ctx, logger, *progress, progressFailedText(roleName))
		}
		return result, fmt.Errorf("error listing members: %w", err)
	}

	n := len(members)
	result.Members = n
	every := checkpointEvery(n, target.Divisions)

	for i, member := range members {
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "reconcile interrupted", "at", i, "members", n)
			return result, ctx.Err()
		}

		r.reconcileMember(ctx, logger, target, member, &result)

		if progress != nil && i%every == 0 && r.limiter.Allow() {
			r.edit(ctx, logger, *progress, progressText(i, n, roleName))
		}
	}

	if progress != nil {
		r.edit(ctx, logger, *progress, progressDoneText(roleName))
	}

	logger.InfoContext(
		ctx,
		"reconcile complete",
		"members", result.Members,
		"added", result.Added,
		"removed", result.Removed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		defaultLogAttrElapsed, time.Since(start),
	)
	return result, nil
}

func (r *RoleReconciler) reconcileMember(
	ctx context.Context,
	logger *slog.Logger,
	target ReconcileTarget,
	member Member,
	result *ReconcileResult,
) {
	log := logger.With(defaultLogAttrMember, member.ID)

	eligible, err := target.Eligible(ctx, member)
	if err != nil {
		result.Skipped++
		log.WarnContext(ctx, "skipping member", tint.Err(err))
		return
	}

	hasRole := r.roles.HasRole(member, target.RoleID)
	switch {
	case eligible && !hasRole:
		log.InfoContext(ctx, "adding role", "name", member.DisplayName)
		change := RoleChange{MemberID: member.ID, Added: true}
		if e := r.roles.AddRole(ctx, target.GuildID, member.ID, target.RoleID); e != nil {
			result.Failed++
			change.Error = e.Error()
			log.ErrorContext(ctx, "error adding role", tint.Err(fmt.Errorf("%w: %w", ErrPartialMemberFailure, e)))
		} else {
			result.Added++
		}
		result.Changes = append(result.Changes, change)
	case !eligible && hasRole:
		log.InfoContext(ctx, "removing role", "name", member.DisplayName)
		change := RoleChange{MemberID: member.ID}
		if e := r.roles.RemoveRole(ctx, target.GuildID, member.ID, target.RoleID); e != nil {
			result.Failed++
			change.Error = e.Error()
			log.ErrorContext(ctx, "error removing role", tint.Err(fmt.Errorf("%w: %w", ErrPartialMemberFailure, e)))
		} else {
			result.Removed++
		}
		result.Changes = append(result.Changes, change)
	}
}

func (r *RoleReconciler) edit(
	ctx context.Context,
	logger *slog.Logger,
	handle MessageHandle,
	text string,
) {
	if err := r.notifier.Edit(ctx, handle, text); err != nil {
		logger.WarnContext(
			ctx,
			"error editing progress message",
			tint.Err(fmt.Errorf("%w: %w", ErrNotifierFailure, err)),
		)
	}
}

// ContactEligibility is eligible for members registered as an admin
// of any cached guild
func ContactEligibility(cache *ConfigCache) EligibilityFunc {
	return func(_ context.Context, member Member) (bool, error) {
		return cache.IsContact(member.ID), nil
	}
}

// AccountEligibility is eligible for members with a YATA account
func AccountEligibility(lookup ExternalAccountLookup) EligibilityFunc {
	return func(ctx context.Context, member Member) (bool, error) {
		known, err := lookup.IsKnownAccount(ctx, member.ID)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrLookupFailure, err)
		}
		return known, nil
	}
}

// RunPeriodic waits for ready, then calls targets and reconciles each of
// them in turn, once immediately and then every interval, until ctx is
// canceled. A pass skipped because an on-demand one is running is logged.
func (r *RoleReconciler) RunPeriodic(
	ctx context.Context,
	ready <-chan struct{},
	interval time.Duration,
	targets func(ctx context.Context) []ReconcileTarget,
) {
	logger := contextLoggerOr(ctx, r.logger)

	select {
	case <-ctx.Done():
		return
	case <-ready:
	}

	logger.InfoContext(ctx, "starting periodic role reconcile", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, t := range targets(ctx) {
			if ctx.Err() != nil {
				return
			}
			_, err := r.Reconcile(ctx, t)
			switch {
			case err == nil:
			case errors.Is(err, ErrReconcileInProgress):
				logger.WarnContext(ctx, "skipping periodic reconcile, another pass is running", defaultLogAttrReconcileKind, t.Kind)
			case errors.Is(err, context.Canceled):
				return
			default:
				logger.ErrorContext(ctx, "periodic reconcile failed", defaultLogAttrReconcileKind, t.Kind, tint.Err(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
