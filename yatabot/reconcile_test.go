package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// memoryRoles is a MembershipRoles over a fixed member list
type memoryRoles struct {
	mu      sync.Mutex
	members []Member
	listErr error
	addErr  map[string]error
	block   chan struct{}
	added   []string
	removed []string
}

func (m *memoryRoles) ListMembers(ctx context.Context, _ string) ([]Member, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	rv := make([]Member, len(m.members))
	for i, member := range m.members {
		member.Roles = append([]string{}, member.Roles...)
		rv[i] = member
	}
	return rv, nil
}

func (m *memoryRoles) AddRole(_ context.Context, _ string, memberID string, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addErr[memberID]; err != nil {
		return err
	}
	m.added = append(m.added, memberID)
	for i := range m.members {
		if m.members[i].ID == memberID {
			m.members[i].Roles = append(m.members[i].Roles, roleID)
		}
	}
	return nil
}

func (m *memoryRoles) RemoveRole(_ context.Context, _ string, memberID string, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, memberID)
	for i := range m.members {
		if m.members[i].ID == memberID {
			m.members[i].Roles = slices.DeleteFunc(
				m.members[i].Roles,
				func(r string) bool { return r == roleID },
			)
		}
	}
	return nil
}

func (*memoryRoles) HasRole(member Member, roleID string) bool {
	return member.hasRole(roleID)
}

// recordingNotifier records sent and edited messages
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []string
	edits   []string
	sendErr error
	editErr error
}

func (n *recordingNotifier) Send(_ context.Context, channelID string, text string) (MessageHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return MessageHandle{}, n.sendErr
	}
	n.sent = append(n.sent, text)
	return MessageHandle{ChannelID: channelID, MessageID: fmt.Sprintf("%d", len(n.sent))}, nil
}

func (n *recordingNotifier) Edit(_ context.Context, _ MessageHandle, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editErr != nil {
		return n.editErr
	}
	n.edits = append(n.edits, text)
	return nil
}

func (n *recordingNotifier) editCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.edits)
}

func eligibleIDs(ids ...string) EligibilityFunc {
	return func(_ context.Context, m Member) (bool, error) {
		return slices.Contains(ids, m.ID), nil
	}
}

func testMembers(n int, withRole ...int) []Member {
	members := make([]Member, n)
	for i := range members {
		members[i] = Member{ID: fmt.Sprintf("m%02d", i), Username: fmt.Sprintf("user%d", i)}
		if slices.Contains(withRole, i) {
			members[i].Roles = []string{"role"}
		}
	}
	return members
}

func TestRoleReconciler_Reconcile(t *testing.T) {
	t.Parallel()
	roles := &memoryRoles{members: testMembers(5, 1, 2)}
	notifier := &recordingNotifier{}
	r := NewRoleReconciler(roles, notifier, 0, slog.Default())

	target := ReconcileTarget{
		Kind:              ReconcileKindHost,
		GuildID:           "g",
		RoleID:            "role",
		RoleName:          "Host",
		Eligible:          eligibleIDs("m00", "m01"),
		Divisions:         2,
		ProgressChannelID: "c",
	}
	result, err := r.Reconcile(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Members)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Removed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)
	assert.Equal(
		t,
		[]RoleChange{{MemberID: "m00", Added: true}, {MemberID: "m02"}},
		result.Changes,
	)
	assert.Equal(t, []string{"m00"}, roles.added)
	assert.Equal(t, []string{"m02"}, roles.removed)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, ":clock1: Assigning Host", notifier.sent[0])
	require.NotEmpty(t, notifier.edits)
	assert.Equal(t, progressDoneText("Host"), notifier.edits[len(notifier.edits)-1])
	// one checkpoint every 1+5/2 members: 0 and 3
	assert.Equal(
		t,
		[]string{progressText(0, 5, "Host"), progressText(3, 5, "Host"), progressDoneText("Host")},
		notifier.edits,
	)

	t.Run(
		"idempotent", func(t *testing.T) {
			again, againErr := r.Reconcile(context.Background(), target)
			require.NoError(t, againErr)
			assert.Zero(t, again.Added)
			assert.Zero(t, again.Removed)
			assert.Empty(t, again.Changes)
		},
	)
}

func TestRoleReconciler_PartialFailures(t *testing.T) {
	t.Parallel()
	roles := &memoryRoles{
		members: testMembers(4),
		addErr:  map[string]error{"m01": errors.New("missing permissions")},
	}
	r := NewRoleReconciler(roles, &recordingNotifier{}, 0, slog.Default())

	lookupErr := errors.New("timeout")
	target := ReconcileTarget{
		Kind:    ReconcileKindYATA,
		GuildID: "g",
		RoleID:  "role",
		Eligible: func(_ context.Context, m Member) (bool, error) {
			if m.ID == "m03" {
				return false, lookupErr
			}
			return true, nil
		},
	}
	result, err := r.Reconcile(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Changes, 3)
	assert.Equal(t, "missing permissions", result.Changes[1].Error)
	assert.Equal(t, []string{"m00", "m02"}, roles.added)
}

func TestRoleReconciler_ListError(t *testing.T) {
	t.Parallel()
	listErr := errors.New("forbidden")
	r := NewRoleReconciler(&memoryRoles{listErr: listErr}, &recordingNotifier{}, 0, slog.Default())

	result, err := r.Reconcile(context.Background(), ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs()})
	require.ErrorIs(t, err, listErr)
	assert.Zero(t, result.Members)
}

func TestRoleReconciler_NotifierFailures(t *testing.T) {
	t.Parallel()
	roles := &memoryRoles{members: testMembers(3)}

	t.Run(
		"send", func(t *testing.T) {
			notifier := &recordingNotifier{sendErr: errors.New("missing access")}
			r := NewRoleReconciler(roles, notifier, 0, slog.Default())
			result, err := r.Reconcile(
				context.Background(),
				ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs("m00"), ProgressChannelID: "c"},
			)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Added)
			assert.Zero(t, notifier.editCount())
		},
	)
	t.Run(
		"edit", func(t *testing.T) {
			notifier := &recordingNotifier{editErr: errors.New("unknown message")}
			r := NewRoleReconciler(roles, notifier, 0, slog.Default())
			_, err := r.Reconcile(
				context.Background(),
				ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs(), ProgressChannelID: "c"},
			)
			require.NoError(t, err)
		},
	)
}

func TestRoleReconciler_RateLimitedProgress(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	r := NewRoleReconciler(&memoryRoles{members: testMembers(50)}, notifier, 0.001, slog.Default())

	_, err := r.Reconcile(
		context.Background(),
		ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs(), Divisions: 50, ProgressChannelID: "c"},
	)
	require.NoError(t, err)
	// the burst allows one checkpoint edit, the final edit always goes out
	assert.Equal(t, []string{progressText(0, 50, "role"), progressDoneText("role")}, notifier.edits)
}

func TestRoleReconciler_InProgress(t *testing.T) {
	t.Parallel()
	roles := &memoryRoles{members: testMembers(2), block: make(chan struct{})}
	r := NewRoleReconciler(roles, &recordingNotifier{}, 0, slog.Default())
	target := ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs("m00")}

	done := make(chan ReconcileResult, 1)
	require.NoError(
		t,
		r.Start(
			context.Background(), target, func(result ReconcileResult, err error) {
				assert.NoError(t, err)
				done <- result
			},
		),
	)

	_, err := r.Reconcile(context.Background(), target)
	assert.ErrorIs(t, err, ErrReconcileInProgress)
	assert.ErrorIs(t, r.Start(context.Background(), target, nil), ErrReconcileInProgress)

	close(roles.block)
	select {
	case result := <-done:
		assert.Equal(t, 1, result.Added)
	case <-time.After(10 * time.Second):
		t.Fatal("reconcile did not finish")
	}

	// the lock is released once the pass is done
	require.Eventually(
		t,
		func() bool {
			_, e := r.Reconcile(context.Background(), target)
			return e == nil
		},
		5*time.Second,
		10*time.Millisecond,
	)
}

func TestRoleReconciler_Canceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	target := ReconcileTarget{
		GuildID: "g",
		RoleID:  "role",
		Eligible: func(_ context.Context, _ Member) (bool, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return true, nil
		},
	}
	r := NewRoleReconciler(&memoryRoles{members: testMembers(10)}, &recordingNotifier{}, 0, slog.Default())
	result, err := r.Reconcile(ctx, target)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, result.Added)
}

func TestRoleReconciler_RunPeriodic(t *testing.T) {
	t.Parallel()
	roles := &memoryRoles{members: testMembers(3, 2)}
	r := NewRoleReconciler(roles, &recordingNotifier{}, 0, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})

	var mu sync.Mutex
	passes := 0
	targets := func(context.Context) []ReconcileTarget {
		mu.Lock()
		defer mu.Unlock()
		passes++
		return []ReconcileTarget{{GuildID: "g", RoleID: "role", Eligible: eligibleIDs("m00")}}
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.RunPeriodic(ctx, ready, 20*time.Millisecond, targets)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, passes, "waits for ready")
	mu.Unlock()

	close(ready)
	require.Eventually(
		t,
		func() bool {
			mu.Lock()
			defer mu.Unlock()
			return passes >= 2
		},
		5*time.Second,
		5*time.Millisecond,
	)
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPeriodic did not stop")
	}

	roles.mu.Lock()
	defer roles.mu.Unlock()
	assert.Equal(t, []string{"m00"}, roles.added)
	assert.Equal(t, []string{"m02"}, roles.removed)
}

func TestCheckpointEvery(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, checkpointEvery(0, 4))
	assert.Equal(t, 26, checkpointEvery(100, 4))
	assert.Equal(t, 101, checkpointEvery(100, 0))
}

func TestContactEligibility(t *testing.T) {
	t.Parallel()
	cache := NewConfigCache()
	cache.Replace(
		"g",
		Configuration{
			ModuleAdmin: {adminKeyServerAdmins: map[string]any{"u1": map[string]any{"name": "a", "torn_id": float64(1)}}},
		},
	)
	eligible := ContactEligibility(cache)
	ok, err := eligible(context.Background(), Member{ID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = eligible(context.Background(), Member{ID: "u2"})
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubAccounts map[string]error

func (s stubAccounts) IsKnownAccount(_ context.Context, discordID string) (bool, error) {
	err, ok := s[discordID]
	return ok && err == nil, err
}

func TestAccountEligibility(t *testing.T) {
	t.Parallel()
	eligible := AccountEligibility(stubAccounts{"u1": nil, "u2": errors.New("down")})
	ok, err := eligible(context.Background(), Member{ID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = eligible(context.Background(), Member{ID: "u2"})
	assert.ErrorIs(t, err, ErrLookupFailure)

	ok, err = eligible(context.Background(), Member{ID: "u3"})
	require.NoError(t, err)
	assert.False(t, ok)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, channelID string, text string) (MessageHandle, error) {
	args := m.Called(ctx, channelID, text)
	return args.Get(0).(MessageHandle), args.Error(1)
}

func (m *mockNotifier) Edit(ctx context.Context, handle MessageHandle, text string) error {
	args := m.Called(ctx, handle, text)
	return args.Error(0)
}

func TestRoleReconciler_ProgressMessages(t *testing.T) {
	t.Parallel()
	handle := MessageHandle{ChannelID: "c", MessageID: "m"}

	notifier := &mockNotifier{}
	notifier.On("Send", mock.Anything, "c", ":clock1: Assigning Host").Return(handle, nil).Once()
	notifier.On("Edit", mock.Anything, handle, progressText(0, 2, "Host")).Return(nil).Once()
	notifier.On("Edit", mock.Anything, handle, progressDoneText("Host")).Return(nil).Once()

	r := NewRoleReconciler(&memoryRoles{members: testMembers(2)}, notifier, 0, slog.Default())
	result, err := r.Reconcile(
		context.Background(),
		ReconcileTarget{
			GuildID:           "g",
			RoleID:            "role",
			RoleName:          "Host",
			Eligible:          eligibleIDs("m01"),
			Divisions:         1,
			ProgressChannelID: "c",
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	notifier.AssertExpectations(t)

	t.Run(
		"no progress channel", func(t *testing.T) {
			silent := &mockNotifier{}
			r := NewRoleReconciler(&memoryRoles{members: testMembers(2)}, silent, 0, slog.Default())
			_, err := r.Reconcile(
				context.Background(),
				ReconcileTarget{GuildID: "g", RoleID: "role", Eligible: eligibleIDs()},
			)
			require.NoError(t, err)
			silent.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
			silent.AssertNotCalled(t, "Edit", mock.Anything, mock.Anything, mock.Anything)
		},
	)
}

func TestRoleReconciler_FinalProgress(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 2, 50} {
		t.Run(
			fmt.Sprintf("%d members", n), func(t *testing.T) {
				t.Parallel()
				notifier := &recordingNotifier{}
				r := NewRoleReconciler(&memoryRoles{members: testMembers(n)}, notifier, 0, slog.Default())
				result, err := r.Reconcile(
					context.Background(),
					ReconcileTarget{
						GuildID:           "g",
						RoleID:            "role",
						RoleName:          "Host",
						Eligible:          eligibleIDs(),
						Divisions:         4,
						ProgressChannelID: "c",
					},
				)
				require.NoError(t, err)
				assert.Equal(t, n, result.Members)

				notifier.mu.Lock()
				edits := slices.Clone(notifier.edits)
				notifier.mu.Unlock()
				require.NotEmpty(t, edits)
				assert.Equal(t, progressDoneText("Host"), edits[len(edits)-1])
				done := 0
				for _, e := range edits {
					if strings.Contains(e, "100%") {
						done++
					}
				}
				assert.Equal(t, 1, done, "edits: %v", edits)
			},
		)
	}
}

func TestRoleReconciler_ListMembersFailure(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	roles := &memoryRoles{listErr: errors.New("discord unavailable")}
	r := NewRoleReconciler(roles, notifier, 0, slog.Default())

	_, err := r.Reconcile(
		context.Background(),
		ReconcileTarget{
			GuildID:           "g",
			RoleID:            "role",
			RoleName:          "Host",
			Eligible:          eligibleIDs(),
			ProgressChannelID: "c",
		},
	)
	require.ErrorContains(t, err, "discord unavailable")
	assert.Equal(t, []string{":clock1: Assigning Host"}, notifier.sent)
	assert.Equal(t, []string{progressFailedText("Host")}, notifier.edits)
}
