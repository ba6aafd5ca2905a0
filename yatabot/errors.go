package yatabot

import "errors"

var (
	// ErrStoreUnavailable wraps any failure reading or writing stored
	// guild configurations. Operations hitting it abort without
	// touching the cache.
	ErrStoreUnavailable = errors.New("configuration store unavailable")

	// ErrPartialMemberFailure is logged (and counted) when a role could
	// not be added to or removed from one member during a reconcile pass.
	ErrPartialMemberFailure = errors.New("role change failed for member")

	// ErrLookupFailure is returned by an eligibility predicate that could
	// not decide. The member is left unchanged for that pass.
	ErrLookupFailure = errors.New("eligibility lookup failed")

	// ErrNotifierFailure wraps failures to send or edit a progress or
	// report message. It is logged, never returned to callers.
	ErrNotifierFailure = errors.New("notification failed")

	// ErrReconcileInProgress is returned when a reconcile pass is
	// requested while another one is running.
	ErrReconcileInProgress = errors.New("a role reconciliation is already in progress")

	// ErrNotServerAdmin is returned by a sync invoked by a member who
	// isn't a registered admin of the guild.
	ErrNotServerAdmin = errors.New("you need to be a server admin to continue")

	// ErrNoPrivateMessage is returned by guild-only commands used in DMs
	ErrNoPrivateMessage = errors.New("this command cannot be used in private messages")

	// ErrMissingRole is returned when the author lacks every role
	// allowed to run a command
	ErrMissingRole = errors.New("you are missing at least one of the required roles")

	// ErrMissingPermissions is returned when the author lacks a
	// channel permission required by a command
	ErrMissingPermissions = errors.New("you are missing permissions to run this command")

	// ErrBotMissingPermissions is returned when the bot itself lacks a
	// channel permission required by a command
	ErrBotMissingPermissions = errors.New("the bot is missing permissions to run this command")

	// ErrNotAuthorized is returned for owner-only commands, and is
	// silently dropped
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUnknownCommand is silently dropped by the command error handler
	ErrUnknownCommand = errors.New("unknown command")
)

// UserInputError is a usage error. Its message is sent back as-is to the
// channel the command was used in.
type UserInputError struct {
	Message string
}

func (e UserInputError) Error() string {
	return e.Message
}

func userInputError(msg string) error {
	return UserInputError{Message: msg}
}
