package core

import "errors"

var (
	// ErrUnknownSwitch means the referenced switch vanished between decision
	// and install. Recovered by recomputation or silent abandonment, never
	// surfaced to users.
	ErrUnknownSwitch = errors.New("switch is not connected")

	// ErrUnknownTarget means a policy or verdict references a node, link or
	// flow that no longer exists. Dropped with a logged warning.
	ErrUnknownTarget = errors.New("target does not exist")

	// ErrInstallFailed wraps a switch rejecting or timing out on a table
	// mutation. No automatic retry.
	ErrInstallFailed = errors.New("flow install failed")

	// ErrNoPath means the endpoints are not in the same connected component.
	ErrNoPath = errors.New("no path between switches")
)
