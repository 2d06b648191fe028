package registry

import (
	"sync/atomic"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var gateLog = logger.New("registry:gate")

// WriteGate is the process-wide switch that blocks mutating tools until the
// client approves write actions. Setting it affects subsequent dispatches
// only; an in-flight call is never aborted retroactively.
type WriteGate struct {
	approved atomic.Bool
	// autoApproved mirrors the env toggle: every tool reports
	// approval_required=false and the gate never blocks.
	autoApproved bool
}

// NewWriteGate builds a gate. With autoApproved the gate starts open.
func NewWriteGate(autoApproved bool) *WriteGate {
	g := &WriteGate{autoApproved: autoApproved}
	if autoApproved {
		g.approved.Store(true)
	}
	return g
}

// Authorize flips the process-wide approval flag.
func (g *WriteGate) Authorize(approved bool) {
	g.approved.Store(approved)
	gateLog.Printf("Write actions approved=%v", approved)
}

// Approved reports the current flag.
func (g *WriteGate) Approved() bool { return g.approved.Load() }

// AutoApproved reports whether the env toggle pre-opened the gate.
func (g *WriteGate) AutoApproved() bool { return g.autoApproved }

// EnsureAllowed returns WriteApprovalRequiredError when a call of the given
// side-effect class may not proceed. Read-only calls always pass.
func (g *WriteGate) EnsureAllowed(tool string, effect constants.SideEffect, targetRef string) error {
	if effect == constants.ReadOnly {
		return nil
	}
	if g.approved.Load() {
		return nil
	}
	gateLog.Printf("Blocked %s (%s) pending write approval", tool, effect)
	return &brokererrors.WriteApprovalRequiredError{Tool: tool, TargetRef: targetRef}
}
