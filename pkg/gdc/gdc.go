// Ghost Drive Condition tracking. A controller that has stopped delivering
// trustworthy SMART telemetry is a different failure from missing telemetry:
// absence of data is never diagnosed as failure.
package gdc

import (
	"fmt"
	"time"

	"github.com/function61/levyvahti/pkg/lvtypes"
)

const (
	suspectAfterConsecutiveFailures   = 3
	confirmedAfterConsecutiveFailures = 6
	terminalAfterConsecutiveFailures  = 50

	confirmedRecoveryAfterSuccesses = 3

	usbNoIdentityPollsToUnassessable = 2
)

type Counters struct {
	ConsecutiveFailures  int  `json:"consecutive_failures"`
	ConsecutiveSuccesses int  `json:"consecutive_successes"`
	TotalFailures        int  `json:"total_failures"`
	TotalSuccesses       int  `json:"total_successes"`
	HasEverSucceeded     bool `json:"has_ever_succeeded"`
}

// per-device state machine driven by reader outcomes. Not safe for concurrent
// use - the scan engine accesses trackers under its inventory mutex.
type Tracker struct {
	state              lvtypes.GdcState
	previousState      lvtypes.GdcState
	counters           Counters
	freezeUntil        time.Time
	usbNoIdentityPolls int
}

func NewTracker() *Tracker {
	return &Tracker{
		state:         lvtypes.GdcStateOK,
		previousState: lvtypes.GdcStateOK,
	}
}

func (t *Tracker) State() lvtypes.GdcState {
	return t.state
}

func (t *Tracker) Counters() Counters {
	return t.counters
}

// TERMINAL and UNASSESSABLE devices are not worth the smartctl round trips
func (t *Tracker) Pollable() bool {
	return t.state != lvtypes.GdcStateTerminal && t.state != lvtypes.GdcStateUnassessable
}

func (t *Tracker) ObserveSuccess(now time.Time) {
	t.counters.TotalSuccesses++
	t.counters.ConsecutiveSuccesses++
	t.counters.ConsecutiveFailures = 0
	t.counters.HasEverSucceeded = true
	t.usbNoIdentityPolls = 0

	if t.frozen(now) {
		// one success during the freeze window clears the condition
		t.freezeUntil = time.Time{}
		if t.state == lvtypes.GdcStateSuspect || t.state == lvtypes.GdcStateConfirmed {
			t.state = lvtypes.GdcStateOK
		}
		return
	}

	switch t.state {
	case lvtypes.GdcStateSuspect:
		t.state = lvtypes.GdcStateOK
	case lvtypes.GdcStateConfirmed:
		if t.counters.ConsecutiveSuccesses >= confirmedRecoveryAfterSuccesses {
			t.state = lvtypes.GdcStateOK
		}
	}
	// TERMINAL never leaves; UNASSESSABLE is sticky
}

// a timeout or parse error. Vanishing is not a tracker event - the engine's
// absence counter owns that.
func (t *Tracker) ObserveFailure(now time.Time) {
	if t.frozen(now) {
		// failure accounting is suspended; pre-freeze counters resume as-is
		// once the window ends
		return
	}

	if t.state == lvtypes.GdcStateTerminal || t.state == lvtypes.GdcStateUnassessable {
		return
	}

	t.counters.TotalFailures++
	t.counters.ConsecutiveFailures++
	t.counters.ConsecutiveSuccesses = 0

	switch {
	case t.counters.ConsecutiveFailures >= terminalAfterConsecutiveFailures && !t.counters.HasEverSucceeded:
		t.state = lvtypes.GdcStateTerminal
	case t.counters.ConsecutiveFailures >= confirmedAfterConsecutiveFailures:
		t.state = lvtypes.GdcStateConfirmed
	case t.counters.ConsecutiveFailures >= suspectAfterConsecutiveFailures:
		if t.state == lvtypes.GdcStateOK {
			t.state = lvtypes.GdcStateSuspect
		}
	}
}

// the device reported "SMART not supported". Sticky for the process lifetime.
func (t *Tracker) ObserveNoSupport() {
	if t.state == lvtypes.GdcStateTerminal {
		return
	}

	t.state = lvtypes.GdcStateUnassessable
}

// a USB-bridged device that yields no identity two polls in a row cannot be
// assessed (the bridge is eating the telemetry, the disk may be fine)
func (t *Tracker) ObserveUsbWithoutIdentity() {
	if t.state != lvtypes.GdcStateOK {
		return
	}

	t.usbNoIdentityPolls++
	if t.usbNoIdentityPolls >= usbNoIdentityPollsToUnassessable {
		t.state = lvtypes.GdcStateUnassessable
	}
}

// operator force-scan gives SUSPECT/CONFIRMED devices a grace window during
// which failures don't advance the condition
func (t *Tracker) Freeze(until time.Time) {
	if t.state == lvtypes.GdcStateSuspect || t.state == lvtypes.GdcStateConfirmed {
		t.freezeUntil = until
	}
}

func (t *Tracker) FreezeUntil() time.Time {
	return t.freezeUntil
}

func (t *Tracker) frozen(now time.Time) bool {
	return !t.freezeUntil.IsZero() && now.Before(t.freezeUntil)
}

// TransitionEvent returns a loggable message when the state changed since the
// last call, and commits the observation.
func (t *Tracker) TransitionEvent() (string, bool) {
	prev, curr := t.previousState, t.state
	if prev == curr {
		return "", false
	}

	t.previousState = curr

	switch {
	case curr == lvtypes.GdcStateSuspect:
		return "ghost drive SUSPECTED - disk showing early warning signs", true
	case curr == lvtypes.GdcStateConfirmed:
		return "ghost drive CONFIRMED - disk reliability compromised", true
	case curr == lvtypes.GdcStateTerminal:
		return "ghost drive TERMINAL - disk should be replaced immediately", true
	case curr == lvtypes.GdcStateUnassessable:
		return "SMART telemetry unassessable - not treated as failure", true
	case curr == lvtypes.GdcStateOK:
		return "ghost drive status revoked - disk delivering reliable data again", true
	default:
		return fmt.Sprintf("state change: %s -> %s", prev, curr), true
	}
}

// Snapshot and Restore exist so stickiness survives a daemon restart
type Snapshot struct {
	State    lvtypes.GdcState `json:"state"`
	Counters Counters         `json:"counters"`
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{State: t.state, Counters: t.counters}
}

func Restore(snapshot Snapshot) *Tracker {
	t := NewTracker()
	t.counters = snapshot.Counters

	switch snapshot.State {
	case lvtypes.GdcStateTerminal, lvtypes.GdcStateUnassessable:
		// sticky states restore verbatim
		t.state = snapshot.State
		t.previousState = snapshot.State
	default:
		// transient states re-derive from the counters so a stale snapshot
		// can't invent a worse condition than the counters support
		switch {
		case snapshot.Counters.ConsecutiveFailures >= confirmedAfterConsecutiveFailures:
			t.state = lvtypes.GdcStateConfirmed
		case snapshot.Counters.ConsecutiveFailures >= suspectAfterConsecutiveFailures:
			t.state = lvtypes.GdcStateSuspect
		default:
			t.state = lvtypes.GdcStateOK
		}
		t.previousState = t.state
	}

	return t
}
