// The scanning engine: owns the device inventory, drives parallel SMART polls
// through a bounded worker pool and publishes a consistent snapshot. A single
// mutex guards the inventory; every record is replaced as a whole, so readers
// never see a half-written entry.
package scanengine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/levyvahti/pkg/blockdev"
	"github.com/function61/levyvahti/pkg/gdc"
	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/function61/levyvahti/pkg/scoring"
	"github.com/function61/levyvahti/pkg/smart"
)

type Config struct {
	PollingInterval   time.Duration
	WorkerPoolLimit   int // 0 = min(device count, 8)
	SmartDeadline     time.Duration
	WatchdogInterval  time.Duration
	WatchdogThreshold time.Duration
	AbsenceEvictN     int
	FreezeDuration    time.Duration
	GdcEnabled        bool
}

func DefaultConfig() Config {
	return Config{
		PollingInterval:   60 * time.Second,
		SmartDeadline:     15 * time.Second,
		WatchdogInterval:  60 * time.Second,
		WatchdogThreshold: 30 * time.Second,
		AbsenceEvictN:     3,
		FreezeDuration:    5 * time.Minute,
		GdcEnabled:        true,
	}
}

// completes a record with a verdict; wired to the decision engine + history
// baseline in the server, trivial in tests
type Evaluator interface {
	Decide(rec *lvtypes.DeviceRecord) *lvtypes.Decision
}

// consumes completed records and inventory lifecycle happenings. Invoked
// synchronously after each publication, outside the inventory lock.
type Sink interface {
	RecordPublished(ctx context.Context, rec *lvtypes.DeviceRecord, forced bool)
	DeviceEvicted(rec *lvtypes.DeviceRecord)
	LifecycleEvent(identity lvtypes.DeviceIdentity, osName string, eventType string, message string)
}

// persisted GDC state, so a device re-appearing (same process or later one)
// resumes its counters. nil = no persistence.
type GdcStore interface {
	SaveGdcSnapshot(identity lvtypes.DeviceIdentity, snapshot gdc.Snapshot) error
	GdcSnapshot(identity lvtypes.DeviceIdentity) (*gdc.Snapshot, error)
}

type MonitorPredicate func(osName string) bool

type deviceState struct {
	record           lvtypes.DeviceRecord
	tracker          *gdc.Tracker
	absences         int
	appliedDispatch  time.Time // dispatch timestamp of the stored result
	placeholderAt    time.Time // zero when no placeholder is pending
	restoreAttempted bool
}

type Engine struct {
	conf       Config
	enumerator blockdev.Enumerator
	reader     smart.Reader
	evaluator  Evaluator
	sink       Sink
	gdcStore   GdcStore // may be nil
	monitored  MonitorPredicate
	logl       *logex.Leveled
	now        func() time.Time

	mu           sync.Mutex
	inventory    map[string]*deviceState
	lastTick     time.Time
	tickInFlight bool

	workers sync.WaitGroup
}

func New(
	conf Config,
	enumerator blockdev.Enumerator,
	reader smart.Reader,
	evaluator Evaluator,
	sink Sink,
	gdcStore GdcStore,
	monitored MonitorPredicate,
	logger *log.Logger,
) *Engine {
	if monitored == nil {
		monitored = func(string) bool { return true }
	}

	return &Engine{
		conf:       conf,
		enumerator: enumerator,
		reader:     reader,
		evaluator:  evaluator,
		sink:       sink,
		gdcStore:   gdcStore,
		monitored:  monitored,
		logl:       logex.Levels(logex.NonNil(logger)),
		now:        time.Now,
		inventory:  map[string]*deviceState{},
	}
}

// Snapshot returns a consistent deep copy of the inventory at an instant.
func (e *Engine) Snapshot() []lvtypes.DeviceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := []lvtypes.DeviceRecord{}
	for _, state := range e.inventory {
		records = append(records, state.record.Clone())
	}

	sort.Slice(records, func(i, j int) bool { return records[i].OsName < records[j].OsName })

	return records
}

// Tick advances the cadence. No-op while a tick is in flight or when the
// polling interval hasn't elapsed yet.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	if e.tickInFlight || e.now().Sub(e.lastTick) < e.conf.PollingInterval {
		e.mu.Unlock()
		return
	}
	e.tickInFlight = true
	e.lastTick = e.now()
	e.mu.Unlock()

	e.scan(ctx, false)

	e.mu.Lock()
	e.tickInFlight = false
	e.mu.Unlock()
}

// ForceScan scans everything immediately, including SUSPECT/CONFIRMED
// devices, and opens their freeze window.
func (e *Engine) ForceScan(ctx context.Context) {
	e.mu.Lock()
	freezeUntil := e.now().Add(e.conf.FreezeDuration)
	for _, state := range e.inventory {
		state.tracker.Freeze(freezeUntil)
	}
	e.lastTick = e.now()
	e.mu.Unlock()

	e.scan(ctx, true)
}

// CheckOnce performs one scan cycle synchronously and returns the snapshot.
// No background tasks are started.
func (e *Engine) CheckOnce(ctx context.Context) []lvtypes.DeviceRecord {
	e.scan(ctx, false)
	e.workers.Wait()

	return e.Snapshot()
}

// ToggleMonitoring excludes a device from future scans (or re-includes it)
// without touching its history. Idempotent.
func (e *Engine) ToggleMonitoring(identity lvtypes.DeviceIdentity, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	for _, state := range e.inventory {
		if state.record.Identity == identity {
			state.record.Monitored = enabled
			found = true
		}
	}

	return found
}

// Drain waits for in-flight workers, at most the given grace period.
// Workers that overstay are abandoned; their results will be discarded.
func (e *Engine) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		e.logl.Error.Printf("drain: workers still busy after %s - abandoning", grace)
	}
}

func (e *Engine) scan(ctx context.Context, forced bool) {
	devices, err := e.enumerator.List()
	if err != nil {
		e.logl.Error.Printf("enumerating block devices: %v", err)
		return
	}

	evicted, discovered := e.reconcile(devices)

	for _, rec := range evicted {
		rec := rec
		e.sink.LifecycleEvent(rec.Identity, rec.OsName, "vanished", "device vanished from the system")
		e.sink.DeviceEvicted(&rec)
	}
	for _, dev := range discovered {
		e.sink.LifecycleEvent(lvtypes.DeviceIdentity{}, dev, "discovered", "device discovered")
	}

	targets := e.installPlaceholders()

	poolSize := e.conf.WorkerPoolLimit
	if poolSize <= 0 {
		poolSize = len(targets)
		if poolSize > 8 {
			poolSize = 8
		}
	}
	if poolSize < 1 {
		poolSize = 1
	}

	slots := make(chan struct{}, poolSize)

	for _, target := range targets {
		target := target

		e.workers.Add(1)
		go func() {
			defer e.workers.Done()

			slots <- struct{}{}
			defer func() { <-slots }()

			outcome := e.safeRead(ctx, target.osName, target.bus)

			e.apply(ctx, target.osName, outcome, target.dispatchedAt, forced)
		}()
	}
}

// reconcile the OS device list against the inventory: insert new devices,
// count absences, evict after N misses (flushing the final record first)
func (e *Engine) reconcile(devices []blockdev.Device) ([]lvtypes.DeviceRecord, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	present := map[string]blockdev.Device{}
	for _, dev := range devices {
		present[dev.Name] = dev
	}

	evicted := []lvtypes.DeviceRecord{}
	discovered := []string{}

	for osName, state := range e.inventory {
		if _, stillThere := present[osName]; stillThere {
			state.absences = 0
			continue
		}

		state.absences++
		if state.absences >= e.conf.AbsenceEvictN {
			final := state.record.Clone()
			final.ScanOutcome = lvtypes.ScanOutcomeVanished
			final.ScanningInProgress = false

			evicted = append(evicted, final)
			e.saveGdcLocked(state)
			delete(e.inventory, osName)
		}
	}

	for osName, dev := range present {
		if _, known := e.inventory[osName]; known {
			continue
		}

		e.inventory[osName] = &deviceState{
			record: lvtypes.DeviceRecord{
				OsName:        osName,
				CapacityBytes: dev.SizeBytes,
				Rotational:    dev.Rotational,
				Bus:           dev.Bus,
				Attributes:    lvtypes.AttributeMap{},
				HealthState:   lvtypes.HealthStateUnknown,
				GdcState:      lvtypes.GdcStateOK,
				Monitored:     e.monitored(osName),
			},
			tracker: gdc.NewTracker(),
		}

		discovered = append(discovered, osName)
	}

	return evicted, discovered
}

type scanTarget struct {
	osName       string
	bus          lvtypes.Bus
	dispatchedAt time.Time
}

// a placeholder preserves the previous attribute data, so readers keep seeing
// last-known values while the fresh poll runs
func (e *Engine) installPlaceholders() []scanTarget {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	targets := []scanTarget{}

	for osName, state := range e.inventory {
		if !state.record.Monitored || !state.tracker.Pollable() {
			continue
		}

		state.record.ScanningInProgress = true
		state.placeholderAt = now

		targets = append(targets, scanTarget{
			osName:       osName,
			bus:          state.record.Bus,
			dispatchedAt: now,
		})
	}

	return targets
}

// a panicking worker must not take the daemon down; its device reads as a
// parse failure
func (e *Engine) safeRead(ctx context.Context, osName string, bus lvtypes.Bus) (outcome smart.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logl.Error.Printf("worker panic reading %s: %v", osName, r)
			outcome = smart.Outcome{Kind: smart.OutcomeParseError}
		}
	}()

	return e.reader.Read(ctx, osName, bus)
}

func (e *Engine) apply(ctx context.Context, osName string, outcome smart.Outcome, dispatchedAt time.Time, forced bool) {
	e.mu.Lock()

	state, known := e.inventory[osName]
	if !known {
		// evicted while we were reading
		e.mu.Unlock()
		return
	}

	// results apply in dispatch order; a slower worker from an earlier
	// dispatch must not overwrite a newer result
	if dispatchedAt.Before(state.appliedDispatch) {
		e.mu.Unlock()
		return
	}

	now := e.now()

	// identity swap at the same OS path = a different disk was plugged in
	var identitySwapEviction *lvtypes.DeviceRecord
	if outcome.Kind == smart.OutcomeSuccess &&
		!state.record.Identity.Empty() && !outcome.Identity.Empty() &&
		outcome.Identity != state.record.Identity {

		final := state.record.Clone()
		final.ScanOutcome = lvtypes.ScanOutcomeVanished
		final.ScanningInProgress = false
		identitySwapEviction = &final

		e.saveGdcLocked(state)

		state = &deviceState{
			record: lvtypes.DeviceRecord{
				OsName:        osName,
				CapacityBytes: state.record.CapacityBytes,
				Rotational:    state.record.Rotational,
				Bus:           state.record.Bus,
				Attributes:    lvtypes.AttributeMap{},
				HealthState:   lvtypes.HealthStateUnknown,
				GdcState:      lvtypes.GdcStateOK,
				Monitored:     e.monitored(osName),
			},
			tracker: gdc.NewTracker(),
		}
		e.inventory[osName] = state
	}

	if e.conf.GdcEnabled {
		e.feedTrackerLocked(state, outcome, now)
	}

	transitionMsg, transitioned := state.tracker.TransitionEvent()
	if transitioned {
		e.saveGdcLocked(state)
	}

	rec := e.composeLocked(state, outcome, now)

	state.record = rec
	state.appliedDispatch = dispatchedAt
	state.placeholderAt = time.Time{}

	published := rec.Clone()
	identity := rec.Identity

	e.mu.Unlock()

	if identitySwapEviction != nil {
		e.sink.LifecycleEvent(identitySwapEviction.Identity, osName, "vanished",
			"different disk appeared at this path - previous one treated as vanished")
		e.sink.DeviceEvicted(identitySwapEviction)
	}

	if transitioned {
		e.sink.LifecycleEvent(identity, osName, "gdc_transition", transitionMsg)
	}

	e.sink.RecordPublished(ctx, &published, forced)
}

func (e *Engine) feedTrackerLocked(state *deviceState, outcome smart.Outcome, now time.Time) {
	switch outcome.Kind {
	case smart.OutcomeSuccess:
		if outcome.Identity.Empty() && (outcome.Bus == lvtypes.BusUsb || state.record.Bus == lvtypes.BusUsb) {
			state.tracker.ObserveUsbWithoutIdentity()
			return
		}

		e.maybeRestoreTrackerLocked(state, outcome.Identity)
		state.tracker.ObserveSuccess(now)

	case smart.OutcomeTimeout, smart.OutcomeParseError:
		state.tracker.ObserveFailure(now)

	case smart.OutcomeNoSupport:
		state.tracker.ObserveNoSupport()

	case smart.OutcomeVanished:
		state.absences++
	}
}

// the first successful read reveals the identity; if we have persisted GDC
// state for it (device re-appeared, or daemon restarted), resume from that
func (e *Engine) maybeRestoreTrackerLocked(state *deviceState, identity lvtypes.DeviceIdentity) {
	if e.gdcStore == nil || state.restoreAttempted || !state.record.Identity.Empty() {
		return
	}
	state.restoreAttempted = true

	snapshot, err := e.gdcStore.GdcSnapshot(identity)
	if err != nil || snapshot == nil {
		return
	}

	counters := state.tracker.Counters()
	if counters.TotalSuccesses+counters.TotalFailures > 0 {
		// this session has its own observations already; don't overwrite
		return
	}

	state.tracker = gdc.Restore(*snapshot)
}

func (e *Engine) composeLocked(state *deviceState, outcome smart.Outcome, now time.Time) lvtypes.DeviceRecord {
	rec := state.record.Clone()

	rec.ScanningInProgress = false
	rec.ScanOutcome = scanOutcomeOf(outcome.Kind)
	rec.LastScanAt = now
	rec.LastSmartResponseMs = outcome.Elapsed.Milliseconds()
	rec.GdcState = state.tracker.State()

	if outcome.Kind == smart.OutcomeSuccess {
		if !outcome.Identity.Empty() {
			rec.Identity = outcome.Identity
		}
		if outcome.Bus != "" && outcome.Bus != lvtypes.BusUnknown {
			rec.Bus = outcome.Bus
		}
		if outcome.Rotational != nil {
			rec.Rotational = *outcome.Rotational
		}
		if outcome.CapacityBytes > 0 {
			rec.CapacityBytes = outcome.CapacityBytes
		}
		if outcome.TemperatureMaxLifetime > 0 {
			rec.TemperatureMaxLifetime = outcome.TemperatureMaxLifetime
		}

		rec.Attributes = outcome.Attributes.Clone()

		scored := scoring.Score(scoring.DeviceFacts{
			Attributes:         rec.Attributes,
			Rotational:         rec.Rotational,
			RatedEnduranceLbas: scoring.EstimateRatedEnduranceLbas(rec.CapacityBytes),
		})

		rec.HealthScore = scored.HealthScore
		rec.HealthState = scored.HealthState
		rec.Components = scored.Components
		rec.EscalatedAttributes = scored.Escalated
	}

	rec.Decision = e.evaluator.Decide(&rec)

	return rec
}

func (e *Engine) saveGdcLocked(state *deviceState) {
	if e.gdcStore == nil || state.record.Identity.Empty() {
		return
	}

	if err := e.gdcStore.SaveGdcSnapshot(state.record.Identity, state.tracker.Snapshot()); err != nil {
		e.logl.Error.Printf("persisting gdc snapshot: %v", err)
	}
}

// WatchdogTask clears placeholders that have been pending for too long, so a
// stuck smartctl can't wedge a device's snapshot entry forever. It never
// fabricates attributes.
func (e *Engine) WatchdogTask() func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(e.conf.WatchdogInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, stuck := range e.clearStuckPlaceholders() {
					e.sink.LifecycleEvent(stuck.Identity, stuck.OsName, "stuck_scan",
						"scan did not finish in time - placeholder cleared")
				}
			}
		}
	}
}

func (e *Engine) clearStuckPlaceholders() []lvtypes.DeviceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	stuck := []lvtypes.DeviceRecord{}

	for osName, state := range e.inventory {
		if !state.record.ScanningInProgress || state.placeholderAt.IsZero() {
			continue
		}

		if now.Sub(state.placeholderAt) < e.conf.WatchdogThreshold {
			continue
		}

		e.logl.Error.Printf("%s: stuck scan (placeholder older than %s)", osName, e.conf.WatchdogThreshold)

		state.record.ScanningInProgress = false
		state.placeholderAt = time.Time{}

		stuck = append(stuck, state.record.Clone())
	}

	return stuck
}

func scanOutcomeOf(kind smart.OutcomeKind) lvtypes.ScanOutcome {
	switch kind {
	case smart.OutcomeSuccess:
		return lvtypes.ScanOutcomeSuccess
	case smart.OutcomeTimeout:
		return lvtypes.ScanOutcomeTimeout
	case smart.OutcomeParseError:
		return lvtypes.ScanOutcomeParseError
	case smart.OutcomeNoSupport:
		return lvtypes.ScanOutcomeNoSupport
	case smart.OutcomeVanished:
		return lvtypes.ScanOutcomeVanished
	default:
		return lvtypes.ScanOutcomeParseError
	}
}

// NopSink is for one-shot CLI use and tests: completed records are returned
// via Snapshot(), nothing else needs to happen.
type NopSink struct{}

func (NopSink) RecordPublished(context.Context, *lvtypes.DeviceRecord, bool) {}
func (NopSink) DeviceEvicted(*lvtypes.DeviceRecord)                          {}
func (NopSink) LifecycleEvent(lvtypes.DeviceIdentity, string, string, string) {
}
