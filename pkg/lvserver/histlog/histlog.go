// Per-device health history. Records are appended as self-contained JSON
// lines under <root>/<model_serial>/YYYY-MM-DD.jsonl, triggered by time, by
// attribute change or by operator request.
package histlog

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/function61/gokit/logex"
	"github.com/function61/levyvahti/pkg/lvserver/decision"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

const (
	LogReasonFirstScan   = "first_scan"
	LogReasonHourly      = "hourly"
	LogReasonSmartChange = "smart_change"
	LogReasonManual      = "manual"

	scoreDeltaTrigger = 5

	maxRotatedFiles = 3
)

// pointers keep "absent" distinguishable from "zero" across the round trip
type CriticalAttributes struct {
	Reallocated   *uint64 `json:"reallocated,omitempty"`
	Pending       *uint64 `json:"pending,omitempty"`
	Uncorrectable *uint64 `json:"uncorrectable,omitempty"`
	Timeout       *uint64 `json:"timeout,omitempty"`
	Temperature   *uint64 `json:"temperature,omitempty"`
}

type Record struct {
	Timestamp          time.Time                  `json:"timestamp"`
	Identity           lvtypes.DeviceIdentity     `json:"identity"`
	ScanOutcome        lvtypes.ScanOutcome        `json:"scan_outcome,omitempty"`
	HealthScore        int                        `json:"health_score"`
	Components         lvtypes.ComponentBreakdown `json:"component_breakdown"`
	Decision           *lvtypes.Decision          `json:"decision,omitempty"`
	GdcState           lvtypes.GdcState           `json:"gdc_state"`
	LogReason          string                     `json:"log_reason"`
	AttributesCritical CriticalAttributes         `json:"attributes_critical"`
}

type identityState struct {
	mu         sync.Mutex // serializes writes per identity
	lastLogged *Record
	seeded     bool // tried loading the baseline from disk already
}

type Logger struct {
	root           string
	retentionBytes int64
	logl           *logex.Leveled
	now            func() time.Time

	mu         sync.Mutex
	identities map[string]*identityState
}

func New(root string, retentionSizeKb int, logger *log.Logger) *Logger {
	return &Logger{
		root:           root,
		retentionBytes: int64(retentionSizeKb) * 1024,
		logl:           logex.Levels(logex.NonNil(logger)),
		now:            time.Now,
		identities:     map[string]*identityState{},
	}
}

// Previous returns the baseline for trend evaluation: the critical values and
// score from the last logged record of this identity, if any.
func (l *Logger) Previous(identity lvtypes.DeviceIdentity) *decision.PreviousObservation {
	state := l.identityState(identity)

	state.mu.Lock()
	defer state.mu.Unlock()

	l.seedLocked(identity, state)

	if state.lastLogged == nil {
		return nil
	}

	score := state.lastLogged.HealthScore

	return &decision.PreviousObservation{
		Reallocated: state.lastLogged.AttributesCritical.Reallocated,
		Pending:     state.lastLogged.AttributesCritical.Pending,
		HealthScore: &score,
	}
}

// Consider commits the record to history when one of the triggers fires.
// Returns the log reason, or "" when nothing was written.
func (l *Logger) Consider(rec *lvtypes.DeviceRecord, force bool) (string, error) {
	state := l.identityState(rec.Identity)

	state.mu.Lock()
	defer state.mu.Unlock()

	l.seedLocked(rec.Identity, state)

	reason := l.triggerLocked(state, rec, force)
	if reason == "" {
		return "", nil
	}

	entry := recordFrom(rec, l.now(), reason)

	if err := l.appendLocked(rec.Identity, entry); err != nil {
		return "", err
	}

	state.lastLogged = &entry

	return reason, nil
}

func (l *Logger) triggerLocked(state *identityState, rec *lvtypes.DeviceRecord, force bool) string {
	if force {
		return LogReasonManual
	}

	if state.lastLogged == nil {
		return LogReasonFirstScan
	}

	last := state.lastLogged

	if l.now().Truncate(time.Hour).After(last.Timestamp.Truncate(time.Hour)) {
		return LogReasonHourly
	}

	current := criticalFrom(rec.Attributes)

	if !criticalEqual(current, last.AttributesCritical) ||
		rec.GdcState != last.GdcState ||
		abs(rec.HealthScore-last.HealthScore) >= scoreDeltaTrigger {
		return LogReasonSmartChange
	}

	return ""
}

func (l *Logger) appendLocked(identity lvtypes.DeviceIdentity, entry Record) error {
	dir := filepath.Join(l.root, identity.Key())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	active := filepath.Join(dir, entry.Timestamp.Format("2006-01-02")+".jsonl")

	if err := l.rotateIfOversized(active); err != nil {
		l.logl.Error.Printf("rotate %s: %v", active, err)
	}

	file, err := os.OpenFile(active, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return err
	}

	if err := file.Close(); err != nil {
		return err
	}

	l.evictOldest(dir, active)

	return nil
}

// a single day outgrowing the cap rolls to numbered files, oldest dropped
func (l *Logger) rotateIfOversized(active string) error {
	info, err := os.Stat(active)
	if err != nil || info.Size() < l.retentionBytes {
		return nil
	}

	oldest := numberedName(active, maxRotatedFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}

	for i := maxRotatedFiles - 1; i >= 1; i-- {
		from := numberedName(active, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, numberedName(active, i+1)); err != nil {
				return err
			}
		}
	}

	return os.Rename(active, numberedName(active, 1))
}

func numberedName(active string, n int) string {
	return active + "." + string(rune('0'+n))
}

// oldest records go first when the per-device directory exceeds the cap
func (l *Logger) evictOldest(dir string, active string) {
	type candidate struct {
		path    string
		size    int64
		modTime time.Time
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	total := int64(0)
	candidates := []candidate{}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		total += info.Size()

		modTime := info.ModTime()
		if spec, err := times.Stat(path); err == nil {
			modTime = spec.ModTime()
		}

		if path != active {
			candidates = append(candidates, candidate{path, info.Size(), modTime})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	for _, victim := range candidates {
		if total <= l.retentionBytes {
			return
		}

		if err := os.Remove(victim.path); err != nil {
			l.logl.Error.Printf("evict %s: %v", victim.path, err)
			continue
		}

		total -= victim.size
	}
}

// Sweep applies retention across every device directory. Eviction normally
// rides along each write; this covers files accumulated while the daemon was
// not running.
func (l *Logger) Sweep() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			l.evictOldest(filepath.Join(l.root, entry.Name()), "")
		}
	}

	return nil
}

// ReadDay replays one day of history for an identity.
func (l *Logger) ReadDay(identity lvtypes.DeviceIdentity, date string) ([]Record, error) {
	path := filepath.Join(l.root, identity.Key(), date+".jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer func() { _ = file.Close() }()

	records := []Record{}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec := Record{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			l.logl.Error.Printf("corrupt line in %s: %v", path, err)
			continue
		}
		records = append(records, rec)
	}

	return records, scanner.Err()
}

func (l *Logger) identityState(identity lvtypes.DeviceIdentity) *identityState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, has := l.identities[identity.Key()]
	if !has {
		state = &identityState{}
		l.identities[identity.Key()] = state
	}

	return state
}

// baseline survives daemon restarts by reading the newest on-disk record once
func (l *Logger) seedLocked(identity lvtypes.DeviceIdentity, state *identityState) {
	if state.seeded {
		return
	}
	state.seeded = true

	dir := filepath.Join(l.root, identity.Key())

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	names := []string{}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".jsonl" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return
	}

	sort.Strings(names) // dated names sort chronologically

	records, err := l.ReadDay(identity, names[len(names)-1][:len("2006-01-02")])
	if err != nil || len(records) == 0 {
		return
	}

	last := records[len(records)-1]
	state.lastLogged = &last
}

func recordFrom(rec *lvtypes.DeviceRecord, now time.Time, reason string) Record {
	return Record{
		Timestamp:          now,
		Identity:           rec.Identity,
		ScanOutcome:        rec.ScanOutcome,
		HealthScore:        rec.HealthScore,
		Components:         rec.Components,
		Decision:           rec.Decision,
		GdcState:           rec.GdcState,
		LogReason:          reason,
		AttributesCritical: criticalFrom(rec.Attributes),
	}
}

func criticalFrom(attrs lvtypes.AttributeMap) CriticalAttributes {
	get := func(id int) *uint64 {
		if value, found := attrs.Raw(id); found {
			return &value
		}
		return nil
	}

	return CriticalAttributes{
		Reallocated:   get(lvtypes.AttrReallocatedSectors),
		Pending:       get(lvtypes.AttrPendingSectors),
		Uncorrectable: get(lvtypes.AttrReportedUncorrectable),
		Timeout:       get(lvtypes.AttrCommandTimeout),
		Temperature:   get(lvtypes.AttrTemperature),
	}
}

func criticalEqual(a CriticalAttributes, b CriticalAttributes) bool {
	eq := func(x *uint64, y *uint64) bool {
		if (x == nil) != (y == nil) {
			return false
		}
		return x == nil || *x == *y
	}

	return eq(a.Reallocated, b.Reallocated) &&
		eq(a.Pending, b.Pending) &&
		eq(a.Uncorrectable, b.Uncorrectable) &&
		eq(a.Timeout, b.Timeout)
	// temperature changes on every scan; it doesn't trigger a log by itself
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
