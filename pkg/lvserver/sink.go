package lvserver

import (
	"context"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/levyvahti/pkg/config"
	"github.com/function61/levyvahti/pkg/lvserver/decision"
	"github.com/function61/levyvahti/pkg/lvserver/histlog"
	"github.com/function61/levyvahti/pkg/lvserver/lifecycledb"
	"github.com/function61/levyvahti/pkg/lvserver/unmount"
	"github.com/function61/levyvahti/pkg/lvtypes"
)

// completes records with a verdict: severity ladder evaluated against the
// thresholds from settings, trends against the last logged history record
type historyBackedEvaluator struct {
	history *histlog.Logger
	conf    decision.Config
}

func (h *historyBackedEvaluator) Decide(rec *lvtypes.DeviceRecord) *lvtypes.Decision {
	var prev *decision.PreviousObservation
	if !rec.Identity.Empty() {
		prev = h.history.Previous(rec.Identity)
	}

	verdict := decision.Evaluate(rec, prev, h.conf)
	return &verdict
}

// everything that happens after a record is published: history commit,
// emergency unmount consideration, metrics, lifecycle events
type serverSink struct {
	history   *histlog.Logger
	unmounter *unmount.Executor
	lifecycle *lifecycledb.Store
	metrics   *metricsController
	logl      *logex.Leveled
}

func newServerSink(
	history *histlog.Logger,
	unmounter *unmount.Executor,
	lifecycle *lifecycledb.Store,
	metrics *metricsController,
	logger *log.Logger,
) *serverSink {
	return &serverSink{
		history:   history,
		unmounter: unmounter,
		lifecycle: lifecycle,
		metrics:   metrics,
		logl:      logex.Levels(logex.NonNil(logger)),
	}
}

func (s *serverSink) RecordPublished(ctx context.Context, rec *lvtypes.DeviceRecord, forced bool) {
	s.metrics.ObserveRecord(rec)

	if !rec.Identity.Empty() {
		if reason, err := s.history.Consider(rec, forced); err != nil {
			s.logl.Error.Printf("%s: history: %v", rec.OsName, err)
		} else if reason != "" {
			s.logl.Debug.Printf("%s: logged history (%s)", rec.OsName, reason)
		}
	}

	result := s.unmounter.Consider(ctx, rec)
	if result.Evaluated {
		s.appendEvent(rec.Identity, rec.OsName, lifecycledb.EventUnmountAttempt, result.Reason)
	}
}

// the final record of a device leaving the system is flushed before eviction
func (s *serverSink) DeviceEvicted(rec *lvtypes.DeviceRecord) {
	if rec.Identity.Empty() {
		return
	}

	if _, err := s.history.Consider(rec, true); err != nil {
		s.logl.Error.Printf("%s: flushing final record: %v", rec.OsName, err)
	}
}

func (s *serverSink) LifecycleEvent(identity lvtypes.DeviceIdentity, osName string, eventType string, message string) {
	s.appendEvent(identity, osName, eventType, message)
}

func (s *serverSink) appendEvent(identity lvtypes.DeviceIdentity, osName string, eventType string, message string) {
	// devices that never revealed an identity are journaled under their OS name
	if identity.Empty() {
		identity = lvtypes.DeviceIdentity{Model: "unidentified", Serial: osName}
	}

	if err := s.lifecycle.AppendEvent(identity, lifecycledb.Event{
		Time:    time.Now(),
		Type:    eventType,
		OsName:  osName,
		Message: message,
	}); err != nil {
		s.logl.Error.Printf("%s: lifecycle event: %v", osName, err)
	}
}

func decisionConfigFrom(settings config.Settings) decision.Config {
	return decision.Config{
		Smart:       settings.Smart,
		Temperature: settings.Temperature,
	}
}
