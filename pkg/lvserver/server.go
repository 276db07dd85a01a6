// The daemon component: wires the scan engine, decision engine, history
// logger, emergency unmount executor and the REST control surface together.
package lvserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/function61/levyvahti/pkg/blockdev"
	"github.com/function61/levyvahti/pkg/config"
	"github.com/function61/levyvahti/pkg/logtee"
	"github.com/function61/levyvahti/pkg/lvserver/decision"
	"github.com/function61/levyvahti/pkg/lvserver/histlog"
	"github.com/function61/levyvahti/pkg/lvserver/lifecycledb"
	"github.com/function61/levyvahti/pkg/lvserver/scanengine"
	"github.com/function61/levyvahti/pkg/lvserver/unmount"
	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/function61/levyvahti/pkg/scheduler"
	"github.com/function61/levyvahti/pkg/smart"
	"github.com/gorilla/mux"
)

// environment problems that should exit with the dedicated code instead of a
// generic failure
type StartupError struct {
	err error
}

func (s *StartupError) Error() string { return s.err.Error() }
func (s *StartupError) Unwrap() error { return s.err }

func runServer(ctx context.Context, addr string, stateDir string, rootLogger *log.Logger, logTail *logtee.Tail) error {
	logl := logex.Levels(rootLogger)

	settings := config.Load(logex.Prefix("config", rootLogger))

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return &StartupError{fmt.Errorf("state dir: %w", err)}
	}

	lifecycle, err := lifecycledb.Open(filepath.Join(stateDir, "lifecycle.db"))
	if err != nil {
		return &StartupError{fmt.Errorf("lifecycle db: %w", err)}
	}
	defer func() { _ = lifecycle.Close() }()

	history := histlog.New(
		filepath.Join(stateDir, "history"),
		settings.RetentionSizeKb,
		logex.Prefix("histlog", rootLogger))

	metrics := newMetricsController()

	unmounter := unmount.New(
		settings.UnmountMode,
		time.Duration(settings.UnmountCooldownS)*time.Second,
		blockdev.NewMountLister(),
		lifecycle,
		unmount.UmountRunner(logex.Prefix("unmount", rootLogger)),
		logex.Prefix("unmount", rootLogger))

	sink := newServerSink(history, unmounter, lifecycle, metrics, logex.Prefix("sink", rootLogger))

	engineConf := scanengine.DefaultConfig()
	// cadence is owned by the scheduler; the engine's own guard sits just
	// under it so a hair-early trigger isn't swallowed
	engineConf.PollingInterval = time.Duration(settings.PollingIntervalS)*time.Second - time.Second
	engineConf.GdcEnabled = settings.GdcEnabled

	engine := scanengine.New(
		engineConf,
		blockdev.NewSysfsEnumerator(),
		smart.NewReader(smart.SmartCtlBackend, engineConf.SmartDeadline),
		&historyBackedEvaluator{history: history, conf: decisionConfigFrom(settings)},
		sink,
		lifecycle,
		settings.DeviceMonitored,
		logex.Prefix("scanengine", rootLogger))

	now := time.Now()

	pollJob, err := scheduler.NewJob(
		"smartpoll",
		"SMART poll of all devices",
		fmt.Sprintf("@every %ds", settings.PollingIntervalS),
		func(ctx context.Context, _ *log.Logger) error {
			engine.Tick(ctx)
			return nil
		},
		now)
	if err != nil {
		return err
	}

	sweepJob, err := scheduler.NewJob(
		"history-retention",
		"History retention sweep",
		"0 3 * * *",
		func(_ context.Context, _ *log.Logger) error {
			return history.Sweep()
		},
		now)
	if err != nil {
		return err
	}

	jobs := scheduler.New([]*scheduler.Job{pollJob, sweepJob}, logex.Prefix("scheduler", rootLogger))

	router := mux.NewRouter()
	defineRestApi(router, engine, history, lifecycle, jobs, logTail, metrics, ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: metrics.WrapHTTPServer(router),
	}

	tasks := taskrunner.New(ctx, rootLogger)

	tasks.Start("scheduler", jobs.Task())
	tasks.Start("watchdog", engine.WatchdogTask())
	tasks.Start("listener "+addr, func(_ context.Context) error {
		return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
	})
	tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))

	logl.Info.Printf("started; listening on %s (mode: %s)", addr, settings.UnmountMode)

	// first scan right away instead of waiting a full interval
	engine.Tick(ctx)

	err = tasks.Wait()

	// in-flight workers get a bounded grace; overstayers are abandoned and
	// their results discarded
	engine.Drain(2 * engineConf.SmartDeadline)

	logl.Info.Printf("stopped")

	return err
}

// CheckHealthOnce performs one scan cycle synchronously and returns the
// records. No background tasks, no persistence - used by the CLI.
func CheckHealthOnce(ctx context.Context, logger *log.Logger) []lvtypes.DeviceRecord {
	settings := config.Load(logger)

	engineConf := scanengine.DefaultConfig()
	engineConf.GdcEnabled = settings.GdcEnabled

	engine := scanengine.New(
		engineConf,
		blockdev.NewSysfsEnumerator(),
		smart.NewReader(smart.SmartCtlBackend, engineConf.SmartDeadline),
		&oneshotEvaluator{conf: decisionConfigFrom(settings)},
		scanengine.NopSink{},
		nil,
		settings.DeviceMonitored,
		logger)

	return engine.CheckOnce(ctx)
}

// one-shot runs have no history, so verdicts carry no trend signals
type oneshotEvaluator struct {
	conf decision.Config
}

func (o *oneshotEvaluator) Decide(rec *lvtypes.DeviceRecord) *lvtypes.Decision {
	verdict := decision.Evaluate(rec, nil, o.conf)
	return &verdict
}
