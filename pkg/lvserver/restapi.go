package lvserver

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/function61/levyvahti/pkg/logtee"
	"github.com/function61/levyvahti/pkg/lvserver/histlog"
	"github.com/function61/levyvahti/pkg/lvserver/lifecycledb"
	"github.com/function61/levyvahti/pkg/lvserver/scanengine"
	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/function61/levyvahti/pkg/scheduler"
	"github.com/gorilla/mux"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func defineRestApi(
	router *mux.Router,
	engine *scanengine.Engine,
	history *histlog.Logger,
	lifecycle *lifecycledb.Store,
	jobs *scheduler.Controller,
	logTail *logtee.Tail,
	metrics *metricsController,
	serverCtx context.Context,
) {
	router.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		respondJson(w, engine.Snapshot())
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/scan", func(w http.ResponseWriter, r *http.Request) {
		// scanning can outlive the request; tied to the server's lifetime
		go engine.ForceScan(serverCtx)

		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/devices/{identity}/monitoring", func(w http.ResponseWriter, r *http.Request) {
		identity, found := identityByKey(engine, mux.Vars(r)["identity"])
		if !found {
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}

		enabled := r.URL.Query().Get("enabled") == "true"

		engine.ToggleMonitoring(identity, enabled)

		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/devices/{identity}/events", func(w http.ResponseWriter, r *http.Request) {
		// evicted devices still have persisted events, so no inventory lookup
		events, err := lifecycle.EventsByKey(mux.Vars(r)["identity"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		respondJson(w, events)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/devices/{identity}/history", func(w http.ResponseWriter, r *http.Request) {
		identity, found := identityByKey(engine, mux.Vars(r)["identity"])
		if !found {
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}

		date := r.URL.Query().Get("date")
		if !dateRe.MatchString(date) {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}

		records, err := history.ReadDay(identity, date)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		respondJson(w, records)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		respondJson(w, jobs.Snapshot())
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/logs", func(w http.ResponseWriter, r *http.Request) {
		respondJson(w, logTail.Snapshot())
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.MetricsHTTPHandler()).Methods(http.MethodGet)
}

func identityByKey(engine *scanengine.Engine, key string) (lvtypes.DeviceIdentity, bool) {
	for _, rec := range engine.Snapshot() {
		if rec.Identity.Key() == key {
			return rec.Identity, true
		}
	}

	return lvtypes.DeviceIdentity{}, false
}

func respondJson(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
