package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeroops/replan/ingest"
)

// api exposes the read surface of the running system plus event intake.
// All mutation flows through the ingestor; handlers never touch the
// schedule store directly.
type api struct {
	sys      *system
	upgrader websocket.Upgrader
}

func newAPI(sys *system) *api {
	return &api{
		sys: sys,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", a.handleEvent)
	mux.HandleFunc("GET /schedule", a.handleSchedule)
	mux.HandleFunc("GET /conflicts", a.handleConflicts)
	mux.HandleFunc("GET /diffs", a.handleDiffs)
	mux.HandleFunc("GET /timeline", a.handleTimeline)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /ws/stream", a.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *api) handleEvent(w http.ResponseWriter, r *http.Request) {
	var raw ingest.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ev, err := a.sys.ingestor.Ingest(r.Context(), raw)
	switch {
	case errors.Is(err, ingest.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, ingest.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (a *api) handleSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sys.store.Snapshot().Export())
}

func (a *api) handleConflicts(w http.ResponseWriter, r *http.Request) {
	snap := a.sys.store.Snapshot()
	conflicts := a.sys.detector.Detect(snap, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   snap.Version,
		"conflicts": conflicts,
	})
}

func (a *api) handleDiffs(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("version"); v != "" {
		version, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		d := a.sys.snapshots.Get(version)
		if d == nil {
			writeError(w, http.StatusNotFound, "no diff for version "+v)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}
	d := a.sys.snapshots.Latest()
	if d == nil {
		writeError(w, http.StatusNotFound, "no cycles committed yet")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if cycle := r.URL.Query().Get("cycle"); cycle != "" {
		writeJSON(w, http.StatusOK, a.sys.timeline.ByCycle(cycle))
		return
	}
	writeJSON(w, http.StatusOK, a.sys.timeline.All())
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        a.sys.store.Version(),
		"hard_conflicts": a.sys.store.HardConflicts(),
		"queue_depth":    a.sys.ingestor.Len(),
		"engine_state":   a.sys.engine.State(),
		"stream_clients": a.sys.hub.ClientCount(),
	})
}

// handleStream upgrades to a websocket and registers the client with the
// diff hub. The read loop exists only to observe the close.
func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream upgrade failed: %v", err)
		return
	}
	a.sys.hub.Register(conn)
	go func() {
		defer a.sys.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
