// Package api serves the operator control surface: mission status, motion
// intents and a frontier debug chart.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/explorer/internal/db"
	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/httputil"
	"github.com/banshee-data/explorer/internal/mission"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/motion"
	"github.com/banshee-data/explorer/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

var logf = monitoring.Tagged("HTTP")

// MissionView exposes the mission snapshot.
type MissionView interface {
	Status() mission.Status
}

// MotionControl is the part of motion.Controller the API drives.
type MotionControl interface {
	SetIntent(motion.Intent)
	Activate()
	Deactivate()
	Snapshot() motion.Snapshot
}

// GridSource supplies the latest occupancy grid.
type GridSource interface {
	Snapshot() *gridmap.OccupancyGrid
}

// History reads the mission journal.
type History interface {
	Missions(limit int) ([]db.MissionRecord, error)
	Transitions(missionID uuid.UUID) ([]db.TransitionRecord, error)
	Goals(missionID uuid.UUID) ([]db.GoalRecord, error)
}

// Server wires HTTP handlers to the running components. History may be nil
// when no journal is configured.
type Server struct {
	Mission MissionView
	Motion  MotionControl
	Grid    GridSource
	History History
}

// Router builds the gorilla/mux router for the control API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/api/mission", s.showMission).Methods(http.MethodGet)
	r.HandleFunc("/api/missions", s.listMissions).Methods(http.MethodGet)
	r.HandleFunc("/api/missions/{id}", s.showMissionHistory).Methods(http.MethodGet)

	r.HandleFunc("/api/motion", s.showMotion).Methods(http.MethodGet)
	r.HandleFunc("/api/motion/intent", s.setIntent).Methods(http.MethodPost)
	r.HandleFunc("/api/motion/activate", s.activate).Methods(http.MethodPost)
	r.HandleFunc("/api/motion/deactivate", s.deactivate).Methods(http.MethodPost)

	r.HandleFunc("/api/map/frontiers", s.frontierChart).Methods(http.MethodGet)
	return r
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("%d %s %s %.1fms", lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}

type missionResponse struct {
	mission.Status
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

func (s *Server) showMission(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, missionResponse{
		Status:  s.Mission.Status(),
		Version: version.Version,
		GitSHA:  version.GitSHA,
	})
}

func (s *Server) listMissions(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		httputil.ServiceUnavailable(w, "mission journal disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	missions, err := s.History.Missions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if missions == nil {
		missions = []db.MissionRecord{}
	}
	httputil.WriteJSONOK(w, missions)
}

func (s *Server) showMissionHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		httputil.ServiceUnavailable(w, "mission journal disabled")
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.BadRequest(w, "invalid mission id")
		return
	}
	transitions, err := s.History.Transitions(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	goals, err := s.History.Goals(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if transitions == nil && goals == nil {
		httputil.NotFound(w, "mission not found")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"mission_id":  id,
		"transitions": transitions,
		"goals":       goals,
	})
}

func (s *Server) showMotion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.Motion.Snapshot())
}

type intentRequest struct {
	Intent string `json:"intent"`
}

func (s *Server) setIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	intent, err := motion.ParseIntent(req.Intent)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !s.Motion.Snapshot().Active {
		httputil.WriteJSONError(w, http.StatusConflict, "motion controller is deactivated")
		return
	}
	s.Motion.SetIntent(intent)
	httputil.WriteJSONOK(w, s.Motion.Snapshot())
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	s.Motion.Activate()
	httputil.WriteJSONOK(w, s.Motion.Snapshot())
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	s.Motion.Deactivate()
	httputil.WriteJSONOK(w, s.Motion.Snapshot())
}
