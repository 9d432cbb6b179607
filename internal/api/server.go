// Package api provides the HTTP API for querying the analytics session.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/talgya/dominion/internal/config"
	"github.com/talgya/dominion/internal/engine"
	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/persistence"
	"github.com/talgya/dominion/internal/prediction"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/resources"
	"github.com/talgya/dominion/internal/victory"
	"github.com/talgya/dominion/internal/world"
)

const defaultMaxStreams = 2

// Server serves the session state over HTTP.
type Server struct {
	Sim        *engine.Simulation
	Eng        *engine.Engine
	DB         *persistence.DB    // Optional. Enables persisted event queries and snapshot saves.
	Saver      *persistence.Saver // Optional. Reported in status.
	Port       int
	AdminKey   string // Bearer token for POST endpoints. Empty = POST disabled.
	RelayKey   string // Bearer token for stream endpoints. Empty = streaming disabled.
	MaxStreams int    // Concurrent SSE + WebSocket clients (default 2).
	ArchiveDir string

	// Active stream connection count.
	streams  atomic.Int32
	upgrader websocket.Upgrader
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	predictLimiter := NewRateLimiter(120, time.Minute)
	adminLimiter := NewRateLimiter(30, time.Minute)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/factions", s.handleFactions)
	mux.HandleFunc("GET /api/v1/faction/{id}", s.handleFactionDetail)
	mux.HandleFunc("GET /api/v1/territory/{id}/prediction", RateLimitMiddleware(predictLimiter, s.handlePrediction))
	mux.HandleFunc("GET /api/v1/winrates", RateLimitMiddleware(predictLimiter, s.handleWinRates))
	mux.HandleFunc("GET /api/v1/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/scarcity/{type}", s.handleScarcity)
	mux.HandleFunc("GET /api/v1/victory", s.handleVictory)
	mux.HandleFunc("GET /api/v1/objectives", s.handleObjectives)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/speed", s.handleSpeed)

	// Streaming endpoints (GET, relay key).
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/ws", s.handleWS)

	// Admin endpoints (POST, bearer token).
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return RateLimitMiddleware(adminLimiter, s.adminOnly(h))
	}
	mux.HandleFunc("POST /api/v1/refresh", admin(s.handleRefresh))
	mux.HandleFunc("POST /api/v1/objectives", admin(s.handleRegisterObjective))
	mux.HandleFunc("POST /api/v1/objective/{id}/complete", admin(s.handleCompleteObjective))
	mux.HandleFunc("POST /api/v1/conditions", admin(s.handleRegisterCondition))
	mux.HandleFunc("POST /api/v1/condition/{type}/enable", admin(s.handleEnableCondition))
	mux.HandleFunc("POST /api/v1/intervention", admin(s.handleIntervention))
	mux.HandleFunc("POST /api/v1/snapshot", admin(s.handleSnapshot))
	mux.HandleFunc("POST /api/v1/speed", admin(s.handleSpeed))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine. The returned server can
// be shut down by the caller.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "relay_auth", s.RelayKey != "")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerMatches(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	return key != "" && strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == key
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no DOMINION_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !bearerMatches(r, s.AdminKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sim.Status()
	cfg := s.Sim.Config()
	tick := st.Tick
	if s.Eng != nil {
		tick = s.Eng.Tick()
	}

	status := map[string]any{
		"name":                "Dominion",
		"session_id":          st.SessionID,
		"tick":                tick,
		"tick_display":        humanize.Comma(int64(tick)),
		"session_time":        engine.SessionTime(tick, cfg.Engine.CheckInterval),
		"started":             st.Started,
		"started_ago":         humanize.RelTime(st.Started, s.Sim.Now(), "ago", "from now"),
		"batches":             st.Batches,
		"territories":         st.Territories,
		"stale":               st.Stale,
		"ended":               st.Ended,
		"winners":             st.Winners,
		"prediction_accuracy": st.Accuracy,
		"predictions_scored":  st.Scored,
		"last_batch":          st.LastBatch,
		"event_counts":        s.Sim.Bus.Counts(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
		status["running"] = s.Eng.Running()
	}
	if s.Saver != nil {
		status["saver"] = s.Saver.Stats()
	}
	writeJSON(w, status)
}

type factionSummary struct {
	ID          world.FactionID   `json:"id"`
	Name        string            `json:"name"`
	Territories int               `json:"territories"`
	Reputation  float64           `json:"reputation"`
	Tier        progression.Tier  `json:"tier"`
	Extraction  float64           `json:"extraction_multiplier"`
	Influence   float64           `json:"influence_multiplier"`
	Abilities   int               `json:"abilities"`
	WinRate     float64           `json:"win_rate"`
	Victory     *victory.Progress `json:"best_victory,omitempty"`
}

func (s *Server) handleFactions(w http.ResponseWriter, r *http.Request) {
	snap := s.Sim.Cache.Snapshot()
	counts := snap.ControlCounts()
	rates := s.Sim.Predictor.PredictFactionWinRates(s.Sim.Config().Balance.HorizonHours, s.Sim.Now())

	best := make(map[world.FactionID]victory.Progress)
	for _, p := range s.Sim.Victory.AllProgress() {
		if cur, ok := best[p.FactionID]; !ok || p.Progress > cur.Progress {
			best[p.FactionID] = p
		}
	}

	out := make([]factionSummary, 0, s.Sim.Roster.Len())
	for _, id := range s.Sim.Roster.IDs() {
		f, _ := s.Sim.Roster.Faction(id)
		rec, _ := s.Sim.Progression.Record(id)
		fs := factionSummary{
			ID:          id,
			Name:        f.Name,
			Territories: counts[id],
			Reputation:  rec.Reputation,
			Tier:        rec.Tier,
			Extraction:  rec.ExtractionMultiplier,
			Influence:   rec.InfluenceMultiplier,
			Abilities:   len(rec.Abilities),
			WinRate:     rates[id],
		}
		if p, ok := best[id]; ok {
			fs.Victory = &p
		}
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reputation > out[j].Reputation })
	writeJSON(w, out)
}

func (s *Server) handleFactionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid faction id", http.StatusBadRequest)
		return
	}
	fid := world.FactionID(id)
	f, ok := s.Sim.Roster.Faction(fid)
	if !ok {
		http.Error(w, "faction not found", http.StatusNotFound)
		return
	}
	rec, _ := s.Sim.Progression.Record(fid)

	var progress []victory.Progress
	for _, p := range s.Sim.Victory.AllProgress() {
		if p.FactionID == fid {
			progress = append(progress, p)
		}
	}

	allies := make([]map[string]any, 0)
	for _, a := range s.Sim.Roster.Allies(fid) {
		allies = append(allies, map[string]any{"id": a, "trust": s.Sim.Roster.TrustIndex(fid, a)})
	}

	territories := make([]map[string]any, 0)
	for _, st := range s.Sim.Cache.Snapshot().ControlledBy(fid) {
		territories = append(territories, map[string]any{
			"id":              st.ID,
			"q":               st.Coord.Q,
			"r":               st.Coord.R,
			"resource_type":   st.ResourceType,
			"strategic_value": st.StrategicValue,
			"contested":       st.Contested,
			"region":          st.Region,
		})
	}

	writeJSON(w, map[string]any{
		"faction":         f,
		"progression":     rec,
		"bonuses":         s.Sim.Bonuses.Bonuses(fid),
		"objectives":      s.Sim.Progression.Objectives(fid),
		"victory":         progress,
		"expected_output": s.Sim.Stats.ExpectedOutput(fid, rec.ExtractionMultiplier),
		"allies":          allies,
		"territories":     territories,
	})
}

// horizon reads ?horizon=H in hours, defaulting to the balance horizon.
func (s *Server) horizon(r *http.Request) (float64, error) {
	v := r.URL.Query().Get("horizon")
	if v == "" {
		return s.Sim.Config().Balance.HorizonHours, nil
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid horizon %q", v)
	}
	return h, nil
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid territory id", http.StatusBadRequest)
		return
	}
	h, err := s.horizon(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pred, err := s.Sim.Predictor.PredictControl(world.TerritoryID(id), h, s.Sim.Now())
	if errors.Is(err, prediction.ErrUnknownTerritory) {
		http.Error(w, "territory not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, pred)
}

func (s *Server) handleWinRates(w http.ResponseWriter, r *http.Request) {
	h, err := s.horizon(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"horizon_hours": h,
		"win_rates":     s.Sim.Predictor.PredictFactionWinRates(h, s.Sim.Now()),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	rep := s.Sim.Balance.Last()
	if rep.At.IsZero() {
		rep = s.Sim.Balance.CompetitiveBalance(s.Sim.Now())
	}
	emergency, until := s.Sim.Balance.Emergency()
	resp := map[string]any{
		"report":      rep,
		"corrections": s.Sim.Balance.Corrections(),
		"emergency":   emergency,
	}
	if emergency {
		resp["emergency_until"] = until
	}
	writeJSON(w, resp)
}

func (s *Server) handleScarcity(w http.ResponseWriter, r *http.Request) {
	rt, err := world.ParseResourceType(r.PathValue("type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	region := resources.AllRegions
	if v := r.URL.Query().Get("region"); v != "" {
		region, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid region", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, s.Sim.Stats.AnalyzeScarcity(rt, region))
}

func (s *Server) handleVictory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"conditions": s.Sim.Victory.Conditions(),
		"progress":   s.Sim.Victory.AllProgress(),
		"winners":    s.Sim.Victory.Winners(),
		"ended":      s.Sim.Victory.Ended(),
	})
}

func (s *Server) handleObjectives(w http.ResponseWriter, r *http.Request) {
	var f world.FactionID
	if v := r.URL.Query().Get("faction"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid faction", http.StatusBadRequest)
			return
		}
		f = world.FactionID(id)
	}
	writeJSON(w, s.Sim.Progression.Objectives(f))
}

// handleEvents returns recent events, newest first. ?persisted=true reads
// the saved event log instead of the in-memory buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	kind := events.Kind(q.Get("kind"))

	if q.Get("persisted") == "true" {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		evs, err := s.DB.RecentEvents(limit, kind)
		if err != nil {
			slog.Error("event query failed", "error", err)
			http.Error(w, "event query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, evs)
		return
	}

	all := s.Sim.Bus.Recent(0)
	out := make([]events.Event, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if kind == "" || all[i].Kind == kind {
			out = append(out, all[i])
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.Eng.SetSpeed(req.Speed); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("speed changed", "speed", req.Speed)
	}
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	desc, err := s.Sim.ForceRefresh(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"message": desc, "territories": s.Sim.Cache.Snapshot().Len()})
}

func (s *Server) handleRegisterObjective(w http.ResponseWriter, r *http.Request) {
	var o progression.Objective
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.Sim.RegisterObjective(o)
	switch {
	case errors.Is(err, progression.ErrUnknownFaction):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONStatus(w, http.StatusCreated, o)
}

func (s *Server) handleCompleteObjective(w http.ResponseWriter, r *http.Request) {
	desc, err := s.Sim.CompleteObjective(r.PathValue("id"))
	if errors.Is(err, progression.ErrUnknownObjective) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"message": desc})
}

type conditionRequest struct {
	Type           string   `json:"type"`
	Threshold      float64  `json:"threshold"`
	HoldSeconds    float64  `json:"hold_seconds"`
	Priority       int      `json:"priority"`
	ResourceType   string   `json:"resource_type,omitempty"`
	TargetFactions []uint64 `json:"target_factions,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

func (s *Server) handleRegisterCondition(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.HoldSeconds < 0 {
		http.Error(w, "hold_seconds must not be negative", http.StatusBadRequest)
		return
	}
	spec := config.ConditionSpec{
		Type:          req.Type,
		Threshold:     req.Threshold,
		Hold:          time.Duration(req.HoldSeconds * float64(time.Second)),
		Priority:      req.Priority,
		ResourceType:  req.ResourceType,
		TargetFaction: req.TargetFactions,
		Enabled:       req.Enabled == nil || *req.Enabled,
	}
	desc, err := s.Sim.RegisterCondition(spec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"message": desc})
}

func (s *Server) handleEnableCondition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	desc, err := s.Sim.EnableCondition(r.PathValue("type"), req.Enabled)
	if errors.Is(err, victory.ErrUnknownCondition) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"message": desc})
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      string  `json:"type"`
		FactionID uint64  `json:"faction_id"`
		Territory uint32  `json:"territory_id,omitempty"`
		Amount    float64 `json:"amount"`
		Reason    string  `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var desc string
	var err error
	switch req.Type {
	case "reputation":
		desc, err = s.Sim.AdjustReputation(world.FactionID(req.FactionID), req.Amount, req.Reason)
	case "influence":
		desc, err = s.Sim.PushInfluence(world.TerritoryID(req.Territory), world.FactionID(req.FactionID), req.Amount)
	default:
		http.Error(w, "unknown intervention type (want reputation or influence)", http.StatusBadRequest)
		return
	}
	if errors.Is(err, progression.ErrUnknownFaction) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"message": desc})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.ArchiveDir == "" && s.DB == nil {
		http.Error(w, "no archive directory or database configured", http.StatusServiceUnavailable)
		return
	}
	tick := s.Sim.Status().Tick
	if s.Eng != nil {
		tick = s.Eng.Tick()
	}
	resp := map[string]any{"tick": tick}

	if s.DB != nil {
		ok, err := s.DB.SaveState(s.Sim.FinalState(tick))
		if err != nil {
			slog.Error("snapshot save failed", "error", err)
			http.Error(w, "snapshot failed", http.StatusInternalServerError)
			return
		}
		resp["saved"] = ok
	}
	if s.ArchiveDir != "" {
		path := filepath.Join(s.ArchiveDir, persistence.ArchiveName(s.Sim.SessionID(), tick))
		size, err := persistence.WriteArchive(path, s.Sim.Archive(tick))
		if err != nil {
			slog.Error("archive write failed", "error", err)
			http.Error(w, "archive failed", http.StatusInternalServerError)
			return
		}
		slog.Info("archive written", "path", path, "size", humanize.Bytes(uint64(size)))
		resp["archive"] = path
		resp["size"] = humanize.Bytes(uint64(size))
	}
	resp["message"] = "snapshot saved"
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
