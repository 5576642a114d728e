// Package adminapi is the operator HTTP surface: health, metrics, pending
// reconciliations, manual replay, incidents and token id recovery.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	svcerrors "github.com/R3E-Network/animal_rescue/internal/errors"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/logging"
	"github.com/R3E-Network/animal_rescue/internal/metrics"
	"github.com/R3E-Network/animal_rescue/internal/middleware"
	"github.com/R3E-Network/animal_rescue/internal/reconcile"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

const maxBody = 64 << 10

// Server serves the operator API.
type Server struct {
	engine   *reconcile.Engine
	resolver *resolver.Resolver
	logger   *logging.Logger
	router   *mux.Router
}

// NewServer builds the router. A non-empty jwtSecret protects every /v1
// route with an HS256 bearer token.
func NewServer(engine *reconcile.Engine, res *resolver.Resolver, jwtSecret string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	s := &Server{
		engine:   engine,
		resolver: res,
		logger:   logger.WithComponent("adminapi"),
		router:   mux.NewRouter(),
	}
	s.routes(jwtSecret)
	return s
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return metrics.InstrumentHandler(s.router)
}

func (s *Server) routes(jwtSecret string) {
	r := s.router
	r.Use(middleware.LoggingMiddleware(s.logger))
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if jwtSecret != "" {
		v1.Use(middleware.NewAuthMiddleware(jwtSecret, s.logger, nil).Handler)
	}
	v1.HandleFunc("/reconciliations", s.listRecords).Methods(http.MethodGet)
	v1.HandleFunc("/reconciliations/pass", s.runPass).Methods(http.MethodPost)
	v1.HandleFunc("/reconciliations/{id}", s.getRecord).Methods(http.MethodGet)
	v1.HandleFunc("/reconciliations/{id}/replay", s.replay).Methods(http.MethodPost)
	v1.HandleFunc("/incidents", s.listIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/ack", s.ackIncident).Methods(http.MethodPost)
	v1.HandleFunc("/mints/resolve", s.resolveMint).Methods(http.MethodPost)
	v1.HandleFunc("/animals/{id}/resolve", s.resolveAnimal).Methods(http.MethodPost)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Reconciliations
// =============================================================================

// ReplayResponse is the outcome of a manual replay. Error is set when the
// record could not be settled yet.
type ReplayResponse struct {
	Record journal.Record `json:"record"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, r, svcerrors.InvalidArgument("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	var (
		recs []journal.Record
		err  error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		recs, err = s.engine.Journal().ListByState(ctx, journal.State(state), limit)
	} else {
		// Everything an operator may need to look at.
		recs, err = s.engine.Journal().ListOpen(ctx, limit)
		if err == nil {
			var surfaced []journal.Record
			surfaced, err = s.engine.Journal().ListByState(ctx, journal.StateSurfaced, limit)
			recs = append(recs, surfaced...)
		}
	}
	if err != nil {
		s.fail(w, r, "list journal records", err)
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	middleware.WriteJSON(w, http.StatusOK, recs)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.engine.Journal().Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		middleware.WriteError(w, r, svcerrors.UnknownEntity("reconciliation", id))
		return
	}
	if err != nil {
		s.fail(w, r, "get journal record", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.engine.Replay(r.Context(), id)
	if err != nil && rec.ID == "" {
		middleware.WriteError(w, r, err)
		return
	}
	resp := ReplayResponse{Record: rec}
	if err != nil {
		resp.Error = err.Error()
	}
	s.logger.Info(r.Context(), "manual replay", map[string]interface{}{
		"record":   id,
		"state":    string(rec.State),
		"operator": middleware.Operator(r.Context()),
	})
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) runPass(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ReconcilePass(r.Context())
	if err != nil {
		s.fail(w, r, "reconciliation pass", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, report)
}

// =============================================================================
// Incidents
// =============================================================================

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.engine.Incidents().List(r.Context(), all)
	if err != nil {
		s.fail(w, r, "list incidents", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) ackIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Incidents().Acknowledge(r.Context(), id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.logger.Info(r.Context(), "incident acknowledged", map[string]interface{}{
		"incident": id,
		"operator": middleware.Operator(r.Context()),
	})
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Token id recovery
// =============================================================================

// ResolveRequest asks for the token id minted by TxHash.
type ResolveRequest struct {
	TxHash    string `json:"tx_hash"`
	Recipient string `json:"recipient,omitempty"`
}

func (s *Server) resolveMint(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		middleware.WriteError(w, r, svcerrors.InvalidArgument("invalid request body"))
		return
	}
	if req.TxHash == "" {
		middleware.WriteError(w, r, svcerrors.InvalidArgument("tx_hash is required"))
		return
	}

	res, err := s.resolver.Resolve(r.Context(), resolver.Request{TxHash: req.TxHash, Recipient: req.Recipient})
	if err != nil && !svcerrors.IsCode(err, svcerrors.CodeResolutionFailed) {
		s.fail(w, r, "resolve mint", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) resolveAnimal(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.ResolveAnimal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, what string, err error) {
	s.logger.Error(r.Context(), what+" failed", err, nil)
	middleware.WriteError(w, r, err)
}
