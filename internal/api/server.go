// Package api serves read-only import status and risk results over HTTP and
// runs the scheduled rescoring job.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/hazard"
	"github.com/sells-group/parcel-cli/internal/parcel"
	"github.com/sells-group/parcel-cli/internal/risk"
	"github.com/sells-group/parcel-cli/internal/tracker"
)

// ParcelLookup reads one stored parcel and its batch lineage.
type ParcelLookup interface {
	Lookup(ctx context.Context, county int, parcelID string) (*parcel.Parcel, []string, error)
}

// Deps are the stores the API reads from.
type Deps struct {
	Counties    *parcel.Counties
	Tracker     tracker.Tracker
	Assessments risk.Store
	Parcels     ParcelLookup
	Hazards     hazard.Store
	Ping        func(ctx context.Context) error
}

// Server holds the API handlers.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, log: zap.L().With(zap.String("component", "api"))}
}

// Router builds the chi router. An empty allowedOrigins allows any origin.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/counties", s.listCounties)
		r.Get("/counties/{county}/imports", s.importStatus)
		r.Get("/counties/{county}/imports/batches", s.importBatches)
		r.Get("/counties/{county}/risk", s.riskCounts)
		r.Get("/counties/{county}/parcels/{parcel_id}", s.getParcel)
		r.Get("/hazards", s.listHazards)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listCounties(w http.ResponseWriter, _ *http.Request) {
	// Assigned is false for codes whose FIPS number no Florida county holds.
	type county struct {
		Code     int    `json:"county_code"`
		FIPS     string `json:"county_fips"`
		Name     string `json:"name,omitempty"`
		Assigned bool   `json:"fips_assigned"`
		Note     string `json:"note,omitempty"`
	}
	all := s.deps.Counties.All()
	out := make([]county, len(all))
	for i, c := range all {
		out[i] = county{Code: c.Code, FIPS: c.FIPS, Name: c.Name, Assigned: c.Named(), Note: c.Note}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) importStatus(w http.ResponseWriter, r *http.Request) {
	county, ok := s.county(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Tracker.QueryStatus(r.Context(), county.Code)
	if err != nil {
		s.internalError(w, "query import status", err)
		return
	}
	if summary.FailedBatches == nil {
		summary.FailedBatches = []int{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) importBatches(w http.ResponseWriter, r *http.Request) {
	county, ok := s.county(w, r)
	if !ok {
		return
	}
	latest, err := s.deps.Tracker.LatestAttempts(r.Context(), county.Code)
	if err != nil {
		s.internalError(w, "list import batches", err)
		return
	}
	if latest == nil {
		latest = []tracker.Attempt{}
	}
	writeJSON(w, http.StatusOK, latest)
}

type riskResponse struct {
	County     int                   `json:"county_code"`
	Total      int                   `json:"total"`
	Categories map[risk.Category]int `json:"categories"`
}

func (s *Server) riskCounts(w http.ResponseWriter, r *http.Request) {
	county, ok := s.county(w, r)
	if !ok {
		return
	}
	counts, err := s.deps.Assessments.CategoryCounts(r.Context(), county.Code)
	if err != nil {
		s.internalError(w, "risk category counts", err)
		return
	}
	resp := riskResponse{County: county.Code, Categories: map[risk.Category]int{
		risk.CategoryMinimal:  0,
		risk.CategoryLow:      0,
		risk.CategoryModerate: 0,
		risk.CategoryHigh:     0,
		risk.CategoryExtreme:  0,
	}}
	for c, n := range counts {
		resp.Categories[c] = n
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

type parcelResponse struct {
	*parcel.Parcel
	Centroid *[2]float64      `json:"centroid,omitempty"`
	Lineage  []string         `json:"batch_lineage"`
	Risk     *risk.Assessment `json:"risk,omitempty"`
}

func (s *Server) getParcel(w http.ResponseWriter, r *http.Request) {
	county, ok := s.county(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "parcel_id")
	p, lineage, err := s.deps.Parcels.Lookup(r.Context(), county.Code, id)
	if err != nil {
		s.internalError(w, "lookup parcel", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "parcel not found")
		return
	}

	resp := parcelResponse{Parcel: p, Lineage: lineage}
	if p.Geometry != nil {
		if c, err := p.Geometry.Centroid(); err == nil {
			pt := [2]float64(c)
			resp.Centroid = &pt
		}
	}
	if resp.Risk, err = s.deps.Assessments.Get(r.Context(), county.Code, id); err != nil {
		s.internalError(w, "get assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listHazards(w http.ResponseWriter, r *http.Request) {
	layers, err := s.deps.Hazards.Layers(r.Context())
	if err != nil {
		s.internalError(w, "list hazard layers", err)
		return
	}
	if layers == nil {
		layers = []hazard.Layer{}
	}
	writeJSON(w, http.StatusOK, layers)
}

// county resolves the {county} path parameter, accepting a code, FIPS code
// or name.
func (s *Server) county(w http.ResponseWriter, r *http.Request) (parcel.County, bool) {
	c, err := s.deps.Counties.Resolve(chi.URLParam(r, "county"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return parcel.County{}, false
	}
	return c, true
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.log.Error(action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, action+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
