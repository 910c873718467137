package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/axon-health/neuron/pkg/npi"
	"github.com/axon-health/neuron/pkg/registration"
	"github.com/axon-health/neuron/pkg/relationship"
	"github.com/axon-health/neuron/pkg/schema"
)

const maxBodyBytes = 1 << 20

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	s.mux.HandleFunc("GET /v1/organization", s.handleOrganization)
	s.mux.HandleFunc("GET /v1/relationships", s.handleRelationshipList)
	s.mux.HandleFunc("GET /v1/relationships/{id}", s.handleRelationshipGet)
	s.mux.HandleFunc("GET /v1/registrations", s.handleProviderList)
	s.mux.HandleFunc("POST /v1/registrations", s.handleProviderCreate)
	s.mux.HandleFunc("GET /v1/registrations/{npi}", s.handleProviderGet)
	s.mux.HandleFunc("GET /v1/consent/status/{relationship_id}", s.handleConsentStatus)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.openapi)
}

func (s *Server) handleOrganization(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Neurons.Get(r.Context())
	if errors.Is(err, registration.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "organization is not initialized")
		return
	}
	if err != nil {
		s.internal(w, "load organization", err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// relationshipPage is the paginated listing envelope.
type relationshipPage struct {
	Items  []relationship.View `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

func (s *Server) handleRelationshipList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pageParams(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeSchemaViolation, err.Error())
		return
	}
	f := relationship.Filter{
		PatientAgentID: q.Get("patient_agent_id"),
		ProviderNPI:    q.Get("provider_npi"),
	}
	if st := relationship.Status(q.Get("status")); st != "" {
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, codeSchemaViolation,
				fmt.Sprintf("unknown status %q", st))
			return
		}
		f.Status = st
	}
	page, err := s.deps.Relationships.List(r.Context(), f, limit, offset)
	if err != nil {
		s.internal(w, "list relationships", err)
		return
	}
	items := make([]relationship.View, 0, len(page.Items))
	for _, rel := range page.Items {
		items = append(items, rel.View())
	}
	writeJSON(w, http.StatusOK, relationshipPage{
		Items:  items,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (s *Server) handleRelationshipGet(w http.ResponseWriter, r *http.Request) {
	rel, err := s.deps.Relationships.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, relationship.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound)
		return
	}
	if err != nil {
		s.internal(w, "load relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, rel.View())
}

// providerPage is the paginated provider listing envelope.
type providerPage struct {
	Items  []registration.Provider `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, codeSchemaViolation, err.Error())
		return
	}
	all, err := s.deps.Providers.List(r.Context())
	if err != nil {
		s.internal(w, "list providers", err)
		return
	}
	total := len(all)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, providerPage{
		Items:  all[start:end],
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleProviderGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Providers.Get(r.Context(), r.PathValue("npi"))
	if errors.Is(err, registration.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound)
		return
	}
	if err != nil {
		s.internal(w, "load provider", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// providerCreateRequest mirrors the provider_create schema.
type providerCreateRequest struct {
	NPI       string   `json:"npi"`
	Name      string   `json:"name"`
	Types     []string `json:"types"`
	Specialty string   `json:"specialty"`
	Address   string   `json:"address"`
}

func (s *Server) handleProviderCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeSchemaViolation, "request body unreadable")
		return
	}
	if err := s.schemas.ValidateJSON(schema.ProviderCreate, body); err != nil {
		writeError(w, http.StatusBadRequest, codeSchemaViolation, schemaDetails(err)...)
		return
	}
	var req providerCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeSchemaViolation, "body is not a JSON object")
		return
	}
	if _, err := s.deps.Providers.Get(r.Context(), req.NPI); err == nil {
		writeError(w, http.StatusConflict, codeConflict,
			fmt.Sprintf("provider %s is already registered", req.NPI))
		return
	} else if !errors.Is(err, registration.ErrNotFound) {
		s.internal(w, "check provider", err)
		return
	}
	p, err := s.deps.Controller.AddProvider(r.Context(), registration.Provider{
		NPI:          req.NPI,
		Name:         req.Name,
		Types:        req.Types,
		Specialty:    req.Specialty,
		AgentAddress: req.Address,
	})
	if err != nil {
		if errors.Is(err, npi.ErrInvalid) {
			writeError(w, http.StatusBadRequest, codeSchemaViolation,
				fmt.Sprintf("npi %s fails checksum validation", req.NPI))
			return
		}
		s.internal(w, "create provider", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// consentStatusView is the consent slice of one relationship.
type consentStatusView struct {
	RelationshipID   string              `json:"relationship_id"`
	PatientAgentID   string              `json:"patient_agent_id"`
	ProviderNPI      string              `json:"provider_npi"`
	Status           relationship.Status `json:"status"`
	ConsentedActions []string            `json:"consented_actions"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (s *Server) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	rel, err := s.deps.Relationships.Get(r.Context(), r.PathValue("relationship_id"))
	if errors.Is(err, relationship.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound)
		return
	}
	if err != nil {
		s.internal(w, "load relationship", err)
		return
	}
	writeJSON(w, http.StatusOK, consentStatusView{
		RelationshipID:   rel.RelationshipID,
		PatientAgentID:   rel.PatientAgentID,
		ProviderNPI:      rel.ProviderNPI,
		Status:           rel.Status,
		ConsentedActions: rel.ConsentedActions,
		UpdatedAt:        rel.UpdatedAt,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "status reporting is not wired")
		return
	}
	doc, err := s.deps.Status(r.Context())
	if err != nil {
		s.internal(w, "status report", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// internal logs the failure and hides it behind the generic envelope.
func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, codeInternalError)
}

// pageParams reads limit and offset, clamping limit to [1,100] and offset
// to >= 0. An absent limit falls back to the default page size.
func pageParams(q url.Values) (limit, offset int, err error) {
	limit, err = queryInt(q, "limit", 50)
	if err != nil {
		return 0, 0, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	offset, err = queryInt(q, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset, nil
}

func queryInt(q url.Values, name string, def int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// schemaDetails pulls the per-leaf messages out of a validation failure.
func schemaDetails(err error) []string {
	var ve *schema.ValidationError
	if errors.As(err, &ve) && len(ve.Details) > 0 {
		return ve.Details
	}
	return []string{err.Error()}
}
