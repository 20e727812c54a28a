package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/fetcher"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/ispdb"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/registry"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/scanner"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ProviderService is the programmatic API the handlers expose
type ProviderService interface {
	CheckIfProviderExists(ctx context.Context, hostname string) (bool, error)
	RefreshProvider(ctx context.Context, hostname string) (bool, error)
	ClearCache(ctx context.Context, hostname string) error
	GetCachedDomains(ctx context.Context) []string
	GetProviderDetails(ctx context.Context, hostname string) (*models.ProviderDetails, bool)
	ScanAll(ctx context.Context) (scanner.Result, error)
	RefreshAll(ctx context.Context) (scanner.Result, error)
	LookupISP(ctx context.Context, domain string) (*models.ISPConfig, error)
	RegistryEntries(ctx context.Context) ([]*models.ProviderEntry, error)
	RegistryEntry(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error)
	HandleAccountEvents(ctx context.Context, events []models.AccountEvent) error
}

var _ ProviderService = (*oauthprovider.Service)(nil)

// ProviderHandler handles provider discovery, cache and registry requests
type ProviderHandler struct {
	svc    ProviderService
	logger *zap.Logger
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(svc ProviderService, log *zap.Logger) *ProviderHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProviderHandler{svc: svc, logger: log}
}

// RegisterRoutes registers read routes on public and state-changing routes on
// protected. Both routers should already carry the /api/v1 prefix.
func (h *ProviderHandler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/providers/{domain}/exists", h.CheckExists).Methods("GET")
	public.HandleFunc("/providers/{domain}", h.GetDetails).Methods("GET")
	public.HandleFunc("/cache", h.ListCached).Methods("GET")
	public.HandleFunc("/isp/{domain}", h.LookupISP).Methods("GET")
	public.HandleFunc("/registry", h.ListRegistry).Methods("GET")
	public.HandleFunc("/registry/{issuer}", h.GetRegistryEntry).Methods("GET")

	protected.HandleFunc("/providers/{domain}/refresh", h.Refresh).Methods("POST")
	protected.HandleFunc("/cache", h.ClearAll).Methods("DELETE")
	protected.HandleFunc("/cache/refresh", h.RefreshAll).Methods("POST")
	protected.HandleFunc("/cache/{domain}", h.ClearDomain).Methods("DELETE")
	protected.HandleFunc("/scan", h.Scan).Methods("POST")
	protected.HandleFunc("/accounts/events", h.AccountEvents).Methods("POST")
}

// ExistsResponse reports whether a provider is registered for a domain
type ExistsResponse struct {
	Domain string `json:"domain"`
	Exists bool   `json:"exists"`
}

// CheckExists resolves a domain through the cache-first pipeline
func (h *ProviderHandler) CheckExists(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	exists, err := h.svc.CheckIfProviderExists(r.Context(), domain)
	h.respondExists(w, r, domain, exists, err)
}

// Refresh resolves a domain from the network, bypassing the cache
func (h *ProviderHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	exists, err := h.svc.RefreshProvider(r.Context(), domain)
	h.respondExists(w, r, domain, exists, err)
}

func (h *ProviderHandler) respondExists(w http.ResponseWriter, r *http.Request, domain string, exists bool, err error) {
	if err != nil {
		h.logger.Error("provider_lookup_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("error", logger.SanitizeError(err)),
		)
		respondJSONError(w, r, http.StatusBadGateway, "Bad Gateway", "Provider registration failed")
		return
	}
	respondJSON(w, http.StatusOK, ExistsResponse{Domain: domain, Exists: exists})
}

// GetDetails describes the cached record for a domain
func (h *ProviderHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	details, found := h.svc.GetProviderDetails(r.Context(), domain)
	if !found {
		respondJSONError(w, r, http.StatusNotFound, "Not Found", "No cached provider for domain")
		return
	}
	respondJSON(w, http.StatusOK, details)
}

// CachedDomainsResponse lists cached domains
type CachedDomainsResponse struct {
	Domains []string `json:"domains"`
}

// ListCached lists every cached domain
func (h *ProviderHandler) ListCached(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, CachedDomainsResponse{Domains: h.svc.GetCachedDomains(r.Context())})
}

// ClearResponse reports a cache clear
type ClearResponse struct {
	Success bool `json:"success"`
}

// ClearAll removes every cached domain
func (h *ProviderHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.clear(w, r, "")
}

// ClearDomain removes one cached domain
func (h *ProviderHandler) ClearDomain(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	h.clear(w, r, domain)
}

func (h *ProviderHandler) clear(w http.ResponseWriter, r *http.Request, domain string) {
	if err := h.svc.ClearCache(r.Context(), domain); err != nil {
		h.logger.Error("cache_clear_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("error", logger.SanitizeError(err)),
		)
		respondJSON(w, http.StatusOK, ClearResponse{Success: false})
		return
	}
	respondJSON(w, http.StatusOK, ClearResponse{Success: true})
}

// ScanResponse is a scan result with its summary line
type ScanResponse struct {
	scanner.Result
	Summary string `json:"summary"`
}

// Scan resolves every account domain and reports partial counts
func (h *ProviderHandler) Scan(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ScanAll(r.Context())
	if errors.Is(err, oauthprovider.ErrNoAccountSource) {
		respondJSONError(w, r, http.StatusConflict, "Conflict", "No account source configured")
		return
	}
	if err != nil {
		h.logger.Error("scan_failed", zap.String("error", logger.SanitizeError(err)))
		respondJSONError(w, r, http.StatusInternalServerError, "Internal Server Error", "Account scan failed")
		return
	}
	respondJSON(w, http.StatusOK, ScanResponse{Result: result, Summary: result.String()})
}

// RefreshAll re-resolves every cached domain from the network and reports partial counts
func (h *ProviderHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RefreshAll(r.Context())
	if err != nil {
		h.logger.Warn("refresh_all_interrupted",
			zap.String("result", result.String()),
			zap.String("error", logger.SanitizeError(err)),
		)
		respondJSONError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Refresh interrupted after "+result.String())
		return
	}
	respondJSON(w, http.StatusOK, ScanResponse{Result: result, Summary: result.String()})
}

// AccountEventsRequest is a batch of at most 100 account notifications
type AccountEventsRequest struct {
	Events []models.AccountEvent `json:"events" validate:"required,min=1,max=100,dive"`
}

// AccountEvents schedules a rescan for created or updated accounts
func (h *ProviderHandler) AccountEvents(w http.ResponseWriter, r *http.Request) {
	var req AccountEventsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondJSONError(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body")
		return
	}
	if err := validation.Validate.Struct(req); err != nil {
		respondJSONError(w, r, http.StatusBadRequest, "Validation Error", "Invalid fields: "+strings.Join(validation.FieldErrors(err), ", "))
		return
	}

	err := h.svc.HandleAccountEvents(r.Context(), req.Events)
	switch {
	case errors.Is(err, oauthprovider.ErrNoAccountSource):
		respondJSONError(w, r, http.StatusConflict, "Conflict", "No account source configured")
	case errors.Is(err, oauthprovider.ErrClosed):
		respondJSONError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "Service is shutting down")
	case err != nil:
		h.logger.Error("rescan_request_failed", zap.String("error", logger.SanitizeError(err)))
		respondJSONError(w, r, http.StatusInternalServerError, "Internal Server Error", "Could not schedule rescan")
	default:
		respondJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Events)})
	}
}

// LookupISP runs the host ISP lookup, which triggers discovery while the hook is installed
func (h *ProviderHandler) LookupISP(w http.ResponseWriter, r *http.Request) {
	domain, ok := domainVar(w, r)
	if !ok {
		return
	}
	cfg, err := h.svc.LookupISP(r.Context(), domain)
	switch {
	case errors.Is(err, ispdb.ErrNoProvider), errors.Is(err, fetcher.ErrUnexpectedStatus):
		respondJSONError(w, r, http.StatusNotFound, "Not Found", "No ISP configuration for domain")
	case err != nil:
		h.logger.Warn("isp_lookup_failed",
			zap.String("domain", logger.SanitizeDomain(domain)),
			zap.String("error", logger.SanitizeError(err)),
		)
		respondJSONError(w, r, http.StatusBadGateway, "Bad Gateway", "ISP lookup failed")
	default:
		respondJSON(w, http.StatusOK, cfg)
	}
}

// ListRegistry lists registered providers. Client secrets are never serialized.
func (h *ProviderHandler) ListRegistry(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.RegistryEntries(r.Context())
	if err != nil {
		h.logger.Error("registry_list_failed", zap.String("error", logger.SanitizeError(err)))
		respondJSONError(w, r, http.StatusInternalServerError, "Internal Server Error", "Failed to list registry")
		return
	}
	if entries == nil {
		entries = []*models.ProviderEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// RegistryEntryResponse is a registered provider with a consent URL preview
type RegistryEntryResponse struct {
	*models.ProviderEntry
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	CodeVerifier     string `json:"code_verifier,omitempty"`
}

// GetRegistryEntry returns one registered provider and an authorization URL built from it
func (h *ProviderHandler) GetRegistryEntry(w http.ResponseWriter, r *http.Request) {
	issuer := mux.Vars(r)["issuer"]
	entry, found, err := h.svc.RegistryEntry(r.Context(), issuer)
	if err != nil {
		h.logger.Error("registry_lookup_failed",
			zap.String("issuer", logger.SanitizeDomain(issuer)),
			zap.String("error", logger.SanitizeError(err)),
		)
		respondJSONError(w, r, http.StatusInternalServerError, "Internal Server Error", "Failed to read registry")
		return
	}
	if !found {
		respondJSONError(w, r, http.StatusNotFound, "Not Found", "Issuer is not registered")
		return
	}

	state := uuid.NewString()
	authURL, verifier := registry.AuthorizationURL(entry, state)
	respondJSON(w, http.StatusOK, RegistryEntryResponse{
		ProviderEntry:    entry,
		AuthorizationURL: authURL,
		State:            state,
		CodeVerifier:     verifier,
	})
}
