package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"umagate.org/internal/auth"
	"umagate.org/internal/obs"
	"umagate.org/internal/permission"
)

// GrantTypeUMATicket is the UMA 2.0 grant type accepted at the token endpoint.
const GrantTypeUMATicket = "urn:ietf:params:oauth:grant-type:uma-ticket"

// ReadyProbe checks whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the HTTP surface.
type Options struct {
	// BaseURL is the externally visible issuer URL used in discovery.
	BaseURL      string
	Version      string
	Ready        ReadyProbe
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   float64
}

// API is the HTTP layer of the authorization server.
type API struct {
	mux        *http.ServeMux
	uma        *permission.Service
	clients    *auth.Service
	readyProbe ReadyProbe
	baseURL    string
	version    string
	maxBody    int64
	rateBurst  int
	ratePerSec float64
}

func New(svc *permission.Service, clients *auth.Service, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		uma:        svc,
		clients:    clients,
		readyProbe: opts.Ready,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		version:    opts.Version,
		maxBody:    opts.MaxBodyBytes,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}
	if a.maxBody <= 0 {
		a.maxBody = 64 << 10
	}

	// health/ready/discovery
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/.well-known/uma2-configuration", a.Discovery)
	a.mux.Handle("/metrics", obs.Handler())

	// protection API
	a.mux.Handle("/permission", a.withPAT(http.HandlerFunc(a.handlePermission)))
	a.mux.Handle("/introspect", a.withPAT(http.HandlerFunc(a.handleIntrospect)))
	a.mux.Handle("/rpt/status", a.withPAT(http.HandlerFunc(a.handleIntrospect)))
	a.mux.Handle("/revoke", a.withPAT(http.HandlerFunc(a.handleRevoke)))

	// client-facing
	a.mux.HandleFunc("/token", a.handleToken)
	a.mux.HandleFunc("/claims_gathering", a.handleClaimsGathering)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = SecurityHeaders(h)
	h = Logging(h)
	h = Recover(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Ctx(r.Context()).Warn().Err(err).Msg("readiness.failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Discovery serves the UMA 2.0 authorization server metadata.
func (a *API) Discovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	base := a.baseURL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"token_endpoint":                        base + "/token",
		"permission_endpoint":                   base + "/permission",
		"introspection_endpoint":                base + "/introspect",
		"revocation_endpoint":                   base + "/revoke",
		"claims_interaction_endpoint":           base + "/claims_gathering",
		"grant_types_supported":                 []string{GrantTypeUMATicket, "client_credentials"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"claim_token_profiles_supported":        a.uma.Verifiers.Formats(),
		"uma_profiles_supported":                []string{},
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
