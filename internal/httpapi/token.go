package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"umagate.org/internal/audit"
	"umagate.org/internal/auth"
	"umagate.org/internal/permission"
	"umagate.org/internal/uma"
)

type rptResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	PCT         string `json:"pct,omitempty"`
	Upgraded    bool   `json:"upgraded,omitempty"`
}

type patResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "malformed form body")
		return
	}
	noStore(w)

	client, err := a.authenticateClient(r)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrDisabled) {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
			writeError(w, r, http.StatusUnauthorized, uma.CodeInvalidClient, "client authentication failed")
			return
		}
		respond(w, r, err)
		return
	}
	ctx := auth.ContextWithClient(r.Context(), client)
	r = r.WithContext(ctx)

	switch grant := r.PostForm.Get("grant_type"); grant {
	case GrantTypeUMATicket:
		a.exchangeTicket(w, r, client)
	case "client_credentials":
		a.issuePAT(w, r, client)
	case "":
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "grant_type is required")
	default:
		writeError(w, r, http.StatusBadRequest, uma.CodeUnsupportedGrantType, "grant_type "+grant+" is not supported")
	}
}

func (a *API) exchangeTicket(w http.ResponseWriter, r *http.Request, client *auth.Client) {
	form := r.PostForm
	res, err := a.uma.ExchangeTicketForRPT(r.Context(), permission.ExchangeRequest{
		Ticket:            strings.TrimSpace(form.Get("ticket")),
		Client:            client,
		ClaimToken:        form.Get("claim_token"),
		ClaimTokenFormat:  form.Get("claim_token_format"),
		PCT:               form.Get("pct"),
		RPT:               form.Get("rpt"),
		Scopes:            strings.Fields(form.Get("scope")),
		ClaimsRedirectURI: form.Get("claims_redirect_uri"),
		State:             form.Get("state"),
	})
	if err != nil {
		respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rptResponse{
		AccessToken: res.AccessToken,
		TokenType:   res.TokenType,
		ExpiresIn:   int64(res.ExpiresIn.Seconds()),
		PCT:         res.PCT,
		Upgraded:    res.Upgraded,
	})
}

func (a *API) issuePAT(w http.ResponseWriter, r *http.Request, client *auth.Client) {
	if client.Kind != auth.KindResourceServer {
		writeError(w, r, http.StatusBadRequest, "unauthorized_client", "only resource servers may obtain a protection api token")
		return
	}
	pat, err := a.clients.IssuePAT(r.Context(), client)
	if err != nil {
		respond(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "pat.issued", map[string]any{"expires_at": pat.ExpiresAt})
	writeJSON(w, http.StatusOK, patResponse{
		AccessToken: pat.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(pat.ExpiresAt).Round(time.Second).Seconds()),
		Scope:       pat.Scope,
	})
}
