package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"umagate.org/internal/auth"
	"umagate.org/internal/token"
	"umagate.org/internal/uma"
)

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

// handlePermission registers one permission request or a list of them.
func (a *API) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())

	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, err.Error())
		return
	}
	var reqs []uma.PermissionRequest
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := strictUnmarshal(trimmed, &reqs); err != nil {
			writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, err.Error())
			return
		}
	default:
		var one uma.PermissionRequest
		if err := strictUnmarshal(trimmed, &one); err != nil {
			writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, err.Error())
			return
		}
		reqs = []uma.PermissionRequest{one}
	}

	ticket, err := a.uma.RegisterPermission(r.Context(), principal, reqs)
	if err != nil {
		respond(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusCreated, ticketResponse{Ticket: ticket.ID})
}

func strictUnmarshal(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type introspectedPermission struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes"`
	Expiry     int64    `json:"exp,omitempty"`
}

type introspectionResponse struct {
	Active      bool                     `json:"active"`
	TokenType   string                   `json:"token_type,omitempty"`
	TokenID     string                   `json:"jti,omitempty"`
	Subject     string                   `json:"sub,omitempty"`
	ClientID    string                   `json:"client_id,omitempty"`
	IssuedAt    int64                    `json:"iat,omitempty"`
	Expiry      int64                    `json:"exp,omitempty"`
	Permissions []introspectedPermission `json:"permissions,omitempty"`
}

func introspectionFrom(res token.Result) introspectionResponse {
	if !res.Active {
		return introspectionResponse{}
	}
	out := introspectionResponse{
		Active:      true,
		TokenType:   token.TokenTypeBearer,
		TokenID:     res.TokenID,
		Subject:     res.Subject,
		ClientID:    res.ClientID,
		IssuedAt:    res.IssuedAt.Unix(),
		Expiry:      res.ExpiresAt.Unix(),
		Permissions: make([]introspectedPermission, 0, len(res.Permissions)),
	}
	for _, p := range res.Permissions {
		ip := introspectedPermission{ResourceID: p.ResourceID, Scopes: p.Scopes}
		if !p.ExpiresAt.IsZero() {
			ip.Expiry = p.ExpiresAt.Unix()
		}
		out.Permissions = append(out.Permissions, ip)
	}
	return out
}

// handleIntrospect answers RFC 7662 style with UMA permissions. Any token
// failure is reported as {"active": false}; a storage outage is a 500.
func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "malformed form body")
		return
	}
	value := strings.TrimSpace(r.PostForm.Get("token"))
	if value == "" {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "token is required")
		return
	}
	res, err := a.uma.Introspector.Inspect(r.Context(), value)
	if err != nil {
		respond(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, introspectionFrom(res))
}

// handleRevoke revokes an RPT. Unknown tokens are not an error.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "malformed form body")
		return
	}
	value := strings.TrimSpace(r.PostForm.Get("token"))
	if value == "" {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "token is required")
		return
	}
	if err := a.uma.Introspector.Revoke(r.Context(), value); err != nil {
		respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
