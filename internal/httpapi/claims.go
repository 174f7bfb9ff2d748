package httpapi

import (
	"mime"
	"net/http"
	"strings"

	"umagate.org/internal/claims"
	"umagate.org/internal/policy"
	"umagate.org/internal/uma"
)

type promptResponse struct {
	Session        string                   `json:"session"`
	Ticket         string                   `json:"ticket"`
	Step           int                      `json:"step"`
	StepsCount     int                      `json:"steps_count"`
	Page           string                   `json:"page,omitempty"`
	RequiredClaims []policy.ClaimDefinition `json:"required_claims"`
}

func promptFrom(p *claims.Prompt) promptResponse {
	out := promptResponse{
		Step:           p.Step,
		StepsCount:     p.StepsCount,
		Page:           p.Page,
		RequiredClaims: p.RequiredClaims,
	}
	if p.Session != nil {
		out.Session = p.Session.ID
		out.Ticket = p.Session.TicketID
	}
	if out.RequiredClaims == nil {
		out.RequiredClaims = []policy.ClaimDefinition{}
	}
	return out
}

type claimsSubmission struct {
	Session string         `json:"session"`
	Claims  map[string]any `json:"claims"`
}

// handleClaimsGathering is where the requesting party is redirected to supply
// claims. GET describes the current step, POST submits values.
func (a *API) handleClaimsGathering(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.claimsPrompt(w, r)
	case http.MethodPost:
		a.claimsSubmit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) claimsPrompt(w http.ResponseWriter, r *http.Request) {
	session := strings.TrimSpace(r.URL.Query().Get("session"))
	if session == "" {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "session is required")
		return
	}
	p, err := a.uma.ClaimsPrompt(r.Context(), session)
	if err != nil {
		respond(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, promptFrom(p))
}

func (a *API) claimsSubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := readSubmission(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, err.Error())
		return
	}
	if sub.Session == "" {
		writeError(w, r, http.StatusBadRequest, uma.CodeInvalidRequest, "session is required")
		return
	}
	out, err := a.uma.SubmitClaims(r.Context(), sub.Session, sub.Claims)
	if err != nil {
		respond(w, r, err)
		return
	}
	noStore(w)
	if !out.Completed {
		writeJSON(w, http.StatusOK, promptFrom(out.Prompt))
		return
	}
	if out.RedirectTo != "" {
		http.Redirect(w, r, out.RedirectTo, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed": true})
}

// readSubmission accepts a JSON body or a form where every field other than
// session is a candidate claim. The machine keeps only the requested ones.
func readSubmission(r *http.Request) (claimsSubmission, error) {
	var sub claimsSubmission
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := decodeJSON(r, &sub); err != nil {
			return sub, err
		}
		sub.Session = strings.TrimSpace(sub.Session)
		return sub, nil
	}
	if err := r.ParseForm(); err != nil {
		return sub, err
	}
	sub.Session = strings.TrimSpace(r.PostForm.Get("session"))
	sub.Claims = make(map[string]any, len(r.PostForm))
	for k, v := range r.PostForm {
		if k == "session" || len(v) == 0 {
			continue
		}
		sub.Claims[k] = v[0]
	}
	return sub, nil
}
