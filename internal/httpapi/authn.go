package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"umagate.org/internal/auth"
	"umagate.org/internal/uma"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withPAT authenticates protection API calls with a resource server's PAT.
func (a *API) withPAT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="uma_protection"`)
			writeError(w, r, http.StatusUnauthorized, uma.CodeInvalidToken, err.Error())
			return
		}

		principal, err := a.clients.AuthenticatePAT(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrDisabled):
				w.Header().Set("WWW-Authenticate", `Bearer realm="uma_protection", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, uma.CodeInvalidToken, "invalid protection api token")
			default:
				respond(w, r, err)
			}
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateClient accepts client_secret_basic and client_secret_post.
func (a *API) authenticateClient(r *http.Request) (*auth.Client, error) {
	id, secret, ok := r.BasicAuth()
	if ok {
		// RFC 6749 2.3.1: credentials are form-encoded before base64.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return a.clients.AuthenticateClient(r.Context(), id, secret)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
