package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/splax/hostd/pkg/crypto"
	jwtpkg "github.com/splax/hostd/pkg/jwt"
)

const defaultTokenSubject = "admin"

type tokenRequest struct {
	Password string   `json:"password"`
	Subject  string   `json:"subject"`
	Projects []string `json:"projects"`
}

// handleToken exchanges the operator password for a bearer token. Without
// a project list the token is an admin token.
func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.auth.AdminPasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "password login is not configured")
		return
	}
	var payload tokenRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := crypto.ComparePassword(r.auth.AdminPasswordHash, payload.Password); err != nil {
		r.logger.Warn("token request rejected", "ip", clientIP(req))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		subject = defaultTokenSubject
	}
	admin := len(payload.Projects) == 0
	token, err := jwtpkg.GenerateToken(subject, payload.Projects, admin, r.auth.Secret, r.auth.TokenTTL)
	if err != nil {
		r.logger.Error("issue token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"subject":   subject,
		"admin":     admin,
		"expiresAt": time.Now().Add(r.auth.TokenTTL).UTC().Format(time.RFC3339),
	})
}
