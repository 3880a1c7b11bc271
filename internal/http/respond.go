package httpx

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/domain"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Project map[string]any `json:"project,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a transport level error such as a bad body or a missing
// token.
func writeError(w http.ResponseWriter, status int, msg string) {
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeAppError maps err onto its kind. Only the public message leaves the
// server.
func writeAppError(w http.ResponseWriter, err error) {
	writeAppErrorWith(w, err, nil)
}

// writeAppErrorWith is writeAppError carrying the affected project, used when
// a deployment failed after the project was recorded.
func writeAppErrorWith(w http.ResponseWriter, err error, project *domain.Project) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), errorBody{
		Code:    string(kind),
		Message: apperr.PublicMessage(err),
		Project: presentProject(project),
	})
}
