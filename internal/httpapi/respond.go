// writeJSON/writeError response helpers shared by every handler, plus
// causalerr-to-HTTP-status translation. Error bodies use the
// CausalError taxonomy's Kind as the machine-readable "error" field so
// clients can branch on it without string-matching messages.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/yinkev/causalytics/internal/causalerr"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeCausalErr maps err to its HTTP status via causalerr and writes the
// standard error envelope. Errors that aren't a *causalerr.Error are
// reported as an internal ComputationError so nothing ever leaks a bare
// Go error string with a 200-range status.
func writeCausalErr(w http.ResponseWriter, err error) {
	ce := causalerr.As(err)
	if ce == nil {
		writeError(w, http.StatusInternalServerError, string(causalerr.KindComputationError), err.Error())
		return
	}
	writeError(w, causalerr.HTTPStatus(ce.Kind), string(ce.Kind), ce.Error())
}
