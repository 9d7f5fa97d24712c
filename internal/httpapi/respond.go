// Package httpapi translates Engine operations into the JSON HTTP API
// surface of spec.md §6, generalizing the teacher's WriteJSON/WriteError
// pair (internal/handlers/helpers.go) into a typed *apierr.Error
// translator — the one place domain failures become the outbound error
// envelope, per spec.md §7.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vireclass/attendd/internal/apierr"
)

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// errorEnvelope is the stable error body of spec.md §6.
type errorEnvelope struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
}

// WriteError translates err into the outbound error envelope. A
// non-apierr error is treated as an unclassified internal failure and
// never leaks its message to the client.
func WriteError(w http.ResponseWriter, err error) {
	if apiErr := apierr.As(err); apiErr != nil {
		WriteJSON(w, apiErr.HTTPStatus, errorEnvelope{Code: apiErr.Code, Message: apiErr.Message})
		return
	}
	WriteJSON(w, http.StatusInternalServerError, errorEnvelope{Code: apierr.CodeInternalError, Message: "internal error"})
}
