package response

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Envelope is the body of every JSON reply
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
}

func write(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Int("status", status).Msg("failed to write response body")
	}
}

// JSON writes data; success follows the status class
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Envelope{Success: status >= 200 && status < 300, Data: data})
}

// Error writes a failure with the given message or detail object
func Error(w http.ResponseWriter, status int, message any) {
	write(w, status, Envelope{Error: message})
}

func OK(w http.ResponseWriter, data any)      { JSON(w, http.StatusOK, data) }
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func BadRequest(w http.ResponseWriter, message any)   { Error(w, http.StatusBadRequest, message) }
func Unauthorized(w http.ResponseWriter, message any) { Error(w, http.StatusUnauthorized, message) }
func Forbidden(w http.ResponseWriter, message any)    { Error(w, http.StatusForbidden, message) }
func NotFound(w http.ResponseWriter, message any)     { Error(w, http.StatusNotFound, message) }

// InternalError hides the cause; callers log it first
func InternalError(w http.ResponseWriter, message any) {
	Error(w, http.StatusInternalServerError, message)
}
