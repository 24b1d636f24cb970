package handler

import (
	"errors"
	"net/http"

	"github.com/Rrens/social-inbox/internal/api/response"
	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// serviceError maps domain errors onto HTTP statuses. Anything unmapped is
// logged and reported as an internal error without its message.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "not found")
	case errors.Is(err, domain.ErrAccessDenied):
		response.Forbidden(w, "access denied")
	case errors.Is(err, domain.ErrInvalidIdentity):
		response.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInactiveAccount):
		response.Error(w, http.StatusConflict, err.Error())
	case errors.As(err, new(validator.ValidationErrors)):
		response.BadRequest(w, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		response.InternalError(w, "internal error")
	}
}
