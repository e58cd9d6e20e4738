package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/logging"
)

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindOperational:
		return http.StatusServiceUnavailable
	case apperrors.KindInvariant:
		// Commands invalid for the bot's current state conflict with it;
		// everything else breaks a business rule on well-formed input.
		if errors.Is(err, apperrors.ErrInvalidTransition) || errors.Is(err, apperrors.ErrDivestInProgress) ||
			errors.Is(err, apperrors.ErrHasOpenHoldings) {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	code := statusOf(err)
	body := gin.H{"error": err.Error(), "kind": string(kind)}

	var pe *apperrors.ParamError
	var ve *apperrors.ValidationError
	switch {
	case errors.As(err, &pe):
		body["fields"] = pe.Fields
		body["reasons"] = pe.Reasons
	case errors.As(err, &ve):
		body["fields"] = []string{ve.Field}
	}
	if kind == apperrors.KindConflict {
		c.Header("Retry-After", "1")
		body["retry"] = true
	}
	if code >= http.StatusInternalServerError {
		log := logging.FromContext(c.Request.Context())
		log.Error().Err(err).Str("kind", string(kind)).Msg("request error")
		if kind == apperrors.KindInternal {
			body["error"] = "internal error"
		}
	}
	c.JSON(code, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": string(apperrors.KindValidation)})
}
