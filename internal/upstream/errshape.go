package upstream

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/mstiller/switchboard/internal"
)

// ErrorStatus maps a gateway sentinel to the HTTP status the client sees.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyDisabled):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrAliasNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNoEnabledTargets):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrUnsupportedContent):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrSessionTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKindOf maps a gateway sentinel to its journal classification.
func ErrorKindOf(err error) gateway.ErrorKind {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyDisabled):
		return gateway.KindClientUnauthorized
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrUnsupportedContent),
		errors.Is(err, gateway.ErrAliasNotFound):
		return gateway.KindClientBadRequest
	case errors.Is(err, gateway.ErrStreamTruncated):
		return gateway.KindStreamTruncated
	default:
		return gateway.KindInternal
	}
}

// WriteError renders an error body in the inbound family's native shape.
// Internal errors must not leak detail: pass only the request id as message.
func WriteError(w http.ResponseWriter, family gateway.APIFamily, status int, kind gateway.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody(family, status, kind, message))
}

func errorBody(family gateway.APIFamily, status int, kind gateway.ErrorKind, message string) map[string]any {
	switch family {
	case gateway.FamilyMessages:
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(status),
				"message": message,
			},
		}
	case gateway.FamilyGemini:
		return map[string]any{
			"error": map[string]any{
				"code":    status,
				"status":  googleStatus(status),
				"message": message,
			},
		}
	default:
		// OpenAI-shaped families share one envelope.
		return map[string]any{
			"error": map[string]any{
				"type":    string(kind),
				"code":    openaiErrorCode(status),
				"message": message,
			},
		}
	}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

func openaiErrorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "invalid_api_key"
	case http.StatusNotFound:
		return "model_not_found"
	case http.StatusTooManyRequests:
		return "rate_limit_exceeded"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
