// Package handlers implements the REST endpoints. Every failure leaves
// through Fail so the error envelope and status mapping stay uniform.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// statusClientClosedRequest mirrors the nginx convention for a caller
// that went away before the response was ready.
const statusClientClosedRequest = 499

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Fail writes the error envelope with the status implied by the error
// kind.
func Fail(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{"error": errorBody{
		Kind:    string(domain.KindOf(err)),
		Message: err.Error(),
	}})
}

// FailValidation wraps a binding or shape error as a 400.
func FailValidation(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Kind:    string(domain.KindValidation),
		Message: err.Error(),
	}})
}

// StatusFor maps the domain error kinds onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrProviderFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCancelled):
		return statusClientClosedRequest
	case errors.Is(err, domain.ErrAgentIterationCap),
		errors.Is(err, domain.ErrEmptyDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConfigMissing):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}
