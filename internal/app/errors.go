package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"nyhetsjeger/api/internal/identity"
	"nyhetsjeger/api/internal/requests"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errPendingApproval  = domainError(http.StatusForbidden, "PENDING_APPROVAL", "Brukeren venter på godkjenning.", nil)
	errSessionConflict  = domainError(http.StatusForbidden, "SESSION_CONFLICT", "Økten tilhører en annen bruker.", nil)
	errAlreadyRequested = domainError(http.StatusConflict, "ALREADY_REQUESTED", "Det finnes allerede en innsynsbegjæring for denne oppføringen.", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var dispatchErr *requests.DispatchError
	if errors.As(err, &dispatchErr) {
		return http.StatusBadGateway, "DISPATCH_FAILED", "Kunne ikke sende: " + dispatchErr.Message, nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, requests.ErrUnknownRequest):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, identity.ErrNoSession):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, requests.ErrMissingRecipient):
		return http.StatusUnprocessableEntity, "MISSING_RECIPIENT", "Mangler e-postadresse til mottaker.", nil
	case errors.Is(err, requests.ErrNotConfirmed):
		return http.StatusPreconditionFailed, "NOT_CONFIRMED", "Sending må bekreftes.", nil
	case errors.Is(err, requests.ErrDispatchBusy):
		return http.StatusConflict, "DISPATCH_IN_PROGRESS", "Forespørselen sendes allerede.", nil
	case errors.Is(err, requests.ErrInvalidOutcome):
		return http.StatusUnprocessableEntity, "INVALID_OUTCOME", "Ugyldig utfall.", nil
	case errors.Is(err, requests.ErrInvalidType):
		return http.StatusUnprocessableEntity, "INVALID_TYPE", "Ugyldig type innsynsbegjæring.", nil
	case errors.Is(err, requests.ErrInvalidEmail):
		return http.StatusUnprocessableEntity, "INVALID_EMAIL", "Ugyldig e-postadresse.", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
