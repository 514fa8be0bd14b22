package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrBadRequest             = errors.New("bad request")
	ErrInternalServer         = errors.New("internal server error")
	ErrInvalidToken           = errors.New("invalid token")
	ErrTokenExpired           = errors.New("token expired")
	ErrUserNotFound           = errors.New("user not found")
	ErrChannelNotFound        = errors.New("channel not found")
	ErrCapacityExceeded       = errors.New("channel is full")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotInVoice             = errors.New("not in a voice channel")
	ErrConnectionNotFound     = errors.New("connection not found")
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

// IsAuthentication - ошибка рукопожатия (нет токена, токен невалиден или истек)
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrUserNotFound)
}

func HTTPStatusFromError(err error) int {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrConnectionNotFound):
		return http.StatusNotFound
	case IsAuthentication(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrNotInVoice):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
