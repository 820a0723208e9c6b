package common

import "errors"

// AppError carries a stable machine-readable code and the HTTP status the
// handler layer should render, alongside an optional wrapped cause.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError builds an AppError around an optional cause.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Err:        err,
	}
}

// IsAppError reports whether err has an AppError anywhere in its chain.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
