package broker

import (
	"errors"
	"net/http"

	"github.com/sifworks/broker-go/authtoken"
	"github.com/sifworks/broker-go/environment"
	"github.com/sifworks/broker-go/jobs"
	"github.com/sifworks/broker-go/rights"
	"github.com/sifworks/broker-go/sessions"
)

// HTTPStatus maps a control-plane error to the response code the
// transport layer should emit. Missing sessions and jobs map to 404; use
// HTTPStatusAuth at call-sites where a missing session means the caller
// never authenticated.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sessions.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, jobs.ErrPhaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, environment.ErrInvalidSession),
		errors.Is(err, authtoken.ErrVerificationFailed):
		return http.StatusUnauthorized
	case isRejected(err),
		errors.Is(err, rights.ErrInvalidRequest),
		isInvalidToken(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusAuth is the variant for authentication-time call-sites: an
// unknown session or token there is a 401, not a 404.
func HTTPStatusAuth(err error) int {
	if errors.Is(err, sessions.ErrNotFound) {
		return http.StatusUnauthorized
	}
	if isInvalidToken(err) {
		return http.StatusUnauthorized
	}
	return HTTPStatus(err)
}

func isRejected(err error) bool {
	var r1 *rights.RejectedError
	var r2 *jobs.RejectedError
	return errors.As(err, &r1) || errors.As(err, &r2)
}

func isInvalidToken(err error) bool {
	var it *authtoken.InvalidTokenError
	return errors.As(err, &it)
}
