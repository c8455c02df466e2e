package auth

import (
	"errors"
	"net/http"
)

// Bearer token errors.
var (
	ErrUnauthorized = errors.New("auth: missing bearer token")
	ErrForbidden    = errors.New("auth: role below required level")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Gateway ingest signature errors.
var (
	ErrIngestNotConfigured = errors.New("auth: ingest secret not configured")
	ErrMissingSignature    = errors.New("auth: missing ingest signature")
	ErrInvalidTimestamp    = errors.New("auth: invalid ingest timestamp")
	ErrSignatureExpired    = errors.New("auth: ingest signature outside allowed skew")
	ErrInvalidSignature    = errors.New("auth: invalid ingest signature")
)

var rejections = []error{
	ErrForbidden,
	ErrExpiredToken,
	ErrInvalidToken,
	ErrUnauthorized,
	ErrIngestNotConfigured,
	ErrMissingSignature,
	ErrInvalidTimestamp,
	ErrSignatureExpired,
	ErrInvalidSignature,
}

// writeError answers with the sentinel matching err, never its wrapped
// details. Errors outside the auth set are bad requests.
func writeError(w http.ResponseWriter, err error) {
	for _, known := range rejections {
		if !errors.Is(err, known) {
			continue
		}
		status := http.StatusUnauthorized
		if known == ErrForbidden {
			status = http.StatusForbidden
		}
		http.Error(w, known.Error(), status)
		return
	}
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}
