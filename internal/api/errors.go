package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed panel call for the caller's retry decision.
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	// The caller keeps its current state and retries on its next cycle.
	KindTransient Kind = iota
	// KindNotFound is a 404: the entity does not exist on the panel.
	KindNotFound
	// KindMalformed is a response the client could not interpret, or a
	// rejection other than 404. Retrying the same request won't help.
	KindMalformed
)

// Error is a failed panel API call.
type Error struct {
	Kind   Kind
	Code   int    // HTTP status code, 0 when the request never completed
	Status string // HTTP status line, e.g. "404 NOT FOUND"
	Msg    string // server-provided error message, if any
	Err    error  // underlying transport or decode error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("request failed: %v", e.Err)
	case e.Msg != "":
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Msg)
	default:
		return fmt.Sprintf("request failed: %s", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func classify(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code >= 500:
		return KindTransient
	default:
		return KindMalformed
	}
}

// IsNotFound reports whether err is a panel 404.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool { return isKind(err, KindTransient) }

// IsMalformed reports whether err was a non-retryable rejection.
func IsMalformed(err error) bool { return isKind(err, KindMalformed) }

func isKind(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}
