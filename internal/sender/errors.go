package sender

import (
	"errors"
	"fmt"
)

// Service names used with the circuit breaker. One circuit per transport.
const (
	ServiceEmail = "email-service"
	ServicePush  = "push-service"
	ServiceSMS   = "sms-service"
)

// Permanent marks an error as a permanent recipient error (invalid address,
// expired push subscription). Permanent failures are never queued for retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
