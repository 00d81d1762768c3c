// Package sender wraps the email, web-push and SMS transports behind a
// uniform "accepted for delivery" contract.
//
// Senders never surface delivery errors to callers: a failed send lands in
// the fallback queue and the method returns false. Only configuration and
// programmer errors can escape.
package sender
