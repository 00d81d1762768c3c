// Package notify is the delivery dispatcher: preference checks, channel
// fan-out, frequency tracking and the retry hooks the fallback queue calls.
package notify
