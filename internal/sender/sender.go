package sender

import "glorianotify/internal/kit"

// FallbackSink receives payloads that could not be delivered immediately.
// Implemented by the fallback queue; enqueueing never fails loudly.
type FallbackSink interface {
	StoreFailedEmail(p kit.EmailPayload, reason string)
	StoreFailedPush(p kit.PushPayload, reason string)
	StoreFailedSMS(p kit.SMSPayload, reason string)
}

const reasonNotConfigured = "not configured"
