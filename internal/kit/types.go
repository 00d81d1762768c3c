package kit

import "time"

// Channel is a delivery channel for a notification.
type Channel string

const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
	ChannelPush  Channel = "PUSH"
	ChannelSMS   Channel = "SMS"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

// Priority orders notifications. Comparisons use Ordinal, not string order.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// Ordinal maps a priority to its rank. Unknown priorities rank lowest so a
// malformed value can never bypass a threshold.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	case PriorityCritical:
		return 5
	}
	return 0
}

// AtLeast reports whether p ranks at or above min.
func (p Priority) AtLeast(min Priority) bool { return p.Ordinal() >= min.Ordinal() }

// Type categorizes a notification. The set mirrors the HR workflows that
// produce notifications; senders treat it as opaque.
type Type string

const (
	TypeGeneral        Type = "GENERAL"
	TypeAnnouncement   Type = "ANNOUNCEMENT"
	TypeApprovalNeeded Type = "APPROVAL_NEEDED"
	TypeApprovalResult Type = "APPROVAL_RESULT"
	TypeTaskAssigned   Type = "TASK_ASSIGNED"
	TypeSystemAlert    Type = "SYSTEM_ALERT"
)

// Notification is a single logical notification for one user, before channel
// fan-out. Recipient addressing (email address, push subscriptions, phone
// number) is resolved at send time.
type Notification struct {
	UserID   string
	Type     Type
	Priority Priority
	Title    string
	Body     string

	// Email lets the producer carry a prebuilt HTML body; when empty the
	// plain Body is used.
	HTML string

	// Recipient overrides; when empty, looked up from the user profile.
	Email string
	Phone string
}

// EmailPayload is what the email sender puts on the wire (and what the
// fallback queue persists on failure).
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// PushPayload targets one browser push subscription.
type PushPayload struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
}

// SMSPayload targets one phone number.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendResult aggregates a bulk send.
type SendResult struct {
	UserID  string
	Sent    bool
	Blocked string // non-empty when the preference engine blocked the send
	At      time.Time
}
