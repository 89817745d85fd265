// Package audit provides structured security and operational audit
// logging for the HiveMind engine.
package audit

import "time"

// EventType represents the type of audit event.
type EventType string

const (
	// push.subscribe / push.unsubscribe events (spec.md §4.F.a/§4.F.c).
	EventSubscribeAttempt   EventType = "SUBSCRIBE_ATTEMPT"
	EventSubscribeSuccess   EventType = "SUBSCRIBE_SUCCESS"
	EventSubscribeFailure   EventType = "SUBSCRIBE_FAILURE"
	EventUnsubscribeAttempt EventType = "UNSUBSCRIBE_ATTEMPT"
	EventUnsubscribeSuccess EventType = "UNSUBSCRIBE_SUCCESS"
	EventUnsubscribeFailure EventType = "UNSUBSCRIBE_FAILURE"

	// admin.register_service and notifier.validate outcomes.
	EventNotifierRegistered EventType = "NOTIFIER_REGISTERED"
	EventNotifierRejected   EventType = "NOTIFIER_VALIDATE_REJECTED"

	// notify.message fan-out (spec.md §4.F.d).
	EventNotificationPushed  EventType = "NOTIFICATION_PUSHED"
	EventNotificationDeduped EventType = "NOTIFICATION_DEDUPED"
	EventNotificationFailed  EventType = "NOTIFICATION_FAILED"

	// Storage-node lifecycle (spec.md §4.E).
	EventSNConnected    EventType = "SN_CONNECTED"
	EventSNDisconnected EventType = "SN_DISCONNECTED"
	EventSNCooldown     EventType = "SN_COOLDOWN"
	EventSNDisposed     EventType = "SN_DISPOSED"

	// Failed signature verification is the one attacker-observable
	// signal worth auditing separately from an ordinary bad-input
	// rejection.
	EventSignatureVerifyFailed EventType = "SIGNATURE_VERIFY_FAILED"

	// System and configuration lifecycle.
	EventSystemStart  EventType = "SYSTEM_START"
	EventSystemStop   EventType = "SYSTEM_STOP"
	EventSystemError  EventType = "SYSTEM_ERROR"
	EventConfigChange EventType = "CONFIG_CHANGE"
)

// Severity represents the severity of an event.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// GetSeverity returns the default severity for an event type.
func (e EventType) GetSeverity() Severity {
	switch e {
	case EventSubscribeFailure, EventUnsubscribeFailure, EventNotifierRejected,
		EventNotificationFailed, EventSNCooldown:
		return SeverityWarning
	case EventSystemError, EventSNDisposed:
		return SeverityError
	case EventSignatureVerifyFailed:
		return SeverityCritical
	case EventSubscribeSuccess, EventUnsubscribeSuccess, EventNotifierRegistered,
		EventNotificationPushed, EventSNConnected:
		return SeverityInfo
	case EventSystemStart, EventSystemStop, EventConfigChange, EventSNDisconnected:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}

// Category returns the category for an event type, used for per-category
// retention.
func (e EventType) Category() string {
	switch e {
	case EventSubscribeAttempt, EventSubscribeSuccess, EventSubscribeFailure,
		EventUnsubscribeAttempt, EventUnsubscribeSuccess, EventUnsubscribeFailure:
		return "subscription"
	case EventNotifierRegistered, EventNotifierRejected:
		return "notifier"
	case EventNotificationPushed, EventNotificationDeduped, EventNotificationFailed:
		return "notification"
	case EventSNConnected, EventSNDisconnected, EventSNCooldown, EventSNDisposed:
		return "storage_node"
	case EventSignatureVerifyFailed:
		return "security"
	case EventSystemStart, EventSystemStop, EventSystemError:
		return "system"
	case EventConfigChange:
		return "admin"
	default:
		return "other"
	}
}

// Event represents a single audit event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"server_id"`

	// ActorID/ActorType identify who or what triggered the event: an
	// account id (hex), a storage-node pubkey (hex), or a notifier
	// service name. RemoteAddr is the connection's dialed or accepted
	// address, from transport.Connection.RemoteAddr.
	ActorID    string `json:"actor_id,omitempty"`
	ActorType  string `json:"actor_type,omitempty"` // "account", "storage_node", "notifier", "system"
	RemoteAddr string `json:"remote_addr,omitempty"`

	Service string `json:"service,omitempty"`
	SvcID   string `json:"svc_id,omitempty"`
	SwarmID uint64 `json:"swarm_id,omitempty"`

	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	RetentionDays int       `json:"retention_days,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}
