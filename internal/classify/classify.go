// Package classify maps raw generation-stream failures onto a fixed
// taxonomy and the recovery behavior each kind demands.
//
// The backend's failure channel is historically a single human-readable
// text message, so classification falls back to substring markers. The
// reference backend additionally attaches machine codes to its error
// events; coded errors are classified first and exactly, keeping the
// substring path only for backward compatibility with the legacy backend.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure taxonomy.
type Kind int

const (
	// KindNone marks an empty or nil error: swallowed, no user-visible noise.
	KindNone Kind = iota

	// KindQuotaExhausted means the user ran out of credits and must top up.
	KindQuotaExhausted

	// KindGatewayMisconfigured means the generation provider credentials
	// are missing or invalid. Distinct prompt from quota, no rollback.
	KindGatewayMisconfigured

	// KindValidationFailed is a structured input validation failure.
	KindValidationFailed

	// KindUnknown is any other non-empty failure.
	KindUnknown
)

// String returns the taxonomy name for logging.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindGatewayMisconfigured:
		return "gateway_misconfigured"
	case KindValidationFailed:
		return "validation_failed"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Recovery is the action the UI takes for a classified failure.
type Recovery int

const (
	// RecoveryNone: nothing to do (swallowed errors).
	RecoveryNone Recovery = iota

	// RecoveryTopUp: modal top-up prompt; the just-sent user message is
	// rolled back when it was the first in the conversation, and pending
	// input/attachments are cleared.
	RecoveryTopUp

	// RecoveryConfigure: modal configuration prompt, no message rollback.
	RecoveryConfigure

	// RecoveryInline: inline form error, no session state change.
	RecoveryInline

	// RecoveryNotice: transient dismissible notice; the session stays in
	// error state and retry is user-initiated.
	RecoveryNotice
)

// Classification is the result of classifying one failure.
type Classification struct {
	Kind     Kind
	Recovery Recovery

	// Modal marks prompts that block further interaction until resolved.
	Modal bool

	// Message is the text surfaced to the user, empty for swallowed errors.
	Message string
}

// CodedError is a structured failure from the generation endpoint: a
// machine code plus the human-readable message the legacy channel carried.
type CodedError struct {
	Code    string
	Message string
}

// Error codes emitted by the reference backend's error events.
const (
	CodeQuotaExhausted       = "quota_exhausted"
	CodeGatewayMisconfigured = "gateway_misconfigured"
	CodeValidationFailed     = "validation_failed"
)

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// ValidationError is a structured input-parsing failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Substring markers for the legacy text-only failure channel.
var (
	quotaMarkers   = []string{"recharge", "top up", "top-up", "credit"}
	gatewayMarkers = []string{"api key", "credential", "provider not configured"}
)

// Classify maps a raw failure onto the taxonomy. Nil and empty errors
// yield KindNone: they are swallowed without user-visible effect.
func Classify(err error) Classification {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return Classification{Kind: KindNone, Recovery: RecoveryNone}
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return Classification{
			Kind:     KindValidationFailed,
			Recovery: RecoveryInline,
			Message:  ve.Error(),
		}
	}

	var ce *CodedError
	if errors.As(err, &ce) {
		if c, ok := classifyCode(ce); ok {
			return c
		}
		// Unknown code: fall through to content matching on the message.
	}

	return classifyText(err.Error())
}

// classifyCode handles structured codes from the reference backend.
func classifyCode(ce *CodedError) (Classification, bool) {
	switch ce.Code {
	case CodeQuotaExhausted:
		return Classification{Kind: KindQuotaExhausted, Recovery: RecoveryTopUp, Modal: true, Message: ce.Message}, true
	case CodeGatewayMisconfigured:
		return Classification{Kind: KindGatewayMisconfigured, Recovery: RecoveryConfigure, Modal: true, Message: ce.Message}, true
	case CodeValidationFailed:
		return Classification{Kind: KindValidationFailed, Recovery: RecoveryInline, Message: ce.Message}, true
	default:
		return Classification{}, false
	}
}

// classifyText is the legacy substring path.
func classifyText(msg string) Classification {
	switch {
	case containsAny(msg, quotaMarkers...):
		return Classification{Kind: KindQuotaExhausted, Recovery: RecoveryTopUp, Modal: true, Message: msg}
	case containsAny(msg, gatewayMarkers...):
		return Classification{Kind: KindGatewayMisconfigured, Recovery: RecoveryConfigure, Modal: true, Message: msg}
	default:
		return Classification{Kind: KindUnknown, Recovery: RecoveryNotice, Message: msg}
	}
}

// containsAny reports whether s contains any of the substrings,
// case-insensitively.
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
