package relay

import (
	"fmt"
	"net/http"

	"chat-relay/pkg/models"
)

// Kind classifies why a turn failed.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthRequired
	KindUpgradeRequired
	KindQuota
	KindBudget
	KindUpstream
	KindCanceled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthRequired:
		return "auth_required"
	case KindUpgradeRequired:
		return "upgrade_required"
	case KindQuota:
		return "quota_exceeded"
	case KindBudget:
		return "conversation_too_long"
	case KindUpstream:
		return "upstream"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Remediation hints for the client.
const (
	ActionLogin   = "login"
	ActionUpgrade = "upgrade"
	ActionNewChat = "new_chat"
	ActionRetry   = "retry"
)

// Error is returned by Run for every failed turn. When Streamed is set an
// error frame has already been written to the caller's stream; otherwise
// nothing was written and the caller should answer with Status.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Action  string
	State   State

	RequiredTier    models.Tier
	CreditBalance   *int64
	RequiredCredits int64
	TokenCount      int
	TokenLimit      int

	Streamed bool
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s in %s: %s: %v", e.Kind, e.State, e.Message, e.Err)
	}
	return fmt.Sprintf("%s in %s: %s", e.Kind, e.State, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

func internalError(msg string, err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: msg,
		Action:  ActionRetry,
		Err:     err,
	}
}
