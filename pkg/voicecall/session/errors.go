package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/postcall"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transport"
)

// Category is the user-facing class of a session failure. Each category maps
// to distinct remediation text.
type Category string

const (
	CategoryPermission         Category = "permission"
	CategoryConnectivity       Category = "connectivity"
	CategoryAgentNotConfigured Category = "agent_not_configured"
	CategoryTransport          Category = "transport"
	CategoryProtocol           Category = "protocol"
	CategoryTooShort           Category = "too_short"
	CategoryAnalysis           Category = "analysis"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotConnected   = errors.New("session is not connected")
	ErrAborted        = errors.New("session aborted")
)

type Error struct {
	Category Category
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Message is short remediation text for the category.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	switch e.Category {
	case CategoryPermission:
		return "Microphone unavailable. Check that a microphone is connected and access is allowed, then try again."
	case CategoryConnectivity:
		return "Could not reach the voice service directly or through the relay. Check your network and try again."
	case CategoryAgentNotConfigured:
		return "No voice agent is configured for this call."
	case CategoryTransport:
		return "The connection dropped during the call. Start a new call to try again."
	case CategoryProtocol:
		return "The voice service ended the call with an error."
	case CategoryTooShort:
		return "The call ended before anything was said, so there is nothing to analyze."
	case CategoryAnalysis:
		return "Your conversation was kept, but analysis could not be completed."
	default:
		return "The call failed."
	}
}

// CategoryOf returns the category of err, or "" if err is not a session error.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

func openError(err error) *Error {
	var hs *transport.HandshakeError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return &Error{Category: CategoryAgentNotConfigured, Cause: err}
		}
	}
	return &Error{Category: CategoryConnectivity, Cause: err}
}

func pipelineError(err error) *Error {
	if errors.Is(err, postcall.ErrCallTooShort) {
		return &Error{Category: CategoryTooShort, Cause: err}
	}
	return &Error{Category: CategoryAnalysis, Cause: err}
}
