package auth

import (
	"fmt"

	"github.com/ruteri/web3-uploader/interfaces"
)

// Reason names why a request was rejected.
type Reason string

const (
	MissingCredentials Reason = "MissingCredentials"
	InvalidAPIKey      Reason = "InvalidAPIKey"
	InvalidTimestamp   Reason = "InvalidTimestamp"
	StaleTimestamp     Reason = "StaleTimestamp"
	KeyNotOwned        Reason = "KeyNotOwned"
	InvalidSignature   Reason = "InvalidSignature"
)

var reasonMessages = map[Reason]string{
	MissingCredentials: "Missing credentials.",
	InvalidAPIKey:      "Invalid API key.",
	InvalidTimestamp:   "Invalid timestamp.",
	StaleTimestamp:     "Timestamp expired.",
	KeyNotOwned:        "Key not owned by user on chain.",
	InvalidSignature:   "Invalid signature!",
}

// Error is a structured authentication rejection.
type Error struct {
	Reason Reason
	// Detail is logged but never sent to clients.
	Detail string
}

func reject(reason Reason, detail string, args ...any) *Error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(detail, args...)}
}

// Error returns the client facing message.
func (e *Error) Error() string {
	if msg, ok := reasonMessages[e.Reason]; ok {
		return msg
	}
	return string(e.Reason)
}

// Unwrap lets errors.Is(err, interfaces.ErrAuthentication) match every rejection.
func (e *Error) Unwrap() error {
	return interfaces.ErrAuthentication
}
