// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "strings"

// Context is the journey context a relying party requested for a session.
type Context int

// Known contexts. Anything else parses to ContextUnknown.
const (
	ContextUnknown Context = iota
	ContextInternationalAddress
	ContextCheckDetails
	ContextIdentityCheck
	ContextBankAccount
)

// String returns the wire form of c.
func (c Context) String() string {
	switch c {
	case ContextInternationalAddress:
		return "international_address"
	case ContextCheckDetails:
		return "check_details"
	case ContextIdentityCheck:
		return "identity_check"
	case ContextBankAccount:
		return "bank_account"
	case ContextUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ParseContext returns the Context named by s, case-insensitively.
func ParseContext(s string) Context {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "international_address":
		return ContextInternationalAddress
	case "check_details":
		return ContextCheckDetails
	case "identity_check":
		return ContextIdentityCheck
	case "bank_account":
		return ContextBankAccount
	default:
		return ContextUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Context) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails.
func (c *Context) UnmarshalText(text []byte) error {
	*c = ParseContext(string(text))
	return nil
}
