// Package model defines shared types used across the sync engine, codec, and
// remote store adapters.
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// PendingState marks an outstanding local mutation that has not yet been
// confirmed by the remote store. PendingNone is a distinct variant, not a
// sentinel value of another state.
type PendingState int

const (
	// PendingNone indicates the item is fully synced.
	PendingNone PendingState = iota
	// PendingCreate indicates the item has never reached the remote store.
	PendingCreate
	// PendingUpdate indicates a local edit awaiting push.
	PendingUpdate
	// PendingDelete indicates a local delete awaiting push.
	PendingDelete
	// PendingMove indicates a pending transfer to another collection.
	PendingMove
)

// String returns the canonical lowercase label, which is also the form stored
// in the state database.
func (p PendingState) String() string {
	switch p {
	case PendingCreate:
		return "create"
	case PendingUpdate:
		return "update"
	case PendingDelete:
		return "delete"
	case PendingMove:
		return "move"
	default:
		return "none"
	}
}

// ParsePendingState converts a stored label back to a PendingState.
func ParsePendingState(s string) (PendingState, error) {
	switch s {
	case "none", "":
		return PendingNone, nil
	case "create":
		return PendingCreate, nil
	case "update":
		return PendingUpdate, nil
	case "delete":
		return PendingDelete, nil
	case "move":
		return PendingMove, nil
	default:
		return PendingNone, fmt.Errorf("unknown pending state %q", s)
	}
}

// Item is the decoded representation of a personal-data item (contact, note,
// event) shared between the codec and the sync engine. The engine itself
// mostly moves encoded bytes around; the decoded form is needed for UID
// extraction on pull and for the merge helper.
type Item struct {
	// UID is the stable, client-chosen identifier. It survives moves and
	// resyncs and is distinct from the item's remote href.
	UID string

	// Name is the item's display name (contact full name, note title,
	// event summary).
	Name string

	// Nickname is an optional secondary label.
	Nickname string

	// Emails holds the item's email addresses, as entered.
	Emails []string

	// Phones holds the item's phone numbers, as entered.
	Phones []string

	// Notes is free-form body text.
	Notes string

	// ModifiedAt is the last local modification time.
	ModifiedAt time.Time
}

// NormalizeEmail returns the comparison key for an email address: trimmed and
// lowercased. Used by the merge helper to union multi-valued fields.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone returns the comparison key for a phone number: digits only.
// "+1 (555) 010-0199" and "15550100199" compare equal.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
