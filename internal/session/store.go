// Package session provides the durable identity store: the four maps
// that tie a WhatsApp contact to its conversation state. It is pure
// persistence — no turn logic lives here. The maps are:
//
//   - sessions:  contact → session id (created once, immutable)
//   - responses: session id → continuation token of the last finalized turn
//   - language:  contact → advisory language tag
//   - handoff:   contact → unix timestamp of the last human outbound message
//
// The maps are independent and tolerate partial presence: a contact may
// have a session but no continuation token yet.
package session

import (
	"time"
)

// Map name constants. Exposed so the diagnostics surface can label
// per-map counts without inventing its own strings.
const (
	MapSessions  = "sessions"
	MapResponses = "responses"
	MapLanguage  = "language"
	MapHandoff   = "handoff"
)

// Maps lists all map names, in snapshot display order.
var Maps = []string{MapSessions, MapResponses, MapLanguage, MapHandoff}

// Counts holds the entry count of each map.
type Counts struct {
	Sessions  int `json:"sessions"`
	Responses int `json:"responses"`
	Language  int `json:"language"`
	Handoff   int `json:"handoff"`
}

// Snapshot is a full copy of all four maps, keyed by map name. Used by
// the session-inspection API; values are the raw stored strings.
type Snapshot map[string]map[string]string

// Store is the identity store contract. Implementations must make each
// individual operation atomic; SessionFor in particular is a read-
// modify-write that must not mint two session ids for one contact when
// called concurrently.
//
// Only the orchestrator writes the responses map. The gate and the
// bridge write handoff and language. Nothing else mutates state here.
type Store interface {
	// SessionFor returns the session id for a contact, creating and
	// persisting a new one on first use. Idempotent per contact.
	SessionFor(contact string) (string, error)
	// LookupSession returns the existing session id for a contact, or
	// "" if the contact has never been seen.
	LookupSession(contact string) (string, error)
	// ContactFor reverse-maps a session id to its contact, or "".
	ContactFor(sessionID string) (string, error)

	// ContinuationToken returns the last finalized token for a session,
	// or "" for a first turn.
	ContinuationToken(sessionID string) (string, error)
	// SetContinuationToken overwrites the token for a session. Callers
	// must only pass tokens from finalized turns.
	SetContinuationToken(sessionID, token string) error

	// Language returns the stored language tag for a contact, or "".
	Language(contact string) (string, error)
	SetLanguage(contact, tag string) error

	// HumanActivity returns when a human operator last messaged the
	// contact, or the zero time if never.
	HumanActivity(contact string) (time.Time, error)
	MarkHumanActivity(contact string, at time.Time) error

	// Counts returns per-map entry counts for diagnostics.
	Counts() (Counts, error)
	// Snapshot copies all four maps for inspection.
	Snapshot() (Snapshot, error)
	// Reset clears all four maps.
	Reset() error

	Close() error
}
