// Package ident defines the identifier policy shared by every collection:
// which strings count as valid record ids, and how new ids are minted.
//
// Two formats coexist in stored data. Current ids are canonical UUIDs.
// Legacy ids are decimal strings minted from a millisecond timestamp by an
// earlier revision of the system; they remain readable but are never minted
// again, since two mints inside the same millisecond collide.
package ident

import (
	"regexp"

	"github.com/google/uuid"
)

var (
	// Textual UUID grammar: 8-4-4-4-12 hex groups with the version
	// nibble 1-5 and the RFC 4122 variant nibble, either letter case.
	// Deliberately stricter than uuid.Parse, which also accepts urn:
	// and braced forms that must not appear in public links.
	uuidRe = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	legacyRe = regexp.MustCompile(`^[0-9]+$`)
)

// IsUUID reports whether s is a dashed textual UUID, in either case.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	return uuidRe.MatchString(s)
}

// IsLegacyID reports whether s is a legacy timestamp-derived id: all decimal
// digits, at least ten of them.
func IsLegacyID(s string) bool {
	return len(s) >= 10 && legacyRe.MatchString(s)
}

// IsValidID reports whether s is acceptable as a record identifier in any
// collection. The empty string is not.
func IsValidID(s string) bool {
	return IsUUID(s) || IsLegacyID(s)
}

// New mints a fresh identifier. Always a random UUID; the legacy scheme is
// read-only.
func New() string {
	return uuid.NewString()
}
