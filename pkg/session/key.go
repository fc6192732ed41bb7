package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// sessionIDPattern matches user_<uuid>_conv_<uuid> with canonical 36-char UUIDs.
var sessionIDPattern = regexp.MustCompile(`^user_[0-9a-f-]{36}_conv_[0-9a-f-]{36}$`)

// DeriveSessionID derives the session id for a (user, conversation) pair.
// The derivation is pure: the same pair always yields the same id, and two
// pairs differing in either component always yield different ids because
// both UUIDs appear verbatim in the result.
func DeriveSessionID(userID, conversationID uuid.UUID) string {
	return fmt.Sprintf("user_%s_conv_%s", userID, conversationID)
}

// ValidateSessionID reports whether sessionID has the derived format:
// four underscore-delimited segments "user", <uuid>, "conv", <uuid>.
func ValidateSessionID(sessionID string) bool {
	if !sessionIDPattern.MatchString(sessionID) {
		return false
	}

	parts := strings.Split(sessionID, "_")
	if len(parts) != 4 || parts[0] != "user" || parts[2] != "conv" {
		return false
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return false
	}
	if _, err := uuid.Parse(parts[3]); err != nil {
		return false
	}
	return true
}
