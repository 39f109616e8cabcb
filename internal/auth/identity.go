// ABOUTME: Identity validation for the three connection roles
// ABOUTME: Operators and agents need a full profile; customers also need a session id

package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/state"
)

// ErrInvalidIdentity is returned when an identity lacks required keys.
var ErrInvalidIdentity = errors.New("user invalid")

// Required identity keys per role, in reporting order.
var (
	RequiredOperatorKeys = []string{"id", "username", "displayName", "picture"}
	RequiredCustomerKeys = []string{"id", "username", "displayName", "picture", "session_id"}
	RequiredAgentKeys    = []string{"id"}
)

// RequiredKeys returns the keys an identity of role must carry.
func RequiredKeys(role conn.Role) []string {
	switch role {
	case conn.RoleCustomer:
		return RequiredCustomerKeys
	case conn.RoleAgent:
		return RequiredAgentKeys
	default:
		return RequiredOperatorKeys
	}
}

// identityFields maps identity keys to their values.
func identityFields(id state.Identity) map[string]string {
	return map[string]string{
		"id":          id.ID,
		"username":    id.Username,
		"displayName": id.DisplayName,
		"picture":     id.Picture,
		"session_id":  id.SessionID,
	}
}

// ValidateIdentity checks that id carries every key role requires. The error
// lists all missing keys.
func ValidateIdentity(role conn.Role, id state.Identity) error {
	fields := identityFields(id)
	var missing []string
	for _, key := range RequiredKeys(role) {
		if strings.TrimSpace(fields[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w, keys missing: %s", ErrInvalidIdentity, strings.Join(missing, ", "))
	}
	return nil
}
