// Package session implements the client-side authentication session manager:
// durable credential storage, optimistic restore, background verification,
// and the credential acquisition flows against the identity service.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode selects how an established session is carried on authenticated requests.
// The two modes are mutually exclusive deployment choices.
type Mode string

const (
	// ModeBearer stores an opaque token locally and sends it as an Authorization header.
	ModeBearer Mode = "bearer"
	// ModeCookie relies on a server-set session cookie; no credential is visible client-side.
	ModeCookie Mode = "cookie"
)

// ParseMode validates and normalizes a configured session mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeBearer, "":
		return ModeBearer, nil
	case ModeCookie:
		return ModeCookie, nil
	default:
		return "", fmt.Errorf("session: unknown session mode %q", raw)
	}
}

// UserProfile is the authenticated user's profile as reported by the identity
// service. Fields the client does not model explicitly are retained in Extra so
// profile round-trips and merge updates never lose server-owned data.
type UserProfile struct {
	ID    string
	Email string
	Name  string
	Role  string
	Extra map[string]any
}

// knownProfileKeys are the JSON keys lifted into explicit struct fields.
var knownProfileKeys = [...]string{"id", "email", "name", "role"}

// UnmarshalJSON decodes a profile object, lifting the known fields and keeping
// everything else in Extra.
func (u *UserProfile) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = stringifyProfileValue(raw["id"])
	u.Email, _ = raw["email"].(string)
	u.Name, _ = raw["name"].(string)
	u.Role, _ = raw["role"].(string)
	for _, key := range knownProfileKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		u.Extra = raw
	} else {
		u.Extra = nil
	}
	return nil
}

// MarshalJSON re-emits the profile with Extra flattened back into the object.
func (u *UserProfile) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(u.Extra)+4)
	for key, value := range u.Extra {
		raw[key] = value
	}
	if u.ID != "" {
		raw["id"] = u.ID
	}
	if u.Email != "" {
		raw["email"] = u.Email
	}
	if u.Name != "" {
		raw["name"] = u.Name
	}
	if u.Role != "" {
		raw["role"] = u.Role
	}
	return json.Marshal(raw)
}

// Merge applies a partial update onto the profile. Keys absent from the partial
// are left untouched; unknown keys accumulate in Extra.
func (u *UserProfile) Merge(partial map[string]any) {
	for key, value := range partial {
		switch key {
		case "id":
			u.ID = stringifyProfileValue(value)
		case "email":
			if s, ok := value.(string); ok {
				u.Email = s
			}
		case "name":
			if s, ok := value.(string); ok {
				u.Name = s
			}
		case "role":
			if s, ok := value.(string); ok {
				u.Role = s
			}
		default:
			if u.Extra == nil {
				u.Extra = make(map[string]any)
			}
			u.Extra[key] = value
		}
	}
}

// Clone returns a deep enough copy for handing out to observers without
// exposing the manager's internal state to mutation.
func (u *UserProfile) Clone() *UserProfile {
	if u == nil {
		return nil
	}
	copyUser := *u
	if len(u.Extra) > 0 {
		copyUser.Extra = make(map[string]any, len(u.Extra))
		for key, value := range u.Extra {
			copyUser.Extra[key] = value
		}
	}
	return &copyUser
}

// stringifyProfileValue coerces the identity service's id representations
// (string or JSON number) into a stable string form.
func stringifyProfileValue(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

// Session is the in-memory authenticated-state record owned by the Manager.
type Session struct {
	User          *UserProfile
	Credential    string
	EstablishedAt time.Time
}

// Established reports whether the session carries enough state to be considered
// authenticated under the given mode. The manager additionally requires the
// initial restore to have finished.
func (s Session) Established(mode Mode) bool {
	if s.User == nil {
		return false
	}
	if mode == ModeBearer && s.Credential == "" {
		return false
	}
	return true
}

// StorageRecord is the durable serialized form of a session. Credential is only
// populated in bearer mode; cookie deployments persist the profile alone.
type StorageRecord struct {
	User          *UserProfile `json:"user"`
	Credential    string       `json:"credential,omitempty"`
	EstablishedAt time.Time    `json:"established_at,omitempty"`
}

// State is the snapshot published to subscribers on every session change.
type State struct {
	User          *UserProfile
	Authenticated bool
	Loading       bool
}
