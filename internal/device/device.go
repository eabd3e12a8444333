// Package device holds the value types the delivery protocol is built on:
// device identities, device sets, pre-key bundles and per-device cipher
// bundles. The JSON shapes here are the wire shapes of the bot service.
package device

import "sort"

// Device identifies one cryptographic endpoint: a single logged-in client
// of a user. Two devices are equal when both fields are equal.
type Device struct {
	UserID   string
	ClientID string
}

// Set is a set of devices grouped by user. Its JSON form is the service's
// device-list shape: {"<userId>": ["<clientId>", ...]}.
type Set map[string][]string

// NewSet returns an empty device set.
func NewSet() Set {
	return make(Set)
}

// Add inserts the device into the set. Adding an already present device is
// a no-op.
func (s Set) Add(userID, clientID string) {
	clients := s[userID]
	for _, c := range clients {
		if c == clientID {
			return
		}
	}
	s[userID] = append(clients, clientID)
}

// AddAll inserts every device of other into s.
func (s Set) AddAll(other Set) {
	for userID, clients := range other {
		for _, clientID := range clients {
			s.Add(userID, clientID)
		}
	}
}

// Contains reports whether the device is in the set.
func (s Set) Contains(userID, clientID string) bool {
	for _, c := range s[userID] {
		if c == clientID {
			return true
		}
	}
	return false
}

// Size returns the number of devices in the set.
func (s Set) Size() int {
	n := 0
	for _, clients := range s {
		n += len(clients)
	}
	return n
}

// IsEmpty reports whether the set holds no devices.
func (s Set) IsEmpty() bool {
	return s.Size() == 0
}

// Devices returns every device in the set, ordered by user then client so
// callers get a stable iteration order.
func (s Set) Devices() []Device {
	out := make([]Device, 0, s.Size())
	for userID, clients := range s {
		for _, clientID := range clients {
			out = append(out, Device{UserID: userID, ClientID: clientID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// Users returns the user ids present in the set, sorted.
func (s Set) Users() []string {
	users := make([]string, 0, len(s))
	for userID := range s {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	out.AddAll(s)
	return out
}
