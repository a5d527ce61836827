package mqtt

import (
	"github.com/google/uuid"
)

// DefaultClientIDPrefix is prepended to the random part of a client ID.
const DefaultClientIDPrefix = "consumer-"

// NewClientID returns prefix followed by a random UUID. Every process
// gets a fresh ID so two agents started for the same thing never kick
// each other off the broker.
func NewClientID(prefix string) string {
	if prefix == "" {
		prefix = DefaultClientIDPrefix
	}
	return prefix + uuid.NewString()
}
