package store

// Payload is an arbitrary JSON object relayed between the console and agents.
type Payload map[string]any

// Clone returns a shallow copy of the payload. Nested values are shared.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+4)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Has reports whether key is present, regardless of its value.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value of key if it is a string.
func (p Payload) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Store is an append-only map of message id to payload.
//
// Messages are immutable once inserted and are only ever removed together
// by Clear. Implementations must be safe for concurrent use.
type Store interface {
	// Insert records a message and persists the store. Inserting an
	// existing id is rejected.
	Insert(id string, payload Payload) error

	// Get returns a message by id.
	Get(id string) (Payload, bool)

	// Len returns the number of stored messages.
	Len() int

	// Snapshot returns a copy of the whole map.
	Snapshot() map[string]Payload

	// Clear wipes memory and the backing document.
	Clear() error
}
