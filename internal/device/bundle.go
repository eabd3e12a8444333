package device

// PreKey is a one-time-use public key artifact. The service hands these out
// so a sender can establish a session with a device that is offline. Key is
// base64-encoded public key material.
type PreKey struct {
	ID  int    `json:"id"`
	Key string `json:"key"`
}

// PreKeyBundle maps userID -> clientID -> PreKey. A pre-key taken from a
// bundle is consumed by session establishment and must never be reused.
type PreKeyBundle map[string]map[string]PreKey

// Add inserts a pre-key for the given device.
func (b PreKeyBundle) Add(userID, clientID string, pk PreKey) {
	clients, ok := b[userID]
	if !ok {
		clients = make(map[string]PreKey)
		b[userID] = clients
	}
	clients[clientID] = pk
}

// Devices returns the set of devices the bundle carries pre-keys for.
func (b PreKeyBundle) Devices() Set {
	s := NewSet()
	for userID, clients := range b {
		for clientID := range clients {
			s.Add(userID, clientID)
		}
	}
	return s
}

// CipherBundle maps userID -> clientID -> base64 ciphertext. It accumulates
// across encryption passes: the first pass fills in devices with existing
// sessions, the second appends devices whose sessions were just established.
type CipherBundle map[string]map[string]string

// NewCipherBundle returns an empty cipher bundle.
func NewCipherBundle() CipherBundle {
	return make(CipherBundle)
}

// Add records the ciphertext for one device, replacing any previous entry.
func (c CipherBundle) Add(userID, clientID, cipher string) {
	clients, ok := c[userID]
	if !ok {
		clients = make(map[string]string)
		c[userID] = clients
	}
	clients[clientID] = cipher
}

// Merge copies every entry of other into c.
func (c CipherBundle) Merge(other CipherBundle) {
	for userID, clients := range other {
		for clientID, cipher := range clients {
			c.Add(userID, clientID, cipher)
		}
	}
}

// Get returns the ciphertext for a device, if present.
func (c CipherBundle) Get(userID, clientID string) (string, bool) {
	cipher, ok := c[userID][clientID]
	return cipher, ok
}

// Size returns the number of ciphertext entries.
func (c CipherBundle) Size() int {
	n := 0
	for _, clients := range c {
		n += len(clients)
	}
	return n
}

// Envelope is the unit handed to the transport: the sender's own client id
// plus per-device ciphertexts. A second encryption pass appends into the
// same envelope via Append.
type Envelope struct {
	Sender     string       `json:"sender"`
	Recipients CipherBundle `json:"recipients"`
}

// NewEnvelope returns an envelope for the given sending client.
func NewEnvelope(sender string) *Envelope {
	return &Envelope{Sender: sender, Recipients: NewCipherBundle()}
}

// Append merges additional ciphertexts into the envelope.
func (e *Envelope) Append(bundle CipherBundle) {
	e.Recipients.Merge(bundle)
}

// Missing is the service's report of devices an envelope did not reach,
// carried by both 200 and 412 responses of the send endpoint.
type Missing struct {
	Missing Set `json:"missing"`
}
