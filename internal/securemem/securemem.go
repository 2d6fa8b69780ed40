// Package securemem keeps secrets such as the message signing key in
// memguard-protected memory so they do not end up in swap or core dumps.
package securemem

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

// Secret holds sensitive bytes in a read-only locked buffer. The zero value
// and nil are both an empty secret.
type Secret struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewSecret moves data into protected memory. memguard wipes data in the
// process, so callers must not reuse the slice.
func NewSecret(data []byte) *Secret {
	if len(data) == 0 {
		return &Secret{}
	}
	buf := memguard.NewBufferFromBytes(data)
	buf.Freeze()
	return &Secret{buf: buf}
}

// NewSecretString copies s into protected memory. The string itself stays in
// regular memory; prefer NewSecret when the caller owns a byte slice.
func NewSecretString(s string) *Secret {
	return NewSecret([]byte(s))
}

// IsEmpty reports whether the secret holds no bytes or has been destroyed.
func (s *Secret) IsEmpty() bool {
	return s.Len() == 0
}

// Len returns the number of secret bytes.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return 0
	}
	return s.buf.Size()
}

// WithBytes calls fn with the plaintext. fn must not retain the slice; it
// aliases protected memory that is wiped on Destroy.
func (s *Secret) WithBytes(fn func([]byte)) {
	if s == nil {
		fn(nil)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		fn(nil)
		return
	}
	fn(s.buf.Bytes())
}

// Equal compares the secret with other in constant time.
func (s *Secret) Equal(other []byte) bool {
	var equal bool
	s.WithBytes(func(b []byte) {
		equal = subtle.ConstantTimeCompare(b, other) == 1
	})
	return equal
}

// Destroy wipes the secret. Later calls see an empty secret.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}

// Wipe zeroes a byte slice that held sensitive data.
func Wipe(data []byte) {
	memguard.WipeBytes(data)
}

// Purge destroys every protected buffer in the process. Call it once on
// shutdown, after all users of secrets have stopped.
func Purge() {
	memguard.Purge()
}
