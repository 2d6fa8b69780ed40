// Package session holds the per-kernel signing identity shared by every
// socket: an optional keyed-hash signer, a random session id and a user name.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/codefionn/kernelwire/internal/securemem"
)

var (
	// ErrBadSignature means the digest did not match the message parts.
	ErrBadSignature = errors.New("signature mismatch")
	// ErrMalformedSignature means the signature frame is not valid hex.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrUnknownScheme is returned for signature schemes the kernel cannot compute.
	ErrUnknownScheme = errors.New("unknown signature scheme")
	// ErrKeyDestroyed means the signing key was wiped by Close.
	ErrKeyDestroyed = errors.New("signing key destroyed")
)

var schemes = map[string]func() hash.Hash{
	"hmac-sha256": sha256.New,
	"hmac-sha512": sha512.New,
	"hmac-sha3-256": func() hash.Hash {
		return sha3.New256()
	},
	"hmac-blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil) // only fails for oversized keys
		return h
	},
}

// Signer computes and checks keyed-hash signatures over message parts.
type Signer struct {
	scheme  string
	newHash func() hash.Hash
	key     *securemem.Secret
}

// NewSigner creates a signer for scheme (e.g. "hmac-sha256"). The key must
// not be empty.
func NewSigner(scheme string, key *securemem.Secret) (*Signer, error) {
	newHash, ok := schemes[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if key.IsEmpty() {
		return nil, errors.New("signing key is empty")
	}
	return &Signer{scheme: strings.ToLower(scheme), newHash: newHash, key: key}, nil
}

// Scheme returns the normalized scheme name.
func (s *Signer) Scheme() string {
	return s.scheme
}

func (s *Signer) digest(parts [][]byte) ([]byte, error) {
	if s.key.IsEmpty() {
		return nil, ErrKeyDestroyed
	}
	var sum []byte
	s.key.WithBytes(func(key []byte) {
		mac := hmac.New(s.newHash, key)
		for _, p := range parts {
			mac.Write(p)
		}
		sum = mac.Sum(nil)
	})
	return sum, nil
}

// Sign returns the hex digest over the concatenation of parts. Once the key
// is destroyed nothing is signed and the result is empty.
func (s *Signer) Sign(parts [][]byte) string {
	sum, err := s.digest(parts)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(sum)
}

// Verify recomputes the digest and compares it with signature in constant time.
func (s *Signer) Verify(signature string, parts [][]byte) error {
	want, err := s.digest(parts)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// Session is constructed once per kernel process and shared read-only.
type Session struct {
	signer    *Signer
	sessionID string
	username  string
}

// New builds a session. An empty key selects unauthenticated mode, in which
// nothing is signed and every signature is accepted.
func New(key string, scheme string, username string) (*Session, error) {
	s := &Session{
		sessionID: uuid.NewString(),
		username:  username,
	}
	if key == "" {
		return s, nil
	}

	signer, err := NewSigner(scheme, securemem.NewSecretString(key))
	if err != nil {
		return nil, err
	}
	s.signer = signer
	return s, nil
}

// NewWithSigner builds a session around an existing signer; nil means
// unauthenticated.
func NewWithSigner(signer *Signer, username string) *Session {
	return &Session{signer: signer, sessionID: uuid.NewString(), username: username}
}

// ID returns the random session id stamped on every header.
func (s *Session) ID() string {
	return s.sessionID
}

// Username returns the user name stamped on every header.
func (s *Session) Username() string {
	return s.username
}

// Authenticated reports whether messages are signed.
func (s *Session) Authenticated() bool {
	return s.signer != nil
}

// Sign signs parts, or returns an empty signature when unauthenticated.
func (s *Session) Sign(parts [][]byte) string {
	if s.signer == nil {
		return ""
	}
	return s.signer.Sign(parts)
}

// Verify checks signature over parts. Unauthenticated sessions accept anything.
func (s *Session) Verify(signature string, parts [][]byte) error {
	if s.signer == nil {
		return nil
	}
	return s.signer.Verify(signature, parts)
}

// Close wipes the signing key. An authenticated session then rejects every
// signature and signs nothing.
func (s *Session) Close() {
	if s.signer != nil {
		s.signer.key.Destroy()
	}
}
