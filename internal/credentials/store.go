// Package credentials is a symmetric-encrypted at-rest store for OAuth
// tokens and provider API keys (spec §4.B). Plaintext only ever exists
// inside this package and for the brief window a caller holds it before
// attaching it to an outbound request header.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotFound is returned when no credential exists for a user/provider.
var ErrNotFound = errors.New("credentials: not found")

// Record is the plaintext credential payload. It never leaves this package
// except as the direct return value of GetCredentials/GetAccessToken.
type Record struct {
	Provider            string
	AccessToken         string
	RefreshToken        string
	Expiry              time.Time
	Scopes              []string
	ProviderAccountID    string
	ProviderAccountEmail string
}

// HasExpired reports whether the access token's expiry has passed.
func (r Record) HasExpired() bool {
	return !r.Expiry.IsZero() && time.Now().After(r.Expiry)
}

type sealedRecord struct {
	Nonce      [24]byte
	Ciphertext []byte
}

// Store encrypts Records with a key derived once from a process-wide secret:
// SHA-256(secret) fed directly as the 32-byte secretbox key (the spec's
// "SHA-256 then URL-safe base64" derivation collapses to this for a
// crypto_secretbox key, which is already exactly 32 bytes).
type Store struct {
	mu      sync.RWMutex
	key     [32]byte
	records map[string]sealedRecord // key: user+"\x00"+provider
}

// NewStore derives the encryption key from secret via SHA-256. secret must
// be non-empty; an empty secret would make every process derive the same
// publicly known key (the SHA-256 of ""), defeating the point of at-rest
// encryption.
func NewStore(secret string) (*Store, error) {
	if secret == "" {
		return nil, errors.New("credentials: process secret required")
	}
	return &Store{
		key:     sha256.Sum256([]byte(secret)),
		records: make(map[string]sealedRecord),
	}, nil
}

func recordKey(user, provider string) string {
	return user + "\x00" + provider
}

// StoreOAuthToken encrypts and stores an OAuth credential for (user,
// provider).
func (s *Store) StoreOAuthToken(user, provider, access, refresh string, expiry time.Time, scopes []string, accountID, accountEmail string) error {
	if user == "" || provider == "" {
		return errors.New("credentials: user and provider required")
	}
	if access == "" {
		return errors.New("credentials: access token required")
	}
	rec := Record{
		Provider:             provider,
		AccessToken:          access,
		RefreshToken:         refresh,
		Expiry:               expiry,
		Scopes:               scopes,
		ProviderAccountID:    accountID,
		ProviderAccountEmail: accountEmail,
	}
	sealed, err := s.seal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(user, provider)] = sealed
	return nil
}

// GetCredentials decrypts and returns the full record, or ErrNotFound.
func (s *Store) GetCredentials(user, provider string) (Record, error) {
	s.mu.RLock()
	sealed, ok := s.records[recordKey(user, provider)]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.open(sealed)
}

// GetAccessToken is a convenience wrapper returning just the plaintext
// access token.
func (s *Store) GetAccessToken(user, provider string) (string, error) {
	rec, err := s.GetCredentials(user, provider)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// HasCredentials reports whether a (user, provider) credential exists,
// without decrypting it.
func (s *Store) HasCredentials(user, provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[recordKey(user, provider)]
	return ok
}

// DeleteCredentials removes a stored credential. Deleting a credential that
// does not exist is not an error.
func (s *Store) DeleteCredentials(user, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(user, provider))
}

func (s *Store) seal(rec Record) (sealedRecord, error) {
	plain, err := json.Marshal(rec)
	if err != nil {
		return sealedRecord{}, fmt.Errorf("credentials: marshal record: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return sealedRecord{}, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	ciphertext := secretbox.Seal(nil, plain, &nonce, &s.key)
	return sealedRecord{Nonce: nonce, Ciphertext: ciphertext}, nil
}

func (s *Store) open(sealed sealedRecord) (Record, error) {
	plain, ok := secretbox.Open(nil, sealed.Ciphertext, &sealed.Nonce, &s.key)
	if !ok {
		return Record{}, errors.New("credentials: decryption failed (tampered ciphertext or wrong key)")
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, fmt.Errorf("credentials: unmarshal record: %w", err)
	}
	return rec, nil
}

// deriveKeyBase64 exposes the spec's literal "SHA-256 then URL-safe base64"
// derivation for callers (e.g. a migration path to a Fernet-compatible
// store) that need the encoded form rather than the raw 32 bytes.
func deriveKeyBase64(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.URLEncoding.EncodeToString(sum[:])
}
