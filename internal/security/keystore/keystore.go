// Package keystore is the process-wide key manager: keys addressed by
// id and alias, a current key per type, and a lifecycle that gates
// encrypt and decrypt separately so rotation never strands in-flight
// traffic.
package keystore

import (
	"crypto/aes"
	"crypto/des"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/security"
)

// KeyType classifies what a key protects.
type KeyType string

const (
	// PEK encrypts PIN blocks.
	PEK KeyType = "PEK"
	// TEK is the terminal encryption key.
	TEK KeyType = "TEK"
	// ZEK is the zone encryption key shared with the switch.
	ZEK KeyType = "ZEK"
	// MAK authenticates message bodies.
	MAK KeyType = "MAK"
	// DEK encrypts stored data such as PANs.
	DEK KeyType = "DEK"
	// KEK wraps other keys for import and export.
	KEK KeyType = "KEK"
)

// Status is the lifecycle state of a key.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusSuspended
	StatusExpired
	StatusRevoked
	StatusRotating
	StatusDestroyed
)

// String returns the lifecycle name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusExpired:
		return "EXPIRED"
	case StatusRevoked:
		return "REVOKED"
	case StatusRotating:
		return "ROTATING"
	case StatusDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// usableForEncrypt: only ACTIVE keys may produce new ciphertext.
func (s Status) usableForEncrypt() bool { return s == StatusActive }

// usableForDecrypt: EXPIRED keys may still decrypt during rotation grace.
func (s Status) usableForDecrypt() bool { return s == StatusActive || s == StatusExpired }

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrKeyNotActive = errors.New("key not active")
	ErrKeyUnusable  = errors.New("key unusable in current status")
	ErrAliasTaken   = errors.New("key alias already in use")
	ErrNoCurrentKey = errors.New("no current key for type")
	ErrBadKeyLength = errors.New("invalid key length")
)

// Info is the public description of a key. Material never appears here.
type Info struct {
	ID        string
	Type      KeyType
	Alias     string
	KCV       string
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	LastUsed  time.Time
	Version   int
	Length    int
}

type entry struct {
	info     Info
	material *security.Secret
}

// Manager owns every key in the process. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.RWMutex
	keys    map[string]*entry
	aliases map[string]string
	current map[KeyType]string

	now func() time.Time
	log zerolog.Logger
}

// NewManager returns an empty key manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		keys:    make(map[string]*entry),
		aliases: make(map[string]string),
		current: make(map[KeyType]string),
		now:     time.Now,
		log:     log.With().Str("component", "keystore").Logger(),
	}
}

// Generate creates a random key of length bytes and activates it. The
// first key of a type becomes current. ttl of zero means no expiry.
func (m *Manager) Generate(typ KeyType, alias string, length int, ttl time.Duration) (Info, error) {
	if !validLength(length) {
		return Info{}, fmt.Errorf("%w: %d", ErrBadKeyLength, length)
	}
	material := make([]byte, length)
	if _, err := rand.Read(material); err != nil {
		return Info{}, fmt.Errorf("key randomness: %w", err)
	}
	return m.add(typ, alias, material, ttl, 1)
}

// Import registers externally supplied material and activates it. The
// input slice is zeroized before return.
func (m *Manager) Import(typ KeyType, alias string, material []byte, ttl time.Duration) (Info, error) {
	if !validLength(len(material)) {
		security.Erase(material)
		return Info{}, fmt.Errorf("%w: %d", ErrBadKeyLength, len(material))
	}
	own := make([]byte, len(material))
	copy(own, material)
	security.Erase(material)
	return m.add(typ, alias, own, ttl, 1)
}

func (m *Manager) add(typ KeyType, alias string, material []byte, ttl time.Duration, version int) (Info, error) {
	kcv, err := checkValue(material)
	if err != nil {
		security.Erase(material)
		return Info{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if alias != "" {
		if _, taken := m.aliases[alias]; taken {
			security.Erase(material)
			return Info{}, fmt.Errorf("%w: %s", ErrAliasTaken, alias)
		}
	}
	now := m.now()
	info := Info{
		ID:        uuid.NewString(),
		Type:      typ,
		Alias:     alias,
		KCV:       kcv,
		Status:    StatusActive,
		CreatedAt: now,
		Version:   version,
		Length:    len(material),
	}
	if ttl > 0 {
		info.ExpiresAt = now.Add(ttl)
	}
	m.keys[info.ID] = &entry{info: info, material: security.NewSecret(material)}
	if alias != "" {
		m.aliases[alias] = info.ID
	}
	if _, ok := m.current[typ]; !ok {
		m.current[typ] = info.ID
	}
	m.log.Info().
		Str("key_id", info.ID).
		Str("type", string(typ)).
		Str("alias", alias).
		Str("kcv", kcv).
		Int("version", version).
		Msg("key registered")
	return info, nil
}

// SetCurrent makes a key the default of its type. The key must be ACTIVE.
func (m *Manager) SetCurrent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.refreshExpiry(e)
	if e.info.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrKeyNotActive, e.info.ID, e.info.Status)
	}
	m.current[e.info.Type] = e.info.ID
	return nil
}

// CurrentID returns the current key id for a type.
func (m *Manager) CurrentID(typ KeyType) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCurrentKey, typ)
	}
	return id, nil
}

// Rotate replaces a key with a fresh one of the same shape: the old
// key moves to EXPIRED (decrypt-only), the replacement becomes ACTIVE,
// inherits the alias, and takes over as current where applicable.
func (m *Manager) Rotate(id string) (Info, error) {
	m.mu.Lock()
	old, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return Info{}, err
	}
	if old.info.Status != StatusActive && old.info.Status != StatusExpired {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: rotate from %s", ErrKeyUnusable, old.info.Status)
	}
	old.info.Status = StatusRotating
	typ, alias, length, version := old.info.Type, old.info.Alias, old.info.Length, old.info.Version
	var ttl time.Duration
	if !old.info.ExpiresAt.IsZero() {
		ttl = old.info.ExpiresAt.Sub(old.info.CreatedAt)
	}
	if alias != "" {
		delete(m.aliases, alias)
	}
	m.mu.Unlock()

	material := make([]byte, length)
	if _, err := rand.Read(material); err != nil {
		m.mu.Lock()
		old.info.Status = StatusActive
		if alias != "" {
			m.aliases[alias] = old.info.ID
		}
		m.mu.Unlock()
		return Info{}, fmt.Errorf("key randomness: %w", err)
	}
	info, err := m.add(typ, alias, material, ttl, version+1)
	if err != nil {
		m.mu.Lock()
		old.info.Status = StatusActive
		if alias != "" {
			m.aliases[alias] = old.info.ID
		}
		m.mu.Unlock()
		return Info{}, err
	}

	m.mu.Lock()
	old.info.Status = StatusExpired
	if m.current[typ] == old.info.ID || m.current[typ] == "" {
		m.current[typ] = info.ID
	}
	m.mu.Unlock()

	m.log.Info().
		Str("old_key_id", id).
		Str("new_key_id", info.ID).
		Str("type", string(typ)).
		Int("version", info.Version).
		Msg("key rotated")
	return info, nil
}

// Suspend blocks all use of a key until Resume.
func (m *Manager) Suspend(id string) error {
	return m.transition(id, StatusSuspended, StatusActive, StatusExpired)
}

// Resume returns a suspended key to ACTIVE.
func (m *Manager) Resume(id string) error {
	return m.transition(id, StatusActive, StatusSuspended)
}

// Revoke permanently blocks a key, including decryption.
func (m *Manager) Revoke(id string) error {
	return m.transition(id, StatusRevoked,
		StatusPending, StatusActive, StatusSuspended, StatusExpired, StatusRotating)
}

// Destroy zeroizes the material. The Info remains for audit.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.material.Close()
	e.info.Status = StatusDestroyed
	if m.current[e.info.Type] == e.info.ID {
		delete(m.current, e.info.Type)
	}
	m.log.Warn().Str("key_id", id).Msg("key destroyed")
	return nil
}

func (m *Manager) transition(id string, to Status, from ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.refreshExpiry(e)
	for _, s := range from {
		if e.info.Status == s {
			e.info.Status = to
			m.log.Info().
				Str("key_id", id).
				Str("from", s.String()).
				Str("to", to.String()).
				Msg("key status changed")
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrKeyUnusable, e.info.Status, to)
}

// Info returns the description of a key by id or alias.
func (m *Manager) Info(idOrAlias string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(idOrAlias)
	if err != nil {
		return Info{}, err
	}
	m.refreshExpiry(e)
	return e.info, nil
}

// List returns all key descriptions sorted by creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.keys))
	for _, e := range m.keys {
		m.refreshExpiry(e)
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// EncryptKey returns a caller-owned copy of key material for producing
// new ciphertext. Only ACTIVE keys qualify. The caller must erase the
// copy after use.
func (m *Manager) EncryptKey(idOrAlias string) ([]byte, error) {
	return m.borrow(idOrAlias, true)
}

// DecryptKey returns a caller-owned copy for decryption; ACTIVE and
// EXPIRED keys qualify. The caller must erase the copy after use.
func (m *Manager) DecryptKey(idOrAlias string) ([]byte, error) {
	return m.borrow(idOrAlias, false)
}

func (m *Manager) borrow(idOrAlias string, encrypt bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(idOrAlias)
	if err != nil {
		return nil, err
	}
	m.refreshExpiry(e)
	if encrypt && !e.info.Status.usableForEncrypt() {
		return nil, fmt.Errorf("%w: %s is %s", ErrKeyNotActive, e.info.ID, e.info.Status)
	}
	if !encrypt && !e.info.Status.usableForDecrypt() {
		return nil, fmt.Errorf("%w: %s is %s", ErrKeyUnusable, e.info.ID, e.info.Status)
	}
	e.info.LastUsed = m.now()
	out := e.material.Copy()
	if out == nil {
		return nil, fmt.Errorf("%w: material destroyed", ErrKeyUnusable)
	}
	return out, nil
}

// lookup resolves id first, then alias. Callers hold the lock.
func (m *Manager) lookup(idOrAlias string) (*entry, error) {
	if e, ok := m.keys[idOrAlias]; ok {
		return e, nil
	}
	if id, ok := m.aliases[idOrAlias]; ok {
		if e, ok := m.keys[id]; ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, idOrAlias)
}

// refreshExpiry lazily moves ACTIVE keys past their expiry to EXPIRED.
// Callers hold the lock.
func (m *Manager) refreshExpiry(e *entry) {
	if e.info.Status == StatusActive && !e.info.ExpiresAt.IsZero() && m.now().After(e.info.ExpiresAt) {
		e.info.Status = StatusExpired
		m.log.Info().Str("key_id", e.info.ID).Msg("key expired")
	}
}

func validLength(n int) bool {
	switch n {
	case security.DESKeySize, security.DoubleLengthSize, security.TripleDESKeySize, security.AES256KeySize:
		return true
	default:
		return false
	}
}

// checkValue computes the KCV: the cipher of a zero block under the
// key, first three bytes hex. DES-family keys use 3DES, 32-byte keys
// use AES, anything else falls back to a SHA-256 digest prefix.
func checkValue(material []byte) (string, error) {
	var block []byte
	switch len(material) {
	case security.DESKeySize, security.DoubleLengthSize, security.TripleDESKeySize:
		tk := make([]byte, security.TripleDESKeySize)
		defer security.Erase(tk)
		switch len(material) {
		case 8:
			copy(tk, material)
			copy(tk[8:], material)
			copy(tk[16:], material)
		case 16:
			copy(tk, material)
			copy(tk[16:], material[:8])
		default:
			copy(tk, material)
		}
		cipher, err := des.NewTripleDESCipher(tk)
		if err != nil {
			return "", err
		}
		block = make([]byte, 8)
		cipher.Encrypt(block, make([]byte, 8))
	case security.AES256KeySize:
		cipher, err := aes.NewCipher(material)
		if err != nil {
			return "", err
		}
		block = make([]byte, 16)
		cipher.Encrypt(block, make([]byte, 16))
	default:
		sum := sha256.Sum256(material)
		block = sum[:]
	}
	return strings.ToUpper(hex.EncodeToString(block[:3])), nil
}
