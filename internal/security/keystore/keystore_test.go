package keystore

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(zerolog.Nop())
}

func TestGenerateAndBorrow(t *testing.T) {
	m := newTestManager()

	info, err := m.Generate(PEK, "pek-current", 16, 0)
	require.NoError(t, err)
	assert.Equal(t, PEK, info.Type)
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, 16, info.Length)
	assert.Len(t, info.KCV, 6)
	assert.Equal(t, 1, info.Version)

	// First key of a type becomes current.
	id, err := m.CurrentID(PEK)
	require.NoError(t, err)
	assert.Equal(t, info.ID, id)

	key, err := m.EncryptKey(info.ID)
	require.NoError(t, err)
	assert.Len(t, key, 16)

	// Alias resolves too.
	byAlias, err := m.EncryptKey("pek-current")
	require.NoError(t, err)
	assert.Equal(t, key, byAlias)
}

func TestGenerateRejectsBadLength(t *testing.T) {
	m := newTestManager()
	_, err := m.Generate(DEK, "", 10, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadKeyLength)
}

func TestEncryptGate(t *testing.T) {
	m := newTestManager()
	info, err := m.Generate(MAK, "mak-1", 16, 0)
	require.NoError(t, err)

	require.NoError(t, m.Suspend(info.ID))
	_, err = m.EncryptKey(info.ID)
	assert.ErrorIs(t, err, ErrKeyNotActive)
	_, err = m.DecryptKey(info.ID)
	assert.ErrorIs(t, err, ErrKeyUnusable)

	require.NoError(t, m.Resume(info.ID))
	_, err = m.EncryptKey(info.ID)
	assert.NoError(t, err)
}

func TestExpiredKeyDecryptsOnly(t *testing.T) {
	m := newTestManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	info, err := m.Generate(DEK, "dek-1", 24, time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }

	_, err = m.EncryptKey(info.ID)
	assert.ErrorIs(t, err, ErrKeyNotActive)

	_, err = m.DecryptKey(info.ID)
	assert.NoError(t, err, "rotation grace must allow decrypt")

	got, err := m.Info(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestRotate(t *testing.T) {
	m := newTestManager()
	old, err := m.Generate(PEK, "pek-live", 16, 0)
	require.NoError(t, err)

	fresh, err := m.Rotate(old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, 2, fresh.Version)
	assert.Equal(t, "pek-live", fresh.Alias)

	// Old key decrypts but no longer encrypts; current moved.
	_, err = m.EncryptKey(old.ID)
	assert.ErrorIs(t, err, ErrKeyNotActive)
	_, err = m.DecryptKey(old.ID)
	assert.NoError(t, err)

	id, err := m.CurrentID(PEK)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, id)

	// The alias follows the replacement.
	byAlias, err := m.Info("pek-live")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, byAlias.ID)
}

func TestRevokeBlocksEverything(t *testing.T) {
	m := newTestManager()
	info, err := m.Generate(ZEK, "", 16, 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(info.ID))

	_, err = m.EncryptKey(info.ID)
	assert.Error(t, err)
	_, err = m.DecryptKey(info.ID)
	assert.Error(t, err)
}

func TestDestroyZeroizes(t *testing.T) {
	m := newTestManager()
	info, err := m.Generate(KEK, "", 24, 0)
	require.NoError(t, err)
	require.NoError(t, m.Destroy(info.ID))

	_, err = m.DecryptKey(info.ID)
	assert.Error(t, err)

	got, err := m.Info(info.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, got.Status)

	_, err = m.CurrentID(KEK)
	assert.ErrorIs(t, err, ErrNoCurrentKey)
}

func TestImportErasesInput(t *testing.T) {
	m := newTestManager()
	material := []byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xBA, 0xDC, 0xFE, 0x10, 0x32, 0x54, 0x76, 0x98, 0xBA, 0xDC, 0xFE}
	_, err := m.Import(TEK, "tek-imported", material, 0)
	require.NoError(t, err)
	for i, b := range material {
		assert.Zerof(t, b, "material byte %d survived import", i)
	}
}

func TestAliasCollision(t *testing.T) {
	m := newTestManager()
	_, err := m.Generate(PEK, "shared", 16, 0)
	require.NoError(t, err)
	_, err = m.Generate(MAK, "shared", 16, 0)
	assert.ErrorIs(t, err, ErrAliasTaken)
}

func TestKCVStableForSameMaterial(t *testing.T) {
	m := newTestManager()
	material := make([]byte, 16)
	for i := range material {
		material[i] = byte(i * 7)
	}
	cp := make([]byte, len(material))
	copy(cp, material)

	a, err := m.Import(DEK, "a", material, 0)
	require.NoError(t, err)
	b, err := m.Import(DEK, "b", cp, 0)
	require.NoError(t, err)
	assert.Equal(t, a.KCV, b.KCV, "same material must give same check value")
}
