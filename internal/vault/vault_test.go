package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthorizer struct {
	ok     bool
	reason string
}

func (f *fakeAuthorizer) Check() (bool, string) { return f.ok, f.reason }

func newTestVault(t *testing.T, auth Authorizer) *Vault {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		MasterKeyPath: filepath.Join(dir, "master.key"),
		VaultPath:     filepath.Join(dir, "credentials.json"),
		AuditLogPath:  filepath.Join(dir, "audit.log"),
	}
	v, err := Open(cfg, auth)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func testCredential(id string) Credential {
	return Credential{
		CredentialID:       []byte(id),
		RPID:                "example.com",
		UserHandle:          []byte("user-1"),
		Algorithm:           ES256,
		PrivateKeyMaterial:  []byte("private-key-bytes"),
		PublicKeyCOSE:       []byte("cose-bytes"),
	}
}

func TestCreateAndLookupRoundTrip(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	c := testCredential("cred-1")
	id, err := v.Create(c)
	require.NoError(t, err)
	assert.Equal(t, "cred-1", id)

	matches, err := v.Lookup("example.com", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, c.PrivateKeyMaterial, matches[0].PrivateKeyMaterial)
}

func TestCreateDuplicateRejected(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	_, err = v.Create(testCredential("cred-1"))
	assert.ErrorIs(t, err, ErrDuplicateCredential)
}

func TestOperationsDeniedWhenUnauthorized(t *testing.T) {
	auth := &fakeAuthorizer{ok: false, reason: "not authorized"}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	_, err = v.Lookup("example.com", nil)
	assert.ErrorIs(t, err, ErrAuthorizationDenied)

	_, err = v.List()
	assert.ErrorIs(t, err, ErrAuthorizationDenied)
}

func TestLookupRestrictedByAllowList(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	_, err = v.Create(testCredential("cred-2"))
	require.NoError(t, err)

	matches, err := v.Lookup("example.com", [][]byte{[]byte("cred-2")})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "cred-2", string(matches[0].CredentialID))
}

func TestBumpUsageAdvancesCounterAndTimestamp(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)

	err = v.BumpUsage([]byte("cred-1"), 5)
	require.NoError(t, err)

	matches, err := v.Lookup("example.com", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.EqualValues(t, 5, matches[0].SignCounter)
	require.NotNil(t, matches[0].LastUsedAtMillis)
}

func TestBumpUsageRejectsNonIncreasingCounter(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	require.NoError(t, v.BumpUsage([]byte("cred-1"), 5))

	err = v.BumpUsage([]byte("cred-1"), 3)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestBumpUsageUnknownCredential(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	err := v.BumpUsage([]byte("missing"), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesCredential(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)

	require.NoError(t, v.Delete([]byte("cred-1")))

	matches, err := v.Lookup("example.com", nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDeleteUnknownCredential(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	err := v.Delete([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNeverReturnsPrivateKeyMaterial(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)

	listed, err := v.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Nil(t, listed[0].PrivateKeyMaterial)
}

func TestClearRemovesAllCredentials(t *testing.T) {
	auth := &fakeAuthorizer{ok: true}
	v := newTestVault(t, auth)

	_, err := v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	_, err = v.Create(testCredential("cred-2"))
	require.NoError(t, err)

	require.NoError(t, v.Clear())
	assert.Equal(t, 0, v.Count())
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MasterKeyPath: filepath.Join(dir, "master.key"),
		VaultPath:     filepath.Join(dir, "credentials.json"),
		AuditLogPath:  filepath.Join(dir, "audit.log"),
	}
	auth := &fakeAuthorizer{ok: true}

	v, err := Open(cfg, auth)
	require.NoError(t, err)
	_, err = v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(cfg, auth)
	require.NoError(t, err)
	defer v2.Close()

	matches, err := v2.Lookup("example.com", nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, []byte("private-key-bytes"), matches[0].PrivateKeyMaterial)
}

func TestVaultFilePermissionsAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MasterKeyPath: filepath.Join(dir, "master.key"),
		VaultPath:     filepath.Join(dir, "credentials.json"),
		AuditLogPath:  filepath.Join(dir, "audit.log"),
	}
	auth := &fakeAuthorizer{ok: true}

	v, err := Open(cfg, auth)
	require.NoError(t, err)
	_, err = v.Create(testCredential("cred-1"))
	require.NoError(t, err)
	v.Close()

	info, err := os.Stat(cfg.VaultPath)
	require.NoError(t, err)
	assert.Equal(t, ownerOnlyMode, info.Mode().Perm())

	info, err = os.Stat(cfg.MasterKeyPath)
	require.NoError(t, err)
	assert.Equal(t, ownerOnlyMode, info.Mode().Perm())
}
