package signalsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	ourIdentity "github.com/brunocgc/wsocket/identity"
	"github.com/brunocgc/wsocket/jid"
	"github.com/brunocgc/wsocket/kv"
	"github.com/brunocgc/wsocket/lidmapping"
	"github.com/brunocgc/wsocket/lidmapping/cache"
)

// fakeStore is a minimal Store double: session lookups report "no session"
// and device lists are empty unless a test populates hasSession/deviceList,
// which is enough to exercise validation, caching, the migration guard
// clauses, and (once populated) the migration core loop without needing a
// full Signal Protocol store.
type fakeStore struct {
	hasSession map[string]bool
	deviceList map[string][]int
}

func (f *fakeStore) LoadSession(ctx context.Context, addr *protocol.SignalAddress) (*record.Session, error) {
	return nil, nil
}
func (f *fakeStore) StoreSession(ctx context.Context, addr *protocol.SignalAddress, rec *record.Session) error {
	return nil
}
func (f *fakeStore) DeleteSession(ctx context.Context, addr *protocol.SignalAddress) error {
	return nil
}
func (f *fakeStore) HasSession(ctx context.Context, addr *protocol.SignalAddress) (bool, error) {
	if f.hasSession == nil {
		return false, nil
	}
	return f.hasSession[addr.Name()], nil
}
func (f *fakeStore) LoadPreKey(ctx context.Context, id uint32) (*record.PreKey, error) { return nil, nil }
func (f *fakeStore) RemovePreKey(ctx context.Context, id uint32) error                 { return nil }
func (f *fakeStore) LoadSignedPreKey(ctx context.Context, id uint32) (*record.SignedPreKey, error) {
	return nil, nil
}
func (f *fakeStore) LoadSenderKey(ctx context.Context, name *protocol.SenderKeyName) (*record.SenderKey, error) {
	return nil, nil
}
func (f *fakeStore) StoreSenderKey(ctx context.Context, name *protocol.SenderKeyName, rec *record.SenderKey) error {
	return nil
}
func (f *fakeStore) IsTrustedIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) (bool, error) {
	return true, nil
}
func (f *fakeStore) SaveIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) error {
	return nil
}
func (f *fakeStore) DeleteIdentity(ctx context.Context, addr *protocol.SignalAddress) error {
	return nil
}
func (f *fakeStore) GetIdentityKeyPair() *identity.KeyPair { return nil }
func (f *fakeStore) GetLocalRegistrationID() uint32        { return 1 }
func (f *fakeStore) GetDeviceList(ctx context.Context, pnUser string) ([]int, error) {
	if f.deviceList == nil {
		return nil, nil
	}
	return f.deviceList[pnUser], nil
}
func (f *fakeStore) SetDeviceList(ctx context.Context, pnUser string, devices []int) error {
	return nil
}

func newTestRepository(t *testing.T, store Store) *Repository {
	t.Helper()
	validation := cache.NewMemory(nil)
	migration := cache.NewMemory(nil)
	t.Cleanup(validation.Close)
	t.Cleanup(migration.Close)
	return NewRepository(store, nil, nil, nil, validation, migration, 0, nil)
}

// newTestKVStore returns a fresh in-memory GORM-backed kv.Store, the same
// fixture store_test.go uses for the Adapter.
func newTestKVStore(t *testing.T) kv.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store := kv.NewGormStore(db)
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

// newOpenSession builds a record.Session with an established ratchet
// version, the minimal amount of state needed for IsFresh() to report false.
// A session with no established state (the zero value record.NewSession
// returns) is what LoadSession hands back for a key miss, and IsFresh()
// there reports true; setting the protocol version mirrors what
// session.Builder does on the real pre-key-bundle path.
func newOpenSession(ser *serialize.Serializer) *record.Session {
	rec := record.NewSession(ser.Session, ser.State)
	rec.SessionState().SetVersion(protocol.CurrentVersion)
	return rec
}

func TestMigrateSessionMigratesOpenSessionsAndSkipsMissing(t *testing.T) {
	ctx := context.Background()
	ser := serialize.NewProtoBufSerializer()
	kvStore := newTestKVStore(t)

	openSession := newOpenSession(ser).Serialize()
	require.NoError(t, kvStore.Set(ctx, NamespaceSession, map[string][]byte{
		"15551234567.0": openSession,
		"15551234567.3": openSession,
	}))

	store := &fakeStore{deviceList: map[string][]int{"15551234567": {0, 3, 99}}}
	validation := cache.NewMemory(nil)
	migration := cache.NewMemory(nil)
	t.Cleanup(validation.Close)
	t.Cleanup(migration.Close)
	repo := NewRepository(store, nil, kvStore, ser, validation, migration, 0, nil)

	result, err := repo.MigrateSession(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), jid.MustDecode("abcd@lid"))
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{Migrated: 2, Skipped: 1, Total: 3}, result)

	remaining, err := kvStore.Get(ctx, NamespaceSession, []string{"15551234567.0", "15551234567.3", "abcd.0", "abcd.3"})
	require.NoError(t, err)
	assert.Nil(t, remaining["15551234567.0"])
	assert.Nil(t, remaining["15551234567.3"])
	assert.Equal(t, openSession, remaining["abcd.0"])
	assert.Equal(t, openSession, remaining["abcd.3"])
}

func TestOptimalEncryptionJIDPrefersExistingLIDSession(t *testing.T) {
	ctx := context.Background()
	mappingKV := newTestKVStore(t)
	mapping := lidmapping.NewStore(mappingKV, cache.NewMemory(nil), nil, nil, 0)
	require.NoError(t, mapping.Store(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), jid.MustDecode("abcd@lid")).Error)

	store := &fakeStore{hasSession: map[string]bool{"abcd": true}}
	validation := cache.NewMemory(nil)
	migration := cache.NewMemory(nil)
	t.Cleanup(validation.Close)
	t.Cleanup(migration.Close)
	repo := NewRepository(store, mapping, nil, nil, validation, migration, 0, nil)

	target, err := repo.optimalEncryptionJID(ctx, jid.MustDecode("15551234567@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, jid.MustDecode("abcd@lid"), target)
}

func TestOptimalEncryptionJIDFallsBackWithoutMapping(t *testing.T) {
	ctx := context.Background()
	mappingKV := newTestKVStore(t)
	mapping := lidmapping.NewStore(mappingKV, cache.NewMemory(nil), nil, nil, 0)

	store := &fakeStore{}
	repo := newTestRepository(t, store)
	repo.mapping = mapping

	target, err := repo.optimalEncryptionJID(ctx, jid.MustDecode("15551234567@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, jid.MustDecode("15551234567@s.whatsapp.net"), target)
}

func TestValidateSessionNoSessionIsCached(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	repo := newTestRepository(t, store)

	target := jid.MustDecode("15551234567@s.whatsapp.net")

	result, err := repo.ValidateSession(ctx, target)
	require.NoError(t, err)
	assert.False(t, result.Exists)
	assert.Equal(t, ourIdentity.KindNoSession, result.Reason)

	cached, ok, err := repo.validationCache.Get(ctx, "validation:"+target.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0:no-session", cached)
}

func TestDeleteSessionEvictsValidationCache(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	repo := newTestRepository(t, store)

	target := jid.MustDecode("15551234567@s.whatsapp.net")
	require.NoError(t, repo.validationCache.Set(ctx, "validation:"+target.String(), "1", repo.validationTTL))

	require.NoError(t, repo.DeleteSession(ctx, target))

	_, ok, err := repo.validationCache.Get(ctx, "validation:"+target.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecryptMessageUnknownType(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	_, err := repo.DecryptMessage(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), "bogus", []byte("x"))
	require.Error(t, err)
	var idErr *ourIdentity.Error
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, ourIdentity.KindUnknownType, idErr.Kind)
}

func TestEncryptGroupMessageRequiresGroupID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	_, err := repo.EncryptGroupMessage(ctx, "", jid.MustDecode("15551234567@s.whatsapp.net"), []byte("x"))
	require.Error(t, err)
	var idErr *ourIdentity.Error
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, ourIdentity.KindMissingGroupID, idErr.Kind)
}

func TestProcessSenderKeyDistributionRequiresGroupID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	err := repo.ProcessSenderKeyDistribution(ctx, "", jid.MustDecode("15551234567@s.whatsapp.net"), []byte("x"))
	require.Error(t, err)
	var idErr *ourIdentity.Error
	require.ErrorAs(t, err, &idErr)
	assert.Equal(t, ourIdentity.KindMissingGroupID, idErr.Kind)
}

func TestMigrateSessionGuardsSourceDomain(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	result, err := repo.MigrateSession(ctx, jid.MustDecode("abcd@lid"), jid.MustDecode("efgh@lid"))
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{Migrated: 0, Skipped: 0, Total: 1}, result)
}

func TestMigrateSessionGuardsTargetDomain(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	result, err := repo.MigrateSession(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), jid.MustDecode("15559999999@s.whatsapp.net"))
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{}, result)
}

func TestMigrateSessionNoDeviceList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, &fakeStore{})

	result, err := repo.MigrateSession(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), jid.MustDecode("abcd@lid"))
	require.NoError(t, err)
	assert.Equal(t, MigrationResult{}, result)
}

func TestValidationResultCodec(t *testing.T) {
	assert.Equal(t, "1", encodeValidationResult(ValidationResult{Exists: true}))
	assert.Equal(t, ValidationResult{Exists: true}, decodeValidationResult("1"))

	encoded := encodeValidationResult(ValidationResult{Exists: false, Reason: ourIdentity.KindNoOpenSession})
	assert.Equal(t, "0:no-open-session", encoded)
	assert.Equal(t, ValidationResult{Exists: false, Reason: ourIdentity.KindNoOpenSession}, decodeValidationResult(encoded))
}
