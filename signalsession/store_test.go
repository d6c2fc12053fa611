package signalsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"

	"github.com/brunocgc/wsocket/jid"
	"github.com/brunocgc/wsocket/kv"
	"github.com/brunocgc/wsocket/lidmapping"
	"github.com/brunocgc/wsocket/lidmapping/cache"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	store := newTestKVStore(t)
	return NewAdapter(store, nil, nil, nil, 1, nil)
}

// TestAdapterLoadSessionPrefersLID exercises the LID-preference routing
// described on LoadSession: a PN-addressed query must return the
// LID-addressed session when a mapping and a live session both exist there,
// rather than the (fresh, empty) PN-addressed one.
func TestAdapterLoadSessionPrefersLID(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKVStore(t)
	ser := serialize.NewProtoBufSerializer()
	mapping := lidmapping.NewStore(kvStore, cache.NewMemory(nil), nil, nil, 0)
	require.NoError(t, mapping.Store(ctx, jid.MustDecode("15551234567@s.whatsapp.net"), jid.MustDecode("abcd@lid")).Error)

	adapter := NewAdapter(kvStore, mapping, ser, nil, 1, nil)

	lidAddr := protocol.NewSignalAddress("abcd", 0)
	require.NoError(t, adapter.StoreSession(ctx, lidAddr, newOpenSession(ser)))

	pnAddr := protocol.NewSignalAddress("15551234567", 0)
	rec, err := adapter.LoadSession(ctx, pnAddr)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsFresh(), "expected the LID-addressed open session, not a fresh PN one")

	hasPN, err := adapter.HasSession(ctx, pnAddr)
	require.NoError(t, err)
	assert.False(t, hasPN, "no session was ever stored at the PN address")
}

func TestAdapterDeviceListRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	devices, err := adapter.GetDeviceList(ctx, "15551234567")
	require.NoError(t, err)
	assert.Nil(t, devices)

	require.NoError(t, adapter.SetDeviceList(ctx, "15551234567", []int{0, 3, 99}))

	devices, err = adapter.GetDeviceList(ctx, "15551234567")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 99}, devices)
}

func TestDeviceListCodec(t *testing.T) {
	assert.Nil(t, decodeDeviceList(nil))
	assert.Equal(t, []int{0, 3, 99}, decodeDeviceList(encodeDeviceList([]int{0, 3, 99})))
	assert.Equal(t, []byte("0,3,99"), encodeDeviceList([]int{0, 3, 99}))
}

func TestUnionDevice(t *testing.T) {
	assert.Equal(t, []int{0, 3, 99}, unionDevice([]int{0, 3, 99}, 99))
	assert.Equal(t, []int{0, 3, 99}, unionDevice([]int{0, 3}, 99))
}
