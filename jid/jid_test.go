package jid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("bare user", func(t *testing.T) {
		j, err := Decode("15551234567@s.whatsapp.net")
		require.NoError(t, err)
		assert.Equal(t, "15551234567", j.User)
		assert.Equal(t, 0, j.Device)
		assert.Equal(t, DomainPN, j.Domain)
	})

	t.Run("with device", func(t *testing.T) {
		j, err := Decode("15551234567:7@s.whatsapp.net")
		require.NoError(t, err)
		assert.Equal(t, "15551234567", j.User)
		assert.Equal(t, 7, j.Device)
	})

	t.Run("empty user fails", func(t *testing.T) {
		_, err := Decode("@s.whatsapp.net")
		assert.Error(t, err)
	})

	t.Run("missing domain fails", func(t *testing.T) {
		_, err := Decode("15551234567")
		assert.Error(t, err)
	})

	t.Run("invalid device fails", func(t *testing.T) {
		_, err := Decode("abcd:x@lid")
		assert.Error(t, err)
	})
}

func TestClassification(t *testing.T) {
	pn := MustDecode("15551234567@s.whatsapp.net")
	assert.True(t, pn.IsPN())
	assert.False(t, pn.IsHostedPN())
	assert.False(t, pn.IsLID())
	assert.False(t, pn.IsHostedLID())

	hostedPN := MustDecode("15551234567@hosted")
	assert.True(t, hostedPN.IsHostedPN())
	assert.True(t, hostedPN.IsAnyPN())

	lid := MustDecode("abcd@lid")
	assert.True(t, lid.IsLID())
	assert.True(t, lid.IsAnyLID())

	hostedLID := MustDecode("abcd:99@hosted.lid")
	assert.True(t, hostedLID.IsHostedLID())

	unknown := MustDecode("abcd@example.com")
	assert.False(t, unknown.IsPN())
	assert.False(t, unknown.IsHostedPN())
	assert.False(t, unknown.IsLID())
	assert.False(t, unknown.IsHostedLID())
}

func TestNormalize(t *testing.T) {
	withZero := MustDecode("abcd:0@lid")
	assert.Equal(t, "abcd@lid", Normalize(withZero).String())

	withDevice := MustDecode("abcd:7@lid")
	assert.Equal(t, "abcd:7@lid", Normalize(withDevice).String())
}

func TestTransferDevice(t *testing.T) {
	t.Run("plain device", func(t *testing.T) {
		src := MustDecode("15551234567:7@s.whatsapp.net")
		target := MustDecode("abcd@lid")
		got := TransferDevice(src, target)
		assert.Equal(t, "abcd:7@lid", got.String())
	})

	t.Run("device zero omitted on emit", func(t *testing.T) {
		src := MustDecode("15551234567@s.whatsapp.net")
		target := MustDecode("abcd@lid")
		got := TransferDevice(src, target)
		assert.Equal(t, "abcd@lid", got.String())
	})

	t.Run("device 99 routes to hosted lid", func(t *testing.T) {
		src := MustDecode("15551234567:99@s.whatsapp.net")
		target := MustDecode("abcd@lid")
		got := TransferDevice(src, target)
		assert.Equal(t, DomainHostedLID, got.Domain)
		assert.Equal(t, 99, got.Device)
	})

	t.Run("device 99 routes to hosted pn", func(t *testing.T) {
		src := MustDecode("abcd:99@lid")
		target := MustDecode("15551234567@s.whatsapp.net")
		got := TransferDevice(src, target)
		assert.Equal(t, DomainHostedPN, got.Domain)
	})
}

func TestCanonicalPN(t *testing.T) {
	hosted := MustDecode("15551234567:3@hosted")
	canon := CanonicalPN(hosted)
	assert.Equal(t, DomainPN, canon.Domain)
	assert.Equal(t, 3, canon.Device)
	assert.Equal(t, "15551234567", canon.User)

	plain := MustDecode("abcd@lid")
	assert.Equal(t, plain, CanonicalPN(plain))
}

func TestSignalAddressName(t *testing.T) {
	j := MustDecode("15551234567:3@s.whatsapp.net")
	assert.Equal(t, "15551234567.3", j.SignalAddressName())
}
