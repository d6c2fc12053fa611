// Package signalsession adapts the namespaced key-value store to the Signal
// Protocol's storage contract, and provides the public repository façade:
// encrypt/decrypt, session validation, and bulk PN→LID session migration.
package signalsession

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	sigidentity "go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"

	"github.com/brunocgc/wsocket/identity"
	"github.com/brunocgc/wsocket/jid"
	"github.com/brunocgc/wsocket/kv"
	"github.com/brunocgc/wsocket/lidmapping"
)

// Signal X25519 public keys are serialized with a leading type byte, the
// same way keys/identity.PublicKey.Serialize() already does internally in
// libsignal; our adapter re-applies it when reconstructing identity keys
// from bytes that were stored without the library's own wrapper.
const x25519TypeByte = 0x05

// KV namespaces consumed by the adapter.
const (
	NamespaceSession      = "session"
	NamespacePreKey       = "pre-key"
	NamespaceSignedPreKey = "signed-pre-key"
	NamespaceSenderKey    = "sender-key"
	NamespaceDeviceList   = "device-list"
)

// Store is the capability set an adapter must provide for Signal Protocol
// session/prekey/sender-key handling: load_session, store_session,
// load_prekey, remove_prekey, load_signed_prekey, load_sender_key,
// store_sender_key, is_trusted_identity, our_registration_id, our_identity,
// plus the deletion/existence operations the repository façade needs for
// delete_session and bulk migration.
type Store interface {
	LoadSession(ctx context.Context, addr *protocol.SignalAddress) (*record.Session, error)
	StoreSession(ctx context.Context, addr *protocol.SignalAddress, rec *record.Session) error
	DeleteSession(ctx context.Context, addr *protocol.SignalAddress) error
	HasSession(ctx context.Context, addr *protocol.SignalAddress) (bool, error)

	LoadPreKey(ctx context.Context, id uint32) (*record.PreKey, error)
	RemovePreKey(ctx context.Context, id uint32) error

	LoadSignedPreKey(ctx context.Context, id uint32) (*record.SignedPreKey, error)

	LoadSenderKey(ctx context.Context, name *protocol.SenderKeyName) (*record.SenderKey, error)
	StoreSenderKey(ctx context.Context, name *protocol.SenderKeyName, rec *record.SenderKey) error

	IsTrustedIdentity(ctx context.Context, addr *protocol.SignalAddress, key *sigidentity.Key) (bool, error)
	SaveIdentity(ctx context.Context, addr *protocol.SignalAddress, key *sigidentity.Key) error
	DeleteIdentity(ctx context.Context, addr *protocol.SignalAddress) error

	GetIdentityKeyPair() *sigidentity.KeyPair
	GetLocalRegistrationID() uint32

	// GetDeviceList and SetDeviceList back the device-list namespace used by
	// bulk migration to discover every device of a PN user.
	GetDeviceList(ctx context.Context, pnUser string) ([]int, error)
	SetDeviceList(ctx context.Context, pnUser string, devices []int) error
}

// Adapter implements Store over a kv.Store, with LID-preferred read routing
// for session loads: a PN-addressed lookup consults the mapping store
// (cache + KV only, no directory fetch) and prefers an existing
// LID-addressed session when one is known and present.
type Adapter struct {
	kv         kv.Store
	mapping    *lidmapping.Store
	serializer *serialize.Serializer
	identityKP *sigidentity.KeyPair
	registrationID uint32
	log        logrus.FieldLogger
}

// NewAdapter builds a Store adapter. identityKeyPair and registrationID are
// the local device's own long-term identity material, supplied by whatever
// owns device provisioning (out of scope here).
func NewAdapter(store kv.Store, mapping *lidmapping.Store, serializer *serialize.Serializer, identityKP *sigidentity.KeyPair, registrationID uint32, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		kv:             store,
		mapping:        mapping,
		serializer:     serializer,
		identityKP:     identityKP,
		registrationID: registrationID,
		log:            log,
	}
}

func (a *Adapter) GetIdentityKeyPair() *sigidentity.KeyPair { return a.identityKP }
func (a *Adapter) GetLocalRegistrationID() uint32        { return a.registrationID }

// LoadSession implements the LID-preference rule from the design notes:
// check whether a LID mapping is known for addr's user (cache/KV only) and,
// if a LID-addressed session is stored there, prefer it; otherwise fall back
// to the session at addr itself. A SignalAddress carries no domain, so every
// addr goes through the mapping lookup as a PN user; a LID-addressed query
// normally finds no mapping and is loaded directly.
func (a *Adapter) LoadSession(ctx context.Context, addr *protocol.SignalAddress) (*record.Session, error) {
	queryJID := addressToJID(addr, jid.DomainPN)

	if !queryJID.IsAnyLID() {
		if lidUser, ok, err := a.mapping.Peek(ctx, queryJID); err == nil && ok {
			lidJID := jid.TransferDevice(queryJID, jid.JID{User: lidUser, Domain: jid.DomainLID})
			lidAddr := protocol.NewSignalAddress(lidJID.User, int32(lidJID.Device))
			if has, err := a.HasSession(ctx, lidAddr); err == nil && has {
				if rec, err := a.loadSessionBytes(ctx, lidJID.SignalAddressName()); err == nil {
					return rec, nil
				}
			}
		}
	}

	return a.loadSessionBytes(ctx, queryJID.SignalAddressName())
}

func (a *Adapter) loadSessionBytes(ctx context.Context, key string) (*record.Session, error) {
	found, err := a.kv.Get(ctx, NamespaceSession, []string{key})
	if err != nil {
		return nil, fmt.Errorf("signalsession: load session %s: %w", key, err)
	}
	raw, ok := found[key]
	if !ok {
		return record.NewSession(a.serializer.Session, a.serializer.State), nil
	}
	rec, err := record.NewSessionFromBytes(raw, a.serializer.Session, a.serializer.State)
	if err != nil {
		return nil, fmt.Errorf("signalsession: deserialize session %s: %w", key, err)
	}
	return rec, nil
}

func (a *Adapter) StoreSession(ctx context.Context, addr *protocol.SignalAddress, rec *record.Session) error {
	key := signalAddressKey(addr)
	return a.kv.Set(ctx, NamespaceSession, map[string][]byte{key: rec.Serialize()})
}

func (a *Adapter) DeleteSession(ctx context.Context, addr *protocol.SignalAddress) error {
	key := signalAddressKey(addr)
	return a.kv.Delete(ctx, NamespaceSession, []string{key})
}

func (a *Adapter) HasSession(ctx context.Context, addr *protocol.SignalAddress) (bool, error) {
	key := signalAddressKey(addr)
	found, err := a.kv.Get(ctx, NamespaceSession, []string{key})
	if err != nil {
		return false, fmt.Errorf("signalsession: has session %s: %w", key, err)
	}
	return found[key] != nil, nil
}

func (a *Adapter) LoadPreKey(ctx context.Context, id uint32) (*record.PreKey, error) {
	key := fmt.Sprintf("%d", id)
	found, err := a.kv.Get(ctx, NamespacePreKey, []string{key})
	if err != nil {
		return nil, fmt.Errorf("signalsession: load prekey %d: %w", id, err)
	}
	raw, ok := found[key]
	if !ok {
		return nil, identity.New(identity.KindNotFound, fmt.Sprintf("prekey %d not found", id))
	}
	return record.NewPreKeyFromBytes(raw, a.serializer.PreKeyRecord)
}

func (a *Adapter) RemovePreKey(ctx context.Context, id uint32) error {
	return a.kv.Delete(ctx, NamespacePreKey, []string{fmt.Sprintf("%d", id)})
}

func (a *Adapter) LoadSignedPreKey(ctx context.Context, id uint32) (*record.SignedPreKey, error) {
	key := fmt.Sprintf("%d", id)
	found, err := a.kv.Get(ctx, NamespaceSignedPreKey, []string{key})
	if err != nil {
		return nil, fmt.Errorf("signalsession: load signed prekey %d: %w", id, err)
	}
	raw, ok := found[key]
	if !ok {
		return nil, identity.New(identity.KindNotFound, fmt.Sprintf("signed prekey %d not found", id))
	}
	return record.NewSignedPreKeyFromBytes(raw, a.serializer.SignedPreKeyRecord)
}

func (a *Adapter) LoadSenderKey(ctx context.Context, name *protocol.SenderKeyName) (*record.SenderKey, error) {
	key := senderKeyName(name)
	found, err := a.kv.Get(ctx, NamespaceSenderKey, []string{key})
	if err != nil {
		return nil, fmt.Errorf("signalsession: load sender key %s: %w", key, err)
	}
	raw, ok := found[key]
	if !ok {
		return record.NewSenderKey(a.serializer.SenderKeyRecord, a.serializer.SenderKeyState), nil
	}
	return record.NewSenderKeyFromBytes(raw, a.serializer.SenderKeyRecord, a.serializer.SenderKeyState)
}

func (a *Adapter) StoreSenderKey(ctx context.Context, name *protocol.SenderKeyName, rec *record.SenderKey) error {
	key := senderKeyName(name)
	return a.kv.Set(ctx, NamespaceSenderKey, map[string][]byte{key: rec.Serialize()})
}

func (a *Adapter) IsTrustedIdentity(ctx context.Context, addr *protocol.SignalAddress, key *sigidentity.Key) (bool, error) {
	found, err := a.kv.Get(ctx, "identity", []string{addr.String()})
	if err != nil {
		return false, fmt.Errorf("signalsession: trust lookup %s: %w", addr.String(), err)
	}
	existing, ok := found[addr.String()]
	if !ok {
		// trust-on-first-use: no identity pinned yet for this address.
		return true, nil
	}
	return string(existing) == string(prefixedIdentityBytes(key)), nil
}

func (a *Adapter) SaveIdentity(ctx context.Context, addr *protocol.SignalAddress, key *sigidentity.Key) error {
	return a.kv.Set(ctx, "identity", map[string][]byte{addr.String(): prefixedIdentityBytes(key)})
}

func (a *Adapter) DeleteIdentity(ctx context.Context, addr *protocol.SignalAddress) error {
	return a.kv.Delete(ctx, "identity", []string{addr.String()})
}

func (a *Adapter) GetDeviceList(ctx context.Context, pnUser string) ([]int, error) {
	found, err := a.kv.Get(ctx, NamespaceDeviceList, []string{pnUser})
	if err != nil {
		return nil, fmt.Errorf("signalsession: device list %s: %w", pnUser, err)
	}
	raw, ok := found[pnUser]
	if !ok {
		return nil, nil
	}
	return decodeDeviceList(raw), nil
}

func (a *Adapter) SetDeviceList(ctx context.Context, pnUser string, devices []int) error {
	return a.kv.Set(ctx, NamespaceDeviceList, map[string][]byte{pnUser: encodeDeviceList(devices)})
}

// prefixedIdentityBytes applies the Signal X25519 type-byte prefix the same
// way identity.PublicKey.Serialize() does, so raw KV bytes round-trip
// through plain []byte comparisons without needing the library's wrapper.
func prefixedIdentityBytes(key *sigidentity.Key) []byte {
	raw := key.PublicKey().PublicKey()
	out := make([]byte, 0, len(raw)+1)
	out = append(out, x25519TypeByte)
	return append(out, raw[:]...)
}

func signalAddressKey(addr *protocol.SignalAddress) string {
	return fmt.Sprintf("%s.%d", addr.Name(), addr.DeviceID())
}

func senderKeyName(name *protocol.SenderKeyName) string {
	return fmt.Sprintf("%s::%s", name.GroupID(), name.Sender().String())
}

// addressToJID reconstructs a jid.JID from a libsignal SignalAddress, using
// defaultDomain since SignalAddress itself carries no domain information.
func addressToJID(addr *protocol.SignalAddress, defaultDomain jid.Domain) jid.JID {
	return jid.JID{User: addr.Name(), Device: int(addr.DeviceID()), Domain: defaultDomain}
}

func encodeDeviceList(devices []int) []byte {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return []byte(strings.Join(parts, ","))
}

func decodeDeviceList(raw []byte) []int {
	if len(raw) == 0 {
		return nil
	}
	parts := strings.Split(string(raw), ",")
	devices := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			devices = append(devices, n)
		}
	}
	return devices
}
