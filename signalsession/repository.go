package signalsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"
	"go.mau.fi/libsignal/state/record"

	"github.com/brunocgc/wsocket/identity"
	"github.com/brunocgc/wsocket/jid"
	"github.com/brunocgc/wsocket/kv"
	"github.com/brunocgc/wsocket/lidmapping"
	"github.com/brunocgc/wsocket/lidmapping/cache"
)

// Signal message type tags, per the wire protocol: 3 marks a pre-key
// message, anything else a plain whisper message.
const preKeyMessageType = 3

const (
	MessagePreKey = "pkmsg"
	MessagePlain  = "msg"
)

// EncryptResult is what EncryptMessage / EncryptWithWire return; group
// encryption returns GroupEncryptResult instead.
type EncryptResult struct {
	Type       string
	Ciphertext []byte
	WireJID    *jid.JID
}

// GroupEncryptResult additionally carries the sender-key distribution
// message, which callers must fan out to the group alongside the ciphertext.
type GroupEncryptResult struct {
	Ciphertext   []byte
	Distribution []byte
}

// ValidationResult is what validate_session returns.
type ValidationResult struct {
	Exists bool
	Reason identity.Kind
}

// MigrationResult is what the bulk PN→LID migration returns.
type MigrationResult struct {
	Migrated int
	Skipped  int
	Total    int
}

// Repository is the public façade over a Store adapter: encrypt/decrypt
// (1:1 and group), session validation with caching, sender-key distribution,
// session injection, deletion, and bulk PN→LID migration.
type Repository struct {
	store      Store
	mapping    *lidmapping.Store
	serializer *serialize.Serializer
	kv         kv.Store
	log        logrus.FieldLogger

	validationCache cache.Cache
	validationTTL   time.Duration

	migrationCache cache.Cache
	migrationTTL   time.Duration
}

// NewRepository wires a façade around store, using mapping for LID
// preference and migration, kv for the transactional migration commit, and
// the given caches/TTLs for validation and migration memoization.
func NewRepository(store Store, mapping *lidmapping.Store, kvStore kv.Store, serializer *serialize.Serializer, validationCache, migrationCache cache.Cache, ttl time.Duration, log logrus.FieldLogger) *Repository {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Repository{
		store:           store,
		mapping:         mapping,
		serializer:      serializer,
		kv:              kvStore,
		log:             log,
		validationCache: validationCache,
		validationTTL:   ttl,
		migrationCache:  migrationCache,
		migrationTTL:    ttl,
	}
}

// EncryptMessage computes the optimal encryption JID, migrates PN→LID
// sessions if needed, validates the session, and encrypts via the Signal
// cipher.
func (r *Repository) EncryptMessage(ctx context.Context, target jid.JID, data []byte) (EncryptResult, error) {
	encryptionJID, err := r.optimalEncryptionJID(ctx, target)
	if err != nil {
		return EncryptResult{}, err
	}
	return r.EncryptWithWire(ctx, encryptionJID, target, data)
}

// EncryptWithWire encrypts against encryptionJID and reports wireJID
// unchanged in the result, for callers that already know the optimal
// address but must still tell the caller which JID was used on the wire.
func (r *Repository) EncryptWithWire(ctx context.Context, encryptionJID, wireJID jid.JID, data []byte) (EncryptResult, error) {
	validation, err := r.ValidateSession(ctx, encryptionJID)
	if err != nil {
		return EncryptResult{}, err
	}
	if !validation.Exists {
		return EncryptResult{}, identity.New(identity.KindNoSession, fmt.Sprintf("no session for %s", encryptionJID))
	}

	addr := protocol.NewSignalAddress(encryptionJID.User, int32(encryptionJID.Device))
	builder := session.NewBuilderFromSignal(r.store, addr, r.serializer)
	cipher := session.NewCipher(builder, addr)

	ciphertext, err := cipher.Encrypt(ctx, data)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "encrypt failed"), err)
	}

	msgType := MessagePlain
	if ciphertext.Type() == preKeyMessageType {
		msgType = MessagePreKey
	}

	wire := wireJID
	return EncryptResult{Type: msgType, Ciphertext: ciphertext.Serialize(), WireJID: &wire}, nil
}

// optimalEncryptionJID implements the "optimal encryption JID" rule from the
// façade design: prefer an existing LID session, migrate a PN session to
// LID if one is due, and fall back to the original JID otherwise.
func (r *Repository) optimalEncryptionJID(ctx context.Context, target jid.JID) (jid.JID, error) {
	if !target.IsAnyPN() {
		return target, nil
	}

	lidUser, ok, err := r.mapping.Peek(ctx, target)
	if err != nil {
		return jid.JID{}, fmt.Errorf("signalsession: lid lookup for %s: %w", target, err)
	}
	if !ok {
		return target, nil
	}
	lidJID := jid.TransferDevice(target, jid.JID{User: lidUser, Domain: jid.DomainLID})

	lidAddr := protocol.NewSignalAddress(lidJID.User, int32(lidJID.Device))
	hasLIDSession, err := r.store.HasSession(ctx, lidAddr)
	if err != nil {
		return jid.JID{}, fmt.Errorf("signalsession: lid session check for %s: %w", lidJID, err)
	}
	if hasLIDSession {
		return lidJID, nil
	}

	pnAddr := protocol.NewSignalAddress(target.User, int32(target.Device))
	hasPNSession, err := r.store.HasSession(ctx, pnAddr)
	if err != nil {
		return jid.JID{}, fmt.Errorf("signalsession: pn session check for %s: %w", target, err)
	}
	if !hasPNSession {
		return target, nil
	}

	if _, err := r.MigrateSession(ctx, target, lidJID); err != nil {
		return jid.JID{}, err
	}
	return lidJID, nil
}

// DecryptMessage dispatches to the pre-key or plain whisper decryptor based
// on msgType, per the pkmsg/msg wire tags.
func (r *Repository) DecryptMessage(ctx context.Context, sender jid.JID, msgType string, ciphertext []byte) ([]byte, error) {
	addr := protocol.NewSignalAddress(sender.User, int32(sender.Device))
	builder := session.NewBuilderFromSignal(r.store, addr, r.serializer)
	cipher := session.NewCipher(builder, addr)

	switch msgType {
	case MessagePreKey:
		return r.decryptPreKeyWhisperMessage(ctx, cipher, addr, ciphertext)
	case MessagePlain:
		msg, err := protocol.NewSignalMessageFromBytes(ciphertext, r.serializer.SignalMessage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", identity.New(identity.KindDecodeFailed, "parse whisper message"), err)
		}
		plaintext, err := cipher.Decrypt(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "decrypt whisper message"), err)
		}
		return plaintext, nil
	default:
		return nil, identity.New(identity.KindUnknownType, fmt.Sprintf("unknown message type %q", msgType))
	}
}

func (r *Repository) decryptPreKeyWhisperMessage(ctx context.Context, cipher *session.Cipher, addr *protocol.SignalAddress, ciphertext []byte) ([]byte, error) {
	preKeyMsg, err := protocol.NewPreKeySignalMessageFromBytes(ciphertext, r.serializer.PreKeySignalMessage, r.serializer.SignalMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.New(identity.KindDecodeFailed, "parse prekey message"), err)
	}

	plaintext, _, err := cipher.DecryptMessageReturnKey(ctx, preKeyMsg)
	if errors.Is(err, signalerror.ErrUntrustedIdentity) {
		r.log.WithField("address", addr.String()).Warn("[signalsession] untrusted identity, clearing and retrying decrypt once")
		if delErr := r.store.DeleteIdentity(ctx, addr); delErr != nil {
			r.log.WithError(delErr).Warn("[signalsession] failed to clear identity after untrusted-identity error")
		}
		if delErr := r.store.DeleteSession(ctx, addr); delErr != nil {
			r.log.WithError(delErr).Warn("[signalsession] failed to clear session after untrusted-identity error")
		}
		plaintext, _, err = cipher.DecryptMessageReturnKey(ctx, preKeyMsg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "decrypt prekey message"), err)
	}
	return plaintext, nil
}

// EncryptGroupMessage derives the sender-key name from (group, me), ensures
// a sender-key record exists, and encrypts via the group cipher.
func (r *Repository) EncryptGroupMessage(ctx context.Context, group string, me jid.JID, data []byte) (GroupEncryptResult, error) {
	if group == "" {
		return GroupEncryptResult{}, identity.New(identity.KindMissingGroupID, "empty group id")
	}
	meAddr := protocol.NewSignalAddress(me.User, int32(me.Device))
	senderKeyName := protocol.NewSenderKeyName(group, meAddr)
	builder := groups.NewGroupSessionBuilder(r.store, r.serializer)

	distribution, err := builder.Create(ctx, senderKeyName)
	if err != nil {
		return GroupEncryptResult{}, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "create sender key distribution"), err)
	}

	cipher := groups.NewGroupCipher(builder, senderKeyName, r.store)
	ciphertext, err := cipher.Encrypt(ctx, data)
	if err != nil {
		return GroupEncryptResult{}, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "group encrypt"), err)
	}

	return GroupEncryptResult{
		Ciphertext:   ciphertext.SignedSerialize(),
		Distribution: distribution.Serialize(),
	}, nil
}

// DecryptGroupMessage decrypts a sender-key message from author in group
// using the stored sender-key record.
func (r *Repository) DecryptGroupMessage(ctx context.Context, group string, author jid.JID, msg []byte) ([]byte, error) {
	authorAddr := protocol.NewSignalAddress(author.User, int32(author.Device))
	senderKeyName := protocol.NewSenderKeyName(group, authorAddr)
	builder := groups.NewGroupSessionBuilder(r.store, r.serializer)
	cipher := groups.NewGroupCipher(builder, senderKeyName, r.store)

	skMsg, err := protocol.NewSenderKeyMessageFromBytes(msg, r.serializer.SenderKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.New(identity.KindDecodeFailed, "parse group message"), err)
	}
	plaintext, err := cipher.Decrypt(ctx, skMsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "group decrypt"), err)
	}
	return plaintext, nil
}

// ProcessSenderKeyDistribution ensures a sender-key record exists for
// (group, author) and processes distribution into it.
func (r *Repository) ProcessSenderKeyDistribution(ctx context.Context, group string, author jid.JID, distribution []byte) error {
	if group == "" {
		return identity.New(identity.KindMissingGroupID, "empty group id")
	}
	authorAddr := protocol.NewSignalAddress(author.User, int32(author.Device))
	senderKeyName := protocol.NewSenderKeyName(group, authorAddr)
	builder := groups.NewGroupSessionBuilder(r.store, r.serializer)

	sdkMsg, err := protocol.NewSenderKeyDistributionMessageFromBytes(distribution, r.serializer.SenderKeyDistributionMessage)
	if err != nil {
		return fmt.Errorf("%w: %v", identity.New(identity.KindDecodeFailed, "parse sender key distribution"), err)
	}
	if err := builder.Process(ctx, senderKeyName, sdkMsg); err != nil {
		return fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "process sender key distribution"), err)
	}
	return nil
}

// InjectSession installs an outgoing pre-key bundle as a fresh session at
// target's address.
func (r *Repository) InjectSession(ctx context.Context, target jid.JID, bundle *prekey.Bundle) error {
	addr := protocol.NewSignalAddress(target.User, int32(target.Device))
	builder := session.NewBuilderFromSignal(r.store, addr, r.serializer)
	if err := builder.ProcessBundle(ctx, bundle); err != nil {
		return fmt.Errorf("%w: %v", identity.New(identity.KindCipherError, "process prekey bundle"), err)
	}
	r.evictValidation(ctx, target)
	return nil
}

// ValidateSession reports whether a session record exists at target's
// address with an open ratchet, memoized for validationTTL under
// "validation:<jid>".
func (r *Repository) ValidateSession(ctx context.Context, target jid.JID) (ValidationResult, error) {
	cacheKey := "validation:" + target.String()
	if cached, ok, err := r.validationCache.Get(ctx, cacheKey); err == nil && ok {
		return decodeValidationResult(cached), nil
	}

	result := r.validateSessionUncached(ctx, target)
	encoded := encodeValidationResult(result)
	if err := r.validationCache.Set(ctx, cacheKey, encoded, r.validationTTL); err != nil {
		r.log.WithError(err).Warn("[signalsession] failed to cache validation result")
	}
	return result, nil
}

func (r *Repository) validateSessionUncached(ctx context.Context, target jid.JID) ValidationResult {
	addr := protocol.NewSignalAddress(target.User, int32(target.Device))
	rec, err := r.store.LoadSession(ctx, addr)
	if err != nil {
		return ValidationResult{Exists: false, Reason: identity.KindStorageError}
	}
	if rec == nil {
		return ValidationResult{Exists: false, Reason: identity.KindNoSession}
	}
	if rec.IsFresh() {
		return ValidationResult{Exists: false, Reason: identity.KindNoOpenSession}
	}
	return ValidationResult{Exists: true}
}

// DeleteSession removes the session record at target's address with a single
// Store.DeleteSession call (not wrapped in a kv transaction) and evicts the
// validation cache entry. target arrives already decoded, so there is no
// invalid-JID path here; a store failure is returned as an error and the
// cache entry is then left in place.
func (r *Repository) DeleteSession(ctx context.Context, target jid.JID) error {
	addr := protocol.NewSignalAddress(target.User, int32(target.Device))
	if err := r.store.DeleteSession(ctx, addr); err != nil {
		return fmt.Errorf("signalsession: delete session %s: %w", target, err)
	}
	r.evictValidation(ctx, target)
	return nil
}

func (r *Repository) evictValidation(ctx context.Context, target jid.JID) {
	if err := r.validationCache.Delete(ctx, "validation:"+target.String()); err != nil {
		r.log.WithError(err).Warn("[signalsession] failed to evict validation cache entry")
	}
}

// MigrateSession performs the bulk PN→LID session migration described in
// the façade design: every device of source with an open PN session is
// relocated to the equivalent LID address inside a single transaction.
func (r *Repository) MigrateSession(ctx context.Context, source, target jid.JID) (MigrationResult, error) {
	if !source.IsAnyPN() {
		return MigrationResult{Migrated: 0, Skipped: 0, Total: 1}, nil
	}
	if !target.IsAnyLID() {
		return MigrationResult{}, nil
	}

	devices, err := r.store.GetDeviceList(ctx, source.User)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("signalsession: device list for %s: %w", source.User, err)
	}
	if len(devices) == 0 {
		return MigrationResult{}, nil
	}

	devices = unionDevice(devices, source.Device)

	type candidate struct {
		device int
		pnAddr *protocol.SignalAddress
		pnKey  string
	}
	var candidates []candidate
	for _, device := range devices {
		migrationKey := fmt.Sprintf("%s.%d", source.User, device)
		if _, ok, err := r.migrationCache.Get(ctx, migrationKey); err == nil && ok {
			continue
		}
		pnAddr := protocol.NewSignalAddress(source.User, int32(device))
		candidates = append(candidates, candidate{device: device, pnAddr: pnAddr, pnKey: signalAddressKey(pnAddr)})
	}

	total := len(candidates)
	if total == 0 {
		return MigrationResult{}, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.pnKey
	}
	sessions, err := r.kv.Get(ctx, NamespaceSession, keys)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("signalsession: batch-read sessions for %s: %w", source.User, err)
	}

	migrated := 0
	traceID := uuid.NewString()
	err = r.kv.Transaction(ctx, func(ctx context.Context) error {
		writes := make(map[string][]byte)
		var deletes []string
		var migratedKeys []string

		for _, c := range candidates {
			raw, ok := sessions[c.pnKey]
			if !ok {
				continue
			}
			rec, err := record.NewSessionFromBytes(raw, r.serializer.Session, r.serializer.State)
			if err != nil {
				return fmt.Errorf("signalsession: deserialize session %s: %w", c.pnKey, err)
			}
			if rec.IsFresh() {
				continue
			}

			deviceJID := jid.JID{User: source.User, Device: c.device, Domain: source.Domain}
			lidJID := jid.TransferDevice(deviceJID, jid.JID{User: target.User, Domain: jid.DomainLID})
			lidAddr := protocol.NewSignalAddress(lidJID.User, int32(lidJID.Device))

			writes[signalAddressKey(lidAddr)] = raw
			deletes = append(deletes, c.pnKey)
			migratedKeys = append(migratedKeys, fmt.Sprintf("%s.%d", source.User, c.device))

			r.evictValidation(ctx, deviceJID)
			r.evictValidation(ctx, lidJID)

			migrated++
		}

		if len(writes) > 0 {
			if err := r.kv.Set(ctx, NamespaceSession, writes); err != nil {
				return err
			}
		}
		if len(deletes) > 0 {
			if err := r.kv.Delete(ctx, NamespaceSession, deletes); err != nil {
				return err
			}
		}

		for _, key := range migratedKeys {
			if err := r.migrationCache.Set(ctx, key, traceID, r.migrationTTL); err != nil {
				r.log.WithField("trace_id", traceID).WithError(err).Warn("[signalsession] failed to mark migration cache entry")
			}
		}
		return nil
	})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("signalsession: migrate session for %s: %w", source.User, err)
	}

	return MigrationResult{Migrated: migrated, Skipped: total - migrated, Total: total}, nil
}

func unionDevice(devices []int, device int) []int {
	for _, d := range devices {
		if d == device {
			return devices
		}
	}
	return append(devices, device)
}

// Destroy never touches persistent state. It does not clear the validation
// or migration caches either: cache.Cache has no bulk-clear method, so their
// entries stay until their TTL expires, and the repository keeps its
// references to both caches. Callers that own a *cache.Memory directly can
// Close it to stop its sweep goroutine.
func (r *Repository) Destroy(ctx context.Context) {
	r.log.Debug("[signalsession] destroy: cache entries left to expire by TTL")
}

func encodeValidationResult(v ValidationResult) string {
	if v.Exists {
		return "1"
	}
	return "0:" + string(v.Reason)
}

func decodeValidationResult(raw string) ValidationResult {
	if raw == "1" {
		return ValidationResult{Exists: true}
	}
	if len(raw) > 2 && raw[:2] == "0:" {
		return ValidationResult{Exists: false, Reason: identity.Kind(raw[2:])}
	}
	return ValidationResult{Exists: false, Reason: identity.KindNoSession}
}
