// Package lidmapping implements the bidirectional, user-level PN↔LID
// identity index: a transactional key-value backed store fronted by a
// read-through cache and a batch directory resolver.
package lidmapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brunocgc/wsocket/identity"
	"github.com/brunocgc/wsocket/jid"
	"github.com/brunocgc/wsocket/kv"
	"github.com/brunocgc/wsocket/lidmapping/cache"
)

// Namespace is the KV namespace every mapping key lives in.
const Namespace = "lid-mapping"

const reverseSuffix = "_reverse"

func reverseKey(lidUser string) string { return lidUser + reverseSuffix }

func isReverseKey(key string) bool { return strings.HasSuffix(key, reverseSuffix) }

func cachePNKey(pnUser string) string  { return "pn:" + pnUser }
func cacheLIDKey(lidUser string) string { return "lid:" + lidUser }

// Store is the bidirectional mapping store, §4.4 of the design notes.
type Store struct {
	kv       kv.Store
	cache    cache.Cache
	resolver Resolver
	log      logrus.FieldLogger
	ttl      time.Duration
}

// NewStore builds a mapping store. ttl governs both cache directions
// (pn:<u> and lid:<u>); it defaults to one hour when zero.
func NewStore(store kv.Store, c cache.Cache, resolver Resolver, log logrus.FieldLogger, ttl time.Duration) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{kv: store, cache: c, resolver: resolver, log: log, ttl: ttl}
}

// classifyPair sorts two JIDs, in either order, into (pnUser, lidUser).
// Fails invalid-args unless exactly one side is PN/hosted-PN and the other
// LID/hosted-LID.
func classifyPair(a, b jid.JID) (pnUser, lidUser string, err error) {
	switch {
	case a.IsAnyLID() && b.IsAnyPN():
		return jid.CanonicalPN(b).User, a.User, nil
	case b.IsAnyLID() && a.IsAnyPN():
		return jid.CanonicalPN(a).User, b.User, nil
	default:
		return "", "", identity.New(identity.KindInvalidArgs, fmt.Sprintf("need one PN and one LID jid, got %q and %q", a, b))
	}
}

// Store records a single LID↔PN pair; a and b may be given in either order.
func (s *Store) Store(ctx context.Context, a, b jid.JID) StoreResult {
	pnUser, lidUser, err := classifyPair(a, b)
	if err != nil {
		return StoreResult{Success: false, Error: err}
	}

	if err := s.writePairs(ctx, []Pair{{PNUser: pnUser, LIDUser: lidUser}}); err != nil {
		return StoreResult{Success: false, Error: identity.Wrap(identity.KindStorageError, "store mapping", err)}
	}
	return StoreResult{Success: true, Mapping: &Pair{PNUser: pnUser, LIDUser: lidUser}}
}

// RawPair is a pair of JIDs in either order, as StoreBatch accepts.
type RawPair struct {
	A, B jid.JID
}

// StoreBatch stores many LID↔PN pairs in one transaction. Malformed pairs
// are logged and dropped rather than failing the whole batch; pairs whose
// mapping is already up to date are skipped.
func (s *Store) StoreBatch(ctx context.Context, raw []RawPair) ([]StoreResult, error) {
	results := make([]StoreResult, 0, len(raw))
	toWrite := make([]Pair, 0, len(raw))

	for _, rp := range raw {
		pnUser, lidUser, err := classifyPair(rp.A, rp.B)
		if err != nil {
			s.log.WithFields(logrus.Fields{"a": rp.A.String(), "b": rp.B.String()}).Warnf("lidmapping: dropping malformed pair: %v", err)
			results = append(results, StoreResult{Success: false, Error: err})
			continue
		}
		toWrite = append(toWrite, Pair{PNUser: pnUser, LIDUser: lidUser})
		results = append(results, StoreResult{Success: true, Mapping: &Pair{PNUser: pnUser, LIDUser: lidUser}})
	}

	if err := s.writePairs(ctx, toWrite); err != nil {
		return nil, identity.Wrap(identity.KindStorageError, "store batch", err)
	}
	return results, nil
}

// writePairs is the shared transactional core for Store, StoreBatch, and the
// resolver-driven persist step in GetLIDsForPNs. It skips pairs whose
// existing forward mapping already equals the new one.
func (s *Store) writePairs(ctx context.Context, pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}

	pnUsers := make([]string, len(pairs))
	for i, p := range pairs {
		pnUsers[i] = p.PNUser
	}
	existing, err := s.kv.Get(ctx, Namespace, pnUsers)
	if err != nil {
		return fmt.Errorf("read existing forward mappings: %w", err)
	}

	// staged keeps the input order, so when two pairs share a PN or a LID
	// the later one is written last and wins.
	staged := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if string(existing[p.PNUser]) == p.LIDUser {
			continue
		}
		staged = append(staged, p)
	}
	if len(staged) == 0 {
		return nil
	}

	return s.kv.Transaction(ctx, func(ctx context.Context) error {
		forward := make(map[string][]byte, len(staged))
		reverse := make(map[string][]byte, len(staged))
		for _, p := range staged {
			forward[p.PNUser] = []byte(p.LIDUser)
			reverse[reverseKey(p.LIDUser)] = []byte(p.PNUser)
		}
		if err := s.kv.Set(ctx, Namespace, forward); err != nil {
			return err
		}
		if err := s.kv.Set(ctx, Namespace, reverse); err != nil {
			return err
		}
		for _, p := range staged {
			_ = s.cache.Set(ctx, cachePNKey(p.PNUser), p.LIDUser, s.ttl)
			_ = s.cache.Set(ctx, cacheLIDKey(p.LIDUser), p.PNUser, s.ttl)
		}
		return nil
	})
}

// GetLIDForPN resolves a single PN JID. It is a thin wrapper over
// GetLIDsForPNs, the batch form being primary per the design notes.
func (s *Store) GetLIDForPN(ctx context.Context, pn jid.JID) (jid.JID, bool, error) {
	pairs, err := s.GetLIDsForPNs(ctx, []jid.JID{pn})
	if err != nil {
		return jid.JID{}, false, err
	}
	if len(pairs) == 0 {
		return jid.JID{}, false, nil
	}
	lid, err := jid.Decode(pairs[0].LIDJID)
	if err != nil {
		return jid.JID{}, false, err
	}
	return lid, true, nil
}

// Peek resolves a PN JID to its LID user against the cache and KV only,
// never invoking the directory resolver. Used by the Signal storage adapter
// to decide whether a LID-addressed session might exist without triggering
// a directory round-trip on the hot path.
func (s *Store) Peek(ctx context.Context, pn jid.JID) (lidUser string, ok bool, err error) {
	canon := jid.CanonicalPN(jid.Normalize(pn))
	pnUser := canon.User

	if lidUser, ok, err := s.cache.Get(ctx, cachePNKey(pnUser)); err != nil {
		return "", false, identity.Wrap(identity.KindStorageError, "cache lookup", err)
	} else if ok {
		return lidUser, true, nil
	}

	found, err := s.kv.Get(ctx, Namespace, []string{pnUser})
	if err != nil {
		return "", false, identity.Wrap(identity.KindStorageError, "kv lookup", err)
	}
	lidBytes, present := found[pnUser]
	if !present {
		return "", false, nil
	}
	_ = s.cache.Set(ctx, cachePNKey(pnUser), string(lidBytes), s.ttl)
	return string(lidBytes), true, nil
}

// GetLIDsForPNs resolves a batch of PN JIDs, warming the cache on hits and
// consulting the directory resolver in one batched call for anything missing
// from both cache and KV. Non-PN entries are skipped. Results are
// deduplicated; order is not significant.
func (s *Store) GetLIDsForPNs(ctx context.Context, pns []jid.JID) ([]JIDPair, error) {
	results := make(map[string]JIDPair)
	pending := make(map[string][]jid.JID) // canonical pnUser -> original query JIDs

	var kvMissKeys []string

	for _, q := range pns {
		if !q.IsAnyPN() {
			continue
		}
		canon := jid.CanonicalPN(jid.Normalize(q))
		pnUser := canon.User

		if lidUser, ok, err := s.cache.Get(ctx, cachePNKey(pnUser)); err != nil {
			return nil, identity.Wrap(identity.KindStorageError, "cache lookup", err)
		} else if ok {
			_ = s.cache.Set(ctx, cacheLIDKey(lidUser), pnUser, s.ttl)
			s.addResult(results, q, lidUser)
			continue
		}

		kvMissKeys = append(kvMissKeys, pnUser)
		pending[pnUser] = append(pending[pnUser], q)
	}

	if len(kvMissKeys) > 0 {
		found, err := s.kv.Get(ctx, Namespace, kvMissKeys)
		if err != nil {
			return nil, identity.Wrap(identity.KindStorageError, "kv lookup", err)
		}
		for pnUser, lidBytes := range found {
			lidUser := string(lidBytes)
			_ = s.cache.Set(ctx, cachePNKey(pnUser), lidUser, s.ttl)
			_ = s.cache.Set(ctx, cacheLIDKey(lidUser), pnUser, s.ttl)
			for _, q := range pending[pnUser] {
				s.addResult(results, q, lidUser)
			}
			delete(pending, pnUser)
		}
	}

	if len(pending) > 0 && s.resolver != nil {
		unresolved := make([]string, 0, len(pending))
		for pnUser := range pending {
			unresolved = append(unresolved, pnUser)
		}
		pairs, err := s.resolver.ResolvePNUsers(ctx, unresolved)
		if err != nil {
			s.log.Warnf("lidmapping: resolver error, treating as empty result: %v", err)
			pairs = nil
		}
		if len(pairs) > 0 {
			if err := s.writePairs(ctx, pairs); err != nil {
				return nil, identity.Wrap(identity.KindStorageError, "persist resolved pairs", err)
			}
			for _, p := range pairs {
				for _, q := range pending[p.PNUser] {
					s.addResult(results, q, p.LIDUser)
				}
			}
		}
	}

	out := make([]JIDPair, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	return out, nil
}

// addResult constructs the device-specific LID JID for query (whose own
// device is transferred onto the resolved lidUser) and records it, keyed by
// the query JID string for deduplication.
func (s *Store) addResult(results map[string]JIDPair, query jid.JID, lidUser string) {
	skeleton := jid.JID{User: lidUser, Domain: jid.DomainLID}
	lid := jid.TransferDevice(query, skeleton)
	results[query.String()] = JIDPair{PNJID: query.String(), LIDJID: lid.String()}
}

// GetPNForLID resolves a single LID JID back to its PN counterpart.
func (s *Store) GetPNForLID(ctx context.Context, lid jid.JID) (jid.JID, bool, error) {
	if !lid.IsAnyLID() {
		return jid.JID{}, false, identity.New(identity.KindInvalidArgs, fmt.Sprintf("not a lid jid: %q", lid))
	}
	lidUser := lid.User

	if pnUser, ok, err := s.cache.Get(ctx, cacheLIDKey(lidUser)); err != nil {
		return jid.JID{}, false, identity.Wrap(identity.KindStorageError, "cache lookup", err)
	} else if ok {
		return s.buildPN(lid, pnUser), true, nil
	}

	found, err := s.kv.Get(ctx, Namespace, []string{reverseKey(lidUser)})
	if err != nil {
		return jid.JID{}, false, identity.Wrap(identity.KindStorageError, "kv lookup", err)
	}
	pnBytes, ok := found[reverseKey(lidUser)]
	if !ok {
		return jid.JID{}, false, nil
	}
	pnUser := string(pnBytes)
	_ = s.cache.Set(ctx, cacheLIDKey(lidUser), pnUser, s.ttl)
	_ = s.cache.Set(ctx, cachePNKey(pnUser), lidUser, s.ttl)
	return s.buildPN(lid, pnUser), true, nil
}

func (s *Store) buildPN(lid jid.JID, pnUser string) jid.JID {
	skeleton := jid.JID{User: pnUser, Domain: jid.DomainPN}
	return jid.TransferDevice(lid, skeleton)
}

// Remove deletes both sides of the mapping identified by userID, which may
// be either a pn_user or a lid_user. Returns false when neither side exists.
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	found, err := s.kv.Get(ctx, Namespace, []string{userID, reverseKey(userID)})
	if err != nil {
		return false, identity.Wrap(identity.KindStorageError, "read mapping for removal", err)
	}

	var pnUser, lidUser string
	switch {
	case found[userID] != nil:
		pnUser = userID
		lidUser = string(found[userID])
	case found[reverseKey(userID)] != nil:
		lidUser = userID
		pnUser = string(found[reverseKey(userID)])
	default:
		return false, nil
	}

	err = s.kv.Transaction(ctx, func(ctx context.Context) error {
		return s.kv.Delete(ctx, Namespace, []string{pnUser, reverseKey(lidUser)})
	})
	if err != nil {
		return false, identity.Wrap(identity.KindStorageError, "remove mapping", err)
	}
	_ = s.cache.Delete(ctx, cachePNKey(pnUser))
	_ = s.cache.Delete(ctx, cacheLIDKey(lidUser))
	return true, nil
}

// Has reports whether userID appears on either side of a mapping.
func (s *Store) Has(ctx context.Context, userID string) (bool, error) {
	found, err := s.kv.Get(ctx, Namespace, []string{userID, reverseKey(userID)})
	if err != nil {
		return false, identity.Wrap(identity.KindStorageError, "has lookup", err)
	}
	return found[userID] != nil || found[reverseKey(userID)] != nil, nil
}

// StoreFromMessage infers a mapping from an inbound message header, per the
// first-match resolution rules in the design notes. participant may be nil.
func (s *Store) StoreFromMessage(ctx context.Context, msgJID jid.JID, participant *jid.JID) StoreResult {
	pnUser, lidUser, ok, err := s.inferFromMessage(ctx, msgJID, participant)
	if err != nil {
		return StoreResult{Success: false, Error: err}
	}
	if !ok {
		return StoreResult{Success: false}
	}

	if err := s.writePairs(ctx, []Pair{{PNUser: pnUser, LIDUser: lidUser}}); err != nil {
		return StoreResult{Success: false, Error: identity.Wrap(identity.KindStorageError, "store inferred mapping", err)}
	}
	return StoreResult{Success: true, Mapping: &Pair{PNUser: pnUser, LIDUser: lidUser}}
}

func (s *Store) inferFromMessage(ctx context.Context, msgJID jid.JID, participant *jid.JID) (pnUser, lidUser string, ok bool, err error) {
	switch {
	case msgJID.IsAnyLID() && participant != nil && participant.IsAnyPN():
		return jid.CanonicalPN(*participant).User, msgJID.User, true, nil
	case msgJID.IsAnyPN() && participant != nil && participant.IsAnyLID():
		return jid.CanonicalPN(msgJID).User, participant.User, true, nil
	case msgJID.IsAnyLID() && participant == nil:
		found, err := s.kv.Get(ctx, Namespace, []string{reverseKey(msgJID.User)})
		if err != nil {
			return "", "", false, identity.Wrap(identity.KindStorageError, "read reverse mapping", err)
		}
		pn, present := found[reverseKey(msgJID.User)]
		if !present {
			return "", "", false, nil
		}
		return string(pn), msgJID.User, true, nil
	case msgJID.IsAnyPN() && participant == nil:
		pnUser := jid.CanonicalPN(msgJID).User
		found, err := s.kv.Get(ctx, Namespace, []string{pnUser})
		if err != nil {
			return "", "", false, identity.Wrap(identity.KindStorageError, "read forward mapping", err)
		}
		lid, present := found[pnUser]
		if !present {
			return "", "", false, nil
		}
		return pnUser, string(lid), true, nil
	default:
		return "", "", false, nil
	}
}

// MessageHeader is one inbound message's identity hints, as accepted by
// StoreFromMessages.
type MessageHeader struct {
	JID         jid.JID
	Participant *jid.JID
}

// StoreFromMessages is the batch form of StoreFromMessage. Conflicts within
// the batch (the same PN mapped to two distinct LIDs) are logged; the last
// write for a given PN wins.
func (s *Store) StoreFromMessages(ctx context.Context, headers []MessageHeader) ([]StoreResult, error) {
	results := make([]StoreResult, len(headers))
	winners := make(map[string]string) // pnUser -> lidUser, last write wins
	pairs := make([]Pair, 0, len(headers))

	for i, h := range headers {
		pnUser, lidUser, ok, err := s.inferFromMessage(ctx, h.JID, h.Participant)
		if err != nil {
			results[i] = StoreResult{Success: false, Error: err}
			continue
		}
		if !ok {
			results[i] = StoreResult{Success: false}
			continue
		}
		if existing, seen := winners[pnUser]; seen && existing != lidUser {
			s.log.WithFields(logrus.Fields{"pn_user": pnUser, "previous_lid": existing, "new_lid": lidUser}).
				Warn("lidmapping: conflicting lid for pn within batch, last write wins")
		}
		winners[pnUser] = lidUser
		pairs = append(pairs, Pair{PNUser: pnUser, LIDUser: lidUser})
		results[i] = StoreResult{Success: true, Mapping: &Pair{PNUser: pnUser, LIDUser: lidUser}}
	}

	if err := s.writePairs(ctx, pairs); err != nil {
		return nil, identity.Wrap(identity.KindStorageError, "store batch from messages", err)
	}
	return results, nil
}

// ValidateAndRepair scans every forward mapping and restores invariant M1
// (bidirectional consistency) by rewriting any missing or mismatched reverse
// key to match the forward side. Validated counts forward mappings whose
// reverse key was already correct, Repaired the reverse keys rewritten, and
// Errors the forward keys holding an empty value.
func (s *Store) ValidateAndRepair(ctx context.Context) (RepairResult, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return RepairResult{}, identity.Wrap(identity.KindStorageError, "list mapping keys", err)
	}

	var forwardKeys []string
	for _, k := range keys {
		if !isReverseKey(k) {
			forwardKeys = append(forwardKeys, k)
		}
	}

	forward, err := s.kv.Get(ctx, Namespace, forwardKeys)
	if err != nil {
		return RepairResult{}, identity.Wrap(identity.KindStorageError, "read forward mappings", err)
	}

	result := RepairResult{}
	reverseWant := make(map[string]string) // reverseKey -> expected pnUser
	for pnUser, lidBytes := range forward {
		if len(lidBytes) == 0 {
			result.Errors++
			continue
		}
		reverseWant[reverseKey(string(lidBytes))] = pnUser
	}

	reverseCheckKeys := make([]string, 0, len(reverseWant))
	for rk := range reverseWant {
		reverseCheckKeys = append(reverseCheckKeys, rk)
	}
	existingReverse, err := s.kv.Get(ctx, Namespace, reverseCheckKeys)
	if err != nil {
		return RepairResult{}, identity.Wrap(identity.KindStorageError, "read reverse mappings", err)
	}

	repairs := make(map[string][]byte)
	for rk, wantPN := range reverseWant {
		if string(existingReverse[rk]) != wantPN {
			repairs[rk] = []byte(wantPN)
		} else {
			result.Validated++
		}
	}

	if len(repairs) > 0 {
		err := s.kv.Transaction(ctx, func(ctx context.Context) error {
			return s.kv.Set(ctx, Namespace, repairs)
		})
		if err != nil {
			return RepairResult{}, identity.Wrap(identity.KindStorageError, "commit repairs", err)
		}
		result.Repaired = len(repairs)
	}

	return result, nil
}

// Stats scans the lid-mapping namespace and reports the total number of
// forward mappings plus a small capped sample of pn_user keys.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return Stats{}, identity.Wrap(identity.KindStorageError, "list mapping keys", err)
	}

	var forwardKeys []string
	for _, k := range keys {
		if !isReverseKey(k) {
			forwardKeys = append(forwardKeys, k)
		}
	}

	sample := forwardKeys
	if len(sample) > maxStatsSample {
		sample = sample[:maxStatsSample]
	}
	return Stats{TotalMappings: len(forwardKeys), SampleUsers: sample}, nil
}
