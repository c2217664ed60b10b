package mls

import (
	"crypto/hmac"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{dup(k.Key), dup(k.Nonce)}
}

func (k *keyAndNonce) zeroize() {
	zeroize(k.Key)
	zeroize(k.Nonce)
}

///
/// Secret tree
///

// Derives per-leaf base secrets from the epoch encryption secret. Parent
// secrets are wiped once both children exist.
type secretTree struct {
	Suite   CipherSuite
	Size    leafCount
	Secrets map[NodeIndex][]byte
}

func newSecretTree(suite CipherSuite, size leafCount, encryptionSecret []byte) *secretTree {
	return &secretTree{
		Suite: suite,
		Size:  size,
		Secrets: map[NodeIndex][]byte{
			root(size): dup(encryptionSecret),
		},
	}
}

func (st *secretTree) Get(leaf LeafIndex) ([]byte, error) {
	if uint32(leaf) >= uint32(st.Size) {
		return nil, fmt.Errorf("mls.keyschedule: leaf %d outside secret tree", leaf)
	}

	target := toNodeIndex(leaf)
	if secret, ok := st.Secrets[target]; ok {
		return secret, nil
	}

	// Walk down from the nearest ancestor we still hold.
	dp := append([]NodeIndex{target}, dirpath(target, st.Size)...)
	anchor := -1
	for i, p := range dp {
		if _, ok := st.Secrets[p]; ok {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, fmt.Errorf("mls.keyschedule: secret for leaf %d already consumed: %w", leaf, ErrReplayDetected)
	}

	size := st.Suite.Constants().SecretSize
	for i := anchor; i > 0; i-- {
		p := dp[i]
		secret := st.Secrets[p]
		st.Secrets[left(p)] = st.Suite.expandWithLabel(secret, "tree", []byte("left"), size)
		st.Secrets[right(p, st.Size)] = st.Suite.expandWithLabel(secret, "tree", []byte("right"), size)
		zeroize(secret)
		delete(st.Secrets, p)
	}

	return st.Secrets[target], nil
}

// Consume hands out the leaf secret and removes it from the tree; the
// ratchet owns it from then on.
func (st *secretTree) Consume(leaf LeafIndex) ([]byte, error) {
	secret, err := st.Get(leaf)
	if err != nil {
		return nil, err
	}
	out := dup(secret)
	zeroize(secret)
	delete(st.Secrets, toNodeIndex(leaf))
	return out, nil
}

///
/// Hash ratchets
///

// A per-sender symmetric ratchet. Keys for skipped generations are cached
// inside a bounded window so moderately reordered ciphertexts still
// decrypt; consumed generations are erased, so replays fail.
type hashRatchet struct {
	Suite          CipherSuite
	NextGeneration uint32
	Secret         []byte

	Cache map[uint32]keyAndNonce

	// 0 disables caching entirely.
	OutOfOrderWindow   uint32
	MaxForwardDistance uint32
}

const (
	defaultOutOfOrderWindow   = 5
	defaultMaxForwardDistance = 1000
)

func newHashRatchet(suite CipherSuite, baseSecret []byte, window, forward uint32) *hashRatchet {
	return &hashRatchet{
		Suite:              suite,
		NextGeneration:     0,
		Secret:             baseSecret,
		Cache:              map[uint32]keyAndNonce{},
		OutOfOrderWindow:   window,
		MaxForwardDistance: forward,
	}
}

func (hr *hashRatchet) step() keyAndNonce {
	c := hr.Suite.Constants()
	key := hr.Suite.deriveTreeSecret(hr.Secret, "key", hr.NextGeneration, c.KeySize)
	nonce := hr.Suite.deriveTreeSecret(hr.Secret, "nonce", hr.NextGeneration, c.NonceSize)
	next := hr.Suite.deriveTreeSecret(hr.Secret, "secret", hr.NextGeneration, c.SecretSize)

	zeroize(hr.Secret)
	hr.Secret = next
	hr.NextGeneration++
	return keyAndNonce{key, nonce}
}

// Next advances the ratchet for sending.
func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	generation := hr.NextGeneration
	return generation, hr.step()
}

// Get returns the key for a received generation, caching the ones skipped
// over on the way.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if generation < hr.NextGeneration {
		if key, ok := hr.Cache[generation]; ok {
			return key, nil
		}
		return keyAndNonce{}, fmt.Errorf("mls.keyschedule: generation %d already consumed: %w", generation, ErrReplayDetected)
	}

	if generation-hr.NextGeneration > hr.MaxForwardDistance {
		return keyAndNonce{}, fmt.Errorf("mls.keyschedule: generation %d too far ahead of %d: %w", generation, hr.NextGeneration, ErrGenerationBounds)
	}

	for hr.NextGeneration < generation {
		skipped := hr.NextGeneration
		hr.Cache[skipped] = hr.step()
		hr.trim()
	}
	return hr.step(), nil
}

// Erase drops a consumed generation's key.
func (hr *hashRatchet) Erase(generation uint32) {
	if key, ok := hr.Cache[generation]; ok {
		key.zeroize()
		delete(hr.Cache, generation)
	}
}

func (hr *hashRatchet) trim() {
	if hr.NextGeneration <= hr.OutOfOrderWindow {
		return
	}
	floor := hr.NextGeneration - hr.OutOfOrderWindow
	for gen, key := range hr.Cache {
		if gen < floor {
			key.zeroize()
			delete(hr.Cache, gen)
		}
	}
}

///
/// Pre-shared keys
///

// A PSK identifier together with the secret it resolves to.
type PSK struct {
	ID     PreSharedKeyID
	Secret []byte
}

// struct {
//   PreSharedKeyID id;
//   uint16 index;
//   uint16 count;
// } PSKLabel;
type pskLabel struct {
	ID    PreSharedKeyID
	Index uint16
	Count uint16
}

// Chain the injected PSKs together in order; no PSKs gives the all-zero
// secret.
func computePSKSecret(suite CipherSuite, psks []PSK) ([]byte, error) {
	size := suite.Constants().SecretSize
	secret := suite.zero()
	for i, psk := range psks {
		label, err := syntax.Marshal(pskLabel{psk.ID, uint16(i), uint16(len(psks))})
		if err != nil {
			return nil, fmt.Errorf("mls.keyschedule: psk label marshal failure: %v", err)
		}

		extracted := suite.hkdfExtract(suite.zero(), psk.Secret)
		input := suite.expandWithLabel(extracted, "derived psk", label, size)
		next := suite.hkdfExtract(input, secret)
		zeroize(extracted)
		zeroize(input)
		zeroize(secret)
		secret = next
	}
	return secret, nil
}

///
/// Epoch key schedule
///

type keyScheduleEpoch struct {
	Suite CipherSuite `tls:"omit"`

	JoinerSecret       []byte `tls:"head=1"`
	WelcomeSecret      []byte `tls:"head=1"`
	SenderDataSecret   []byte `tls:"head=1"`
	EncryptionSecret   []byte `tls:"head=1"`
	ExporterSecret     []byte `tls:"head=1"`
	ExternalSecret     []byte `tls:"head=1"`
	ConfirmationKey    []byte `tls:"head=1"`
	MembershipKey      []byte `tls:"head=1"`
	ResumptionSecret   []byte `tls:"head=1"`
	EpochAuthenticator []byte `tls:"head=1"`
	InitSecret         []byte `tls:"head=1"`

	ExternalPriv HPKEPrivateKey `tls:"omit"`

	tree               *secretTree             `tls:"omit"`
	handshakeRatchets  map[LeafIndex]*hashRatchet `tls:"omit"`
	applicationRatchets map[LeafIndex]*hashRatchet `tls:"omit"`

	outOfOrderWindow   uint32 `tls:"omit"`
	maxForwardDistance uint32 `tls:"omit"`
}

func computeJoinerSecret(suite CipherSuite, initSecretPrev, commitSecret, context []byte) []byte {
	preJoiner := suite.hkdfExtract(initSecretPrev, commitSecret)
	joiner := suite.expandWithLabel(preJoiner, "joiner", context, suite.Constants().SecretSize)
	zeroize(preJoiner)
	return joiner
}

func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	c := suite.Constants()
	return keyAndNonce{
		Key:   suite.expandWithLabel(welcomeSecret, "key", []byte{}, c.KeySize),
		Nonce: suite.expandWithLabel(welcomeSecret, "nonce", []byte{}, c.NonceSize),
	}
}

// newKeyScheduleEpoch runs the full epoch derivation from a joiner secret
// and the PSKs in effect, bound to the new epoch's group context.
func newKeyScheduleEpoch(suite CipherSuite, size leafCount, joinerSecret, pskSecret, context []byte) (*keyScheduleEpoch, error) {
	member := suite.hkdfExtract(joinerSecret, pskSecret)
	welcomeSecret := suite.deriveSecret(member, "welcome")
	epochSecret := suite.expandWithLabel(member, "epoch", context, suite.Constants().SecretSize)
	zeroize(member)

	epoch := &keyScheduleEpoch{
		Suite:              suite,
		JoinerSecret:       dup(joinerSecret),
		WelcomeSecret:      welcomeSecret,
		SenderDataSecret:   suite.deriveSecret(epochSecret, "sender data"),
		EncryptionSecret:   suite.deriveSecret(epochSecret, "encryption"),
		ExporterSecret:     suite.deriveSecret(epochSecret, "exporter"),
		ExternalSecret:     suite.deriveSecret(epochSecret, "external"),
		ConfirmationKey:    suite.deriveSecret(epochSecret, "confirm"),
		MembershipKey:      suite.deriveSecret(epochSecret, "membership"),
		ResumptionSecret:   suite.deriveSecret(epochSecret, "resumption"),
		EpochAuthenticator: suite.deriveSecret(epochSecret, "authentication"),
		InitSecret:         suite.deriveSecret(epochSecret, "init"),
	}
	zeroize(epochSecret)

	var err error
	epoch.ExternalPriv, err = suite.hpke().Derive(epoch.ExternalSecret)
	if err != nil {
		return nil, fmt.Errorf("mls.keyschedule: external key derivation failure: %v", err)
	}

	epoch.initRatchets(size, defaultOutOfOrderWindow, defaultMaxForwardDistance)
	return epoch, nil
}

// Next advances the schedule across a commit.
func (e *keyScheduleEpoch) Next(size leafCount, commitSecret, pskSecret, context []byte) (*keyScheduleEpoch, error) {
	return e.nextWithInit(e.InitSecret, size, commitSecret, pskSecret, context)
}

// External commits replace the chained init secret with one exported from
// the epoch's external key pair.
func (e *keyScheduleEpoch) nextWithInit(initSecret []byte, size leafCount, commitSecret, pskSecret, context []byte) (*keyScheduleEpoch, error) {
	joiner := computeJoinerSecret(e.Suite, initSecret, commitSecret, context)
	defer zeroize(joiner)
	next, err := newKeyScheduleEpoch(e.Suite, size, joiner, pskSecret, context)
	if err != nil {
		return nil, err
	}
	next.setRatchetBounds(e.outOfOrderWindow, e.maxForwardDistance)
	return next, nil
}

func (e *keyScheduleEpoch) initRatchets(size leafCount, window, forward uint32) {
	e.tree = newSecretTree(e.Suite, size, e.EncryptionSecret)
	e.handshakeRatchets = map[LeafIndex]*hashRatchet{}
	e.applicationRatchets = map[LeafIndex]*hashRatchet{}
	e.outOfOrderWindow = window
	e.maxForwardDistance = forward
}

func (e *keyScheduleEpoch) setRatchetBounds(window, forward uint32) {
	if window == 0 && forward == 0 {
		return
	}
	e.outOfOrderWindow = window
	e.maxForwardDistance = forward
	for _, r := range e.handshakeRatchets {
		r.OutOfOrderWindow = window
		r.MaxForwardDistance = forward
	}
	for _, r := range e.applicationRatchets {
		r.OutOfOrderWindow = window
		r.MaxForwardDistance = forward
	}
}

func (e *keyScheduleEpoch) ratchet(cache map[LeafIndex]*hashRatchet, sender LeafIndex, label string) (*hashRatchet, error) {
	if r, ok := cache[sender]; ok {
		return r, nil
	}

	leafSecret, err := e.tree.Consume(sender)
	if err != nil {
		return nil, err
	}

	base := e.Suite.expandWithLabel(leafSecret, label, []byte{}, e.Suite.Constants().SecretSize)
	var other string
	if label == "handshake" {
		other = "application"
	} else {
		other = "handshake"
	}
	otherBase := e.Suite.expandWithLabel(leafSecret, other, []byte{}, e.Suite.Constants().SecretSize)
	zeroize(leafSecret)

	r := newHashRatchet(e.Suite, base, e.outOfOrderWindow, e.maxForwardDistance)
	cache[sender] = r

	otherCache := e.applicationRatchets
	if other == "handshake" {
		otherCache = e.handshakeRatchets
	}
	otherCache[sender] = newHashRatchet(e.Suite, otherBase, e.outOfOrderWindow, e.maxForwardDistance)
	return r, nil
}

func (e *keyScheduleEpoch) handshakeRatchet(sender LeafIndex) (*hashRatchet, error) {
	return e.ratchet(e.handshakeRatchets, sender, "handshake")
}

func (e *keyScheduleEpoch) applicationRatchet(sender LeafIndex) (*hashRatchet, error) {
	return e.ratchet(e.applicationRatchets, sender, "application")
}

// Sender data protection keys are derived from a sample of the ciphertext
// so the sender's leaf and generation stay hidden from the transport.
func (e keyScheduleEpoch) senderDataKeys(sample []byte) keyAndNonce {
	c := e.Suite.Constants()
	return keyAndNonce{
		Key:   e.Suite.expandWithLabel(e.SenderDataSecret, "key", sample, c.KeySize),
		Nonce: e.Suite.expandWithLabel(e.SenderDataSecret, "nonce", sample, c.NonceSize),
	}
}

func (e keyScheduleEpoch) confirmationTag(confirmedTranscriptHash []byte) []byte {
	mac := e.Suite.newHMAC(e.ConfirmationKey)
	mac.Write(confirmedTranscriptHash)
	return mac.Sum(nil)
}

func (e keyScheduleEpoch) verifyConfirmationTag(confirmedTranscriptHash, tag []byte) bool {
	return hmac.Equal(e.confirmationTag(confirmedTranscriptHash), tag)
}

// Export derives an application secret tied to this epoch.
func (e keyScheduleEpoch) Export(label string, context []byte, size int) []byte {
	derived := e.Suite.deriveSecret(e.ExporterSecret, label)
	out := e.Suite.expandWithLabel(derived, "exported", e.Suite.Digest(context), size)
	zeroize(derived)
	return out
}

// Zeroize wipes everything this epoch derived.
func (e *keyScheduleEpoch) Zeroize() {
	for _, s := range [][]byte{
		e.JoinerSecret, e.WelcomeSecret, e.SenderDataSecret, e.EncryptionSecret,
		e.ExporterSecret, e.ExternalSecret, e.ConfirmationKey, e.MembershipKey,
		e.ResumptionSecret, e.EpochAuthenticator, e.InitSecret,
	} {
		zeroize(s)
	}
	e.ExternalPriv.Zeroize()
	if e.tree != nil {
		for _, s := range e.tree.Secrets {
			zeroize(s)
		}
	}
	for _, r := range e.handshakeRatchets {
		zeroize(r.Secret)
	}
	for _, r := range e.applicationRatchets {
		zeroize(r.Secret)
	}
}
