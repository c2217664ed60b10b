package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEpochPair(t *testing.T, size leafCount) (*keyScheduleEpoch, *keyScheduleEpoch) {
	joiner := randomBytes(testSuite.Constants().SecretSize)
	context := []byte("epoch context")

	a, err := newKeyScheduleEpoch(testSuite, size, joiner, testSuite.zero(), context)
	require.NoError(t, err)
	b, err := newKeyScheduleEpoch(testSuite, size, joiner, testSuite.zero(), context)
	require.NoError(t, err)
	return a, b
}

func TestKeyScheduleDeterminism(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	require.Equal(t, a.EpochAuthenticator, b.EpochAuthenticator)
	require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)
	require.Equal(t, a.MembershipKey, b.MembershipKey)
	require.Equal(t, a.InitSecret, b.InitSecret)
	require.Equal(t, a.ExternalPriv.PublicKey, b.ExternalPriv.PublicKey)

	// Different contexts diverge.
	joiner := randomBytes(testSuite.Constants().SecretSize)
	c, err := newKeyScheduleEpoch(testSuite, 4, joiner, testSuite.zero(), []byte("ctx-1"))
	require.NoError(t, err)
	d, err := newKeyScheduleEpoch(testSuite, 4, joiner, testSuite.zero(), []byte("ctx-2"))
	require.NoError(t, err)
	require.NotEqual(t, c.EpochAuthenticator, d.EpochAuthenticator)
}

func TestKeyScheduleNext(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	commitSecret := randomBytes(testSuite.Constants().SecretSize)
	context := []byte("next context")

	an, err := a.Next(4, commitSecret, testSuite.zero(), context)
	require.NoError(t, err)
	bn, err := b.Next(4, commitSecret, testSuite.zero(), context)
	require.NoError(t, err)

	require.Equal(t, an.EpochAuthenticator, bn.EpochAuthenticator)
	require.NotEqual(t, a.EpochAuthenticator, an.EpochAuthenticator)

	// A different commit secret produces a different epoch.
	cn, err := a.Next(4, randomBytes(testSuite.Constants().SecretSize), testSuite.zero(), context)
	require.NoError(t, err)
	require.NotEqual(t, an.EpochAuthenticator, cn.EpochAuthenticator)
}

func TestRatchetSequence(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	ra, err := a.applicationRatchet(2)
	require.NoError(t, err)
	rb, err := b.applicationRatchet(2)
	require.NoError(t, err)

	// Sender and receiver walk the same chain.
	for i := 0; i < 5; i++ {
		gen, keys := ra.Next()
		require.Equal(t, uint32(i), gen)

		got, err := rb.Get(gen)
		require.NoError(t, err)
		require.Equal(t, keys.Key, got.Key)
		require.Equal(t, keys.Nonce, got.Nonce)
		rb.Erase(gen)
	}
}

func TestRatchetSendersDiffer(t *testing.T) {
	a, _ := newTestEpochPair(t, 4)

	r0, err := a.applicationRatchet(0)
	require.NoError(t, err)
	r1, err := a.applicationRatchet(1)
	require.NoError(t, err)

	_, k0 := r0.Next()
	_, k1 := r1.Next()
	require.NotEqual(t, k0.Key, k1.Key)
}

func TestRatchetHandshakeAndApplicationIndependent(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	// Both ratchets for the same sender must be obtainable, in either
	// order, and agree across instances.
	ha, err := a.handshakeRatchet(1)
	require.NoError(t, err)
	aa, err := a.applicationRatchet(1)
	require.NoError(t, err)

	ab, err := b.applicationRatchet(1)
	require.NoError(t, err)
	hb, err := b.handshakeRatchet(1)
	require.NoError(t, err)

	_, hk := ha.Next()
	_, hk2 := hb.Next()
	require.Equal(t, hk.Key, hk2.Key)

	_, ak := aa.Next()
	_, ak2 := ab.Next()
	require.Equal(t, ak.Key, ak2.Key)
	require.NotEqual(t, hk.Key, ak.Key)
}

func TestRatchetOutOfOrder(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	ra, err := a.applicationRatchet(0)
	require.NoError(t, err)
	rb, err := b.applicationRatchet(0)
	require.NoError(t, err)

	var keys []keyAndNonce
	for i := 0; i < 4; i++ {
		_, k := ra.Next()
		keys = append(keys, k)
	}

	// Deliver in reverse order, within the window.
	for i := 3; i >= 0; i-- {
		got, err := rb.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, keys[i].Key, got.Key)
		rb.Erase(uint32(i))
	}
}

func TestRatchetReplayRejected(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	ra, err := a.applicationRatchet(0)
	require.NoError(t, err)
	rb, err := b.applicationRatchet(0)
	require.NoError(t, err)

	ra.Next()
	_, err = rb.Get(0)
	require.NoError(t, err)
	rb.Erase(0)

	_, err = rb.Get(0)
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestRatchetForwardBound(t *testing.T) {
	a, _ := newTestEpochPair(t, 4)

	r, err := a.applicationRatchet(0)
	require.NoError(t, err)
	r.MaxForwardDistance = 10

	_, err = r.Get(11)
	require.ErrorIs(t, err, ErrGenerationBounds)

	_, err = r.Get(10)
	require.NoError(t, err)
}

func TestPSKSecret(t *testing.T) {
	psk := PSK{
		ID:     ExternalPSKID([]byte("psk-1"), randomBytes(32)),
		Secret: randomBytes(32),
	}

	a, err := computePSKSecret(testSuite, []PSK{psk})
	require.NoError(t, err)
	b, err := computePSKSecret(testSuite, []PSK{psk})
	require.NoError(t, err)
	require.Equal(t, a, b)

	// No PSKs means the all-zero vector.
	empty, err := computePSKSecret(testSuite, nil)
	require.NoError(t, err)
	require.Equal(t, testSuite.zero(), empty)
	require.NotEqual(t, a, empty)

	// Order matters.
	other := PSK{ID: ExternalPSKID([]byte("psk-2"), randomBytes(32)), Secret: randomBytes(32)}
	ab, err := computePSKSecret(testSuite, []PSK{psk, other})
	require.NoError(t, err)
	ba, err := computePSKSecret(testSuite, []PSK{other, psk})
	require.NoError(t, err)
	require.NotEqual(t, ab, ba)
}

func TestExport(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	x := a.Export("test label", []byte("export context"), 32)
	y := b.Export("test label", []byte("export context"), 32)
	require.Equal(t, x, y)

	require.NotEqual(t, x, a.Export("other label", []byte("export context"), 32))
	require.NotEqual(t, x, a.Export("test label", []byte("other context"), 32))
}

func TestConfirmationTag(t *testing.T) {
	a, b := newTestEpochPair(t, 4)

	transcript := randomBytes(32)
	tag := a.confirmationTag(transcript)
	require.True(t, b.verifyConfirmationTag(transcript, tag))
	require.False(t, b.verifyConfirmationTag(randomBytes(32), tag))
}

func TestWelcomeKeyAndNonce(t *testing.T) {
	secret := randomBytes(testSuite.Constants().SecretSize)
	kn := welcomeKeyAndNonce(testSuite, secret)
	require.Len(t, kn.Key, testSuite.Constants().KeySize)
	require.Len(t, kn.Nonce, testSuite.Constants().NonceSize)
}
