package mls

import (
	"testing"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestKeyPackageVerify(t *testing.T) {
	kp, kpPriv, _ := newTestKeyPackage(t, "alice")

	require.NoError(t, kp.Verify(false))
	require.False(t, kp.LastResort())

	// Private halves match the public keys.
	require.True(t, kpPriv.InitPrivateKey.PublicKey.Equals(kp.InitKey))
	require.True(t, kpPriv.EncryptionPrivateKey.PublicKey.Equals(kp.LeafNode.EncryptionKey))

	// Init key and leaf encryption key must differ.
	require.False(t, kp.InitKey.Equals(kp.LeafNode.EncryptionKey))
}

func TestKeyPackageTamperedSignature(t *testing.T) {
	kp, _, _ := newTestKeyPackage(t, "alice")

	kp.Signature[0] ^= 0xff
	require.Error(t, kp.Verify(false))
}

func TestKeyPackageTamperedLeaf(t *testing.T) {
	kp, _, _ := newTestKeyPackage(t, "alice")

	kp.LeafNode.Signature[0] ^= 0xff
	require.Error(t, kp.Verify(false))
}

func TestKeyPackageLifetime(t *testing.T) {
	cred, sigPriv := newTestCredential(t, "alice")
	kp, _, err := NewKeyPackageWithOptions(testSuite, &sigPriv, cred, KeyPackageOptions{
		LifetimeSeconds: 60,
	})
	require.NoError(t, err)
	require.NoError(t, kp.Verify(false))

	// Force the window into the past.
	now := uint64(time.Now().Unix())
	kp.LeafNode.Lifetime = &Lifetime{NotBefore: now - 7200, NotAfter: now - 3600}
	require.Error(t, kp.Verify(false))
	// skipLifetime bypasses the window but not the (now broken)
	// signature, so re-sign first.
	require.NoError(t, kp.LeafNode.Sign(testSuite, &sigPriv, nil, 0))
	require.NoError(t, kp.sign(&sigPriv))
	require.NoError(t, kp.Verify(true))
	require.Error(t, kp.Verify(false))
}

func TestKeyPackageLastResort(t *testing.T) {
	cred, sigPriv := newTestCredential(t, "alice")
	kp, _, err := NewKeyPackageWithOptions(testSuite, &sigPriv, cred, KeyPackageOptions{
		LastResort: true,
	})
	require.NoError(t, err)
	require.True(t, kp.LastResort())
	require.NoError(t, kp.Verify(false))
}

func TestKeyPackageRef(t *testing.T) {
	kpA, _, _ := newTestKeyPackage(t, "alice")
	kpB, _, _ := newTestKeyPackage(t, "bob")

	refA, err := kpA.Ref()
	require.NoError(t, err)
	refA2, err := kpA.Ref()
	require.NoError(t, err)
	refB, err := kpB.Ref()
	require.NoError(t, err)

	require.Equal(t, refA, refA2)
	require.NotEqual(t, refA, refB)
}

func TestKeyPackageMarshal(t *testing.T) {
	kp, _, _ := newTestKeyPackage(t, "alice")

	enc, err := syntax.Marshal(*kp)
	require.NoError(t, err)

	var out KeyPackage
	_, err = syntax.Unmarshal(enc, &out)
	require.NoError(t, err)
	require.NoError(t, out.Verify(false))

	ref, err := kp.Ref()
	require.NoError(t, err)
	outRef, err := out.Ref()
	require.NoError(t, err)
	require.Equal(t, ref, outRef)
}
