package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageStorageRoundTrip(t *testing.T) {
	kp, kpPriv, sigPriv := newTestKeyPackage(t, "stored")

	data, err := packKeyPackage(kp, kpPriv, sigPriv)
	require.NoError(t, err)

	gotKP, gotPriv, gotSig, err := unpackKeyPackage(data)
	require.NoError(t, err)

	require.NoError(t, gotKP.Verify(false))
	require.True(t, kp.InitKey.Equals(gotKP.InitKey))
	require.Equal(t, kpPriv.InitPrivateKey.Data, gotPriv.InitPrivateKey.Data)
	require.Equal(t, kpPriv.EncryptionPrivateKey.Data, gotPriv.EncryptionPrivateKey.Data)
	require.Equal(t, sigPriv.Data, gotSig.Data)

	_, _, _, err = unpackKeyPackage([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTreeStorageRoundTrip(t *testing.T) {
	trees, _ := buildTestTrees(t, 4)
	tree := trees[1]

	restored, err := unpackTree(testSuite, packTree(tree))
	require.NoError(t, err)
	require.True(t, tree.Equals(*restored))

	// Private keys survive alongside the public nodes.
	require.Equal(t, len(tree.privateKeys), len(restored.privateKeys))
	for node, priv := range tree.privateKeys {
		got, ok := restored.privateKeys[node]
		require.True(t, ok)
		require.Equal(t, priv.Data, got.Data)
	}
}

func TestInactiveStateRoundTrip(t *testing.T) {
	states := setupGroup(t, 2)

	remove, err := states[0].Remove(1)
	require.NoError(t, err)
	result, err := states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{remove},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)

	pm, err := states[1].Handle(result.Commit)
	require.NoError(t, err)
	inactive := states[1].MergeStagedCommit(pm.StagedCommit)
	require.False(t, inactive.Active())

	data, err := inactive.MarshalBinary()
	require.NoError(t, err)
	restored, err := UnmarshalState(data)
	require.NoError(t, err)
	require.False(t, restored.Active())
	_, err = restored.Protect([]byte("x"), nil)
	require.ErrorIs(t, err, ErrGroupInactive)
}

func TestUnmarshalStateGarbage(t *testing.T) {
	_, err := UnmarshalState([]byte("not a state"))
	require.ErrorIs(t, err, ErrMalformedMessage)
}
