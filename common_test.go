package mls

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testGroupID = []byte{0x01, 0x02, 0x03, 0x04}
	testSuite   = X25519_AES128GCM_SHA256_Ed25519

	allSuites = []CipherSuite{
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
	}
)

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func randomBytes(size int) []byte {
	out := make([]byte, size)
	rand.Read(out)
	return out
}

func newTestCredential(t *testing.T, name string) (Credential, SignaturePrivateKey) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	cred := NewBasicCredential([]byte(name))
	return cred, sigPriv
}

func newTestKeyPackage(t *testing.T, name string) (*KeyPackage, *KeyPackagePrivate, SignaturePrivateKey) {
	cred, sigPriv := newTestCredential(t, name)
	kp, kpPriv, err := NewKeyPackage(testSuite, &sigPriv, cred)
	require.NoError(t, err)
	return kp, kpPriv, sigPriv
}

// setupGroup builds an n-member group the long way: the creator adds each
// member with its own commit, existing members process the commit, and
// the new member joins from the Welcome.
func setupGroup(t *testing.T, n int) []*State {
	return setupGroupWithConfig(t, n, DefaultGroupConfig())
}

func setupGroupWithConfig(t *testing.T, n int, config GroupConfig) []*State {
	cred, sigPriv := newTestCredential(t, "member-0")
	s0, err := NewEmptyGroup(testGroupID, sigPriv, cred, config)
	require.NoError(t, err)
	states := []*State{s0}

	for i := 1; i < n; i++ {
		kp, kpPriv, memberSig := newTestKeyPackage(t, fmt.Sprintf("member-%d", i))

		add, err := states[0].Add(*kp)
		require.NoError(t, err)

		result, err := states[0].CreateCommit(CommitOptions{
			ExtraProposals:       []Proposal{add},
			SkipPendingProposals: true,
		})
		require.NoError(t, err)

		for j := 1; j < len(states); j++ {
			pm, err := states[j].Handle(result.Commit)
			require.NoError(t, err)
			require.NotNil(t, pm.StagedCommit)
			states[j] = states[j].MergeStagedCommit(pm.StagedCommit)
		}
		states[0] = states[0].MergeStagedCommit(result.Staged)

		require.NotNil(t, result.Welcome)
		joined, err := NewStateFromWelcome(result.Welcome.Welcome, *kp, kpPriv, memberSig, JoinOptions{Config: config})
		require.NoError(t, err)
		states = append(states, joined)
	}

	requireAgreement(t, states)
	return states
}

// requireAgreement checks that every state converged on the same epoch
// secrets and tree.
func requireAgreement(t *testing.T, states []*State) {
	for i, s := range states[1:] {
		require.Equal(t, states[0].Epoch, s.Epoch, "epoch mismatch at member %d", i+1)
		require.Equal(t, states[0].EpochAuthenticator(), s.EpochAuthenticator(), "authenticator mismatch at member %d", i+1)
		require.Equal(t, states[0].ConfirmedTranscriptHash, s.ConfirmedTranscriptHash)
		require.True(t, states[0].Tree.Equals(*s.Tree), "tree mismatch at member %d", i+1)
	}
}

// broadcastCommit has every state except the committer process the commit
// and merge it, and the committer merge its own staged commit. Returns
// the advanced states in the same order.
func broadcastCommit(t *testing.T, states []*State, committer int, result *CommitResult) []*State {
	out := make([]*State, len(states))
	for i, s := range states {
		if i == committer {
			out[i] = s.MergeStagedCommit(result.Staged)
			continue
		}
		pm, err := s.Handle(result.Commit)
		require.NoError(t, err)
		require.NotNil(t, pm.StagedCommit)
		out[i] = s.MergeStagedCommit(pm.StagedCommit)
	}
	requireAgreement(t, out)
	return out
}
