package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupCreation(t *testing.T) {
	cred, sigPriv := newTestCredential(t, "alice")
	s, err := NewEmptyGroup(testGroupID, sigPriv, cred, DefaultGroupConfig())
	require.NoError(t, err)

	require.Equal(t, Epoch(0), s.Epoch)
	require.True(t, s.Active())
	require.Len(t, s.Members(), 1)
	require.Equal(t, LeafIndex(0), s.Index)
	require.True(t, cred.Equals(s.SelfCredential()))
	require.NotEmpty(t, s.EpochAuthenticator())
}

func TestGroupCreationBadConfig(t *testing.T) {
	cred, sigPriv := newTestCredential(t, "alice")
	config := DefaultGroupConfig()
	config.CipherSuite = CipherSuite(0x9999)
	_, err := NewEmptyGroup(testGroupID, sigPriv, cred, config)
	require.Error(t, err)
}

// Create a group, add members one commit at a time, and verify everyone
// agrees on the epoch secrets.
func TestAddMembersAndJoin(t *testing.T) {
	states := setupGroup(t, 4)
	require.Equal(t, Epoch(3), states[0].Epoch)
	require.Len(t, states[0].Members(), 4)

	for i, s := range states {
		require.Equal(t, LeafIndex(i), s.Index)
	}
}

func TestProtectUnprotect(t *testing.T) {
	states := setupGroup(t, 3)

	// Every member sends; every other member receives.
	for i := range states {
		pt := []byte("message from " + string(rune('0'+i)))
		msg, err := states[i].Protect(pt, []byte("aad"))
		require.NoError(t, err)

		for j := range states {
			if j == i {
				continue
			}
			pm, err := states[j].Handle(msg)
			require.NoError(t, err)
			require.Equal(t, pt, pm.ApplicationData)
			require.Equal(t, []byte("aad"), pm.AuthenticatedData)
			require.Equal(t, uint32(i), pm.Sender.Index)
		}
	}
}

func TestReplayRejected(t *testing.T) {
	states := setupGroup(t, 2)

	msg, err := states[0].Protect([]byte("once"), nil)
	require.NoError(t, err)

	_, err = states[1].Handle(msg)
	require.NoError(t, err)

	_, err = states[1].Handle(msg)
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestWrongGroupRejected(t *testing.T) {
	states := setupGroup(t, 2)

	cred, sigPriv := newTestCredential(t, "outsider")
	other, err := NewEmptyGroup([]byte("other group"), sigPriv, cred, DefaultGroupConfig())
	require.NoError(t, err)

	msg, err := other.Protect([]byte("hi"), nil)
	require.NoError(t, err)

	_, err = states[0].Handle(msg)
	require.ErrorIs(t, err, ErrGroupIDMismatch)
}

func TestRemoveMember(t *testing.T) {
	states := setupGroup(t, 3)

	remove, err := states[0].Remove(2)
	require.NoError(t, err)
	result, err := states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{remove},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)
	require.Equal(t, []LeafIndex{2}, result.Staged.Removes)

	// The removed member sees its own removal and goes inactive.
	pm, err := states[2].Handle(result.Commit)
	require.NoError(t, err)
	require.True(t, pm.StagedCommit.SelfRemoved)
	removed := states[2].MergeStagedCommit(pm.StagedCommit)
	require.False(t, removed.Active())
	_, err = removed.Protect([]byte("x"), nil)
	require.ErrorIs(t, err, ErrGroupInactive)

	// The survivors carry on and the removed member's leaf is blank.
	states = broadcastCommit(t, states[:2], 0, result)
	require.Len(t, states[0].Members(), 2)

	msg, err := states[0].Protect([]byte("still here"), nil)
	require.NoError(t, err)
	got, err := states[1].Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), got.ApplicationData)
}

func TestUpdateProposalFlow(t *testing.T) {
	states := setupGroup(t, 3)

	// Member 1 proposes its own update; member 0 commits it.
	update, err := states[1].Update()
	require.NoError(t, err)
	proposalMsg, err := states[1].Propose(update)
	require.NoError(t, err)

	for _, i := range []int{0, 2} {
		pm, err := states[i].Handle(proposalMsg)
		require.NoError(t, err)
		require.NotNil(t, pm.ProposalRef)
	}

	oldKey := states[0].Tree.LeafNodeAt(1).EncryptionKey
	result, err := states[0].CreateCommit(CommitOptions{})
	require.NoError(t, err)
	require.Equal(t, []LeafIndex{1}, result.Staged.Updates)

	states = broadcastCommit(t, states, 0, result)

	// The leaf key rotated and the updater can still decrypt.
	require.False(t, oldKey.Equals(states[0].Tree.LeafNodeAt(1).EncryptionKey))
	msg, err := states[2].Protect([]byte("post update"), nil)
	require.NoError(t, err)
	got, err := states[1].Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("post update"), got.ApplicationData)
}

func TestEmptyCommitRotatesKeys(t *testing.T) {
	states := setupGroup(t, 3)
	before := append([]byte{}, states[0].EpochAuthenticator()...)

	result, err := states[1].CreateCommit(CommitOptions{})
	require.NoError(t, err)
	states = broadcastCommit(t, states, 1, result)

	require.NotEqual(t, before, states[0].EpochAuthenticator())
}

func TestCommitReferencesUnknownProposal(t *testing.T) {
	states := setupGroup(t, 3)

	// Member 0 proposes an update that only member 1 receives. Member 1
	// commits it by reference; member 2 never saw the proposal and must
	// reject the commit.
	update, err := states[0].Update()
	require.NoError(t, err)
	proposalMsg, err := states[0].Propose(update)
	require.NoError(t, err)

	_, err = states[1].Handle(proposalMsg)
	require.NoError(t, err)

	result, err := states[1].CreateCommit(CommitOptions{})
	require.NoError(t, err)

	_, err = states[2].Handle(result.Commit)
	require.ErrorIs(t, err, ErrInvalidCommit)
}

func TestCommitDuplicateUpdateRejected(t *testing.T) {
	states := setupGroup(t, 2)

	for i := 0; i < 2; i++ {
		update, err := states[1].Update()
		require.NoError(t, err)
		proposalMsg, err := states[1].Propose(update)
		require.NoError(t, err)
		_, err = states[0].Handle(proposalMsg)
		require.NoError(t, err)
	}

	_, err := states[0].CreateCommit(CommitOptions{})
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestCommitCannotRemoveSelf(t *testing.T) {
	states := setupGroup(t, 2)

	remove, err := states[0].Remove(0)
	require.NoError(t, err)
	_, err = states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{remove},
		SkipPendingProposals: true,
	})
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestGroupContextExtensionsCommit(t *testing.T) {
	states := setupGroup(t, 2)

	exts := ExtensionList{}
	require.NoError(t, exts.Add(ApplicationIDExtension{ID: []byte("app-1")}))

	gce, err := states[0].GroupContextExtensions(exts)
	require.NoError(t, err)
	result, err := states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{gce},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)

	states = broadcastCommit(t, states, 0, result)
	for _, s := range states {
		require.True(t, s.Extensions.Has(ExtensionTypeApplicationID))
	}
}

func TestExternalPSKCommit(t *testing.T) {
	states := setupGroup(t, 2)

	secret := randomBytes(32)
	states[0].SetExternalPSK([]byte("shared-psk"), secret)
	states[1].SetExternalPSK([]byte("shared-psk"), secret)

	psk, err := states[0].PreSharedKey(ExternalPSKID([]byte("shared-psk"), randomBytes(32)))
	require.NoError(t, err)
	result, err := states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{psk},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)

	states = broadcastCommit(t, states, 0, result)
}

func TestExternalPSKUnknownRejected(t *testing.T) {
	states := setupGroup(t, 2)

	secret := randomBytes(32)
	states[0].SetExternalPSK([]byte("shared-psk"), secret)
	// states[1] does not have the PSK.

	psk, err := states[0].PreSharedKey(ExternalPSKID([]byte("shared-psk"), randomBytes(32)))
	require.NoError(t, err)
	result, err := states[0].CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{psk},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)

	_, err = states[1].Handle(result.Commit)
	require.ErrorIs(t, err, ErrUnknownPSK)
}

func TestExporter(t *testing.T) {
	states := setupGroup(t, 3)

	var first []byte
	for _, s := range states {
		out, err := s.ExportSecret("test export", []byte("ctx"), 32)
		require.NoError(t, err)
		if first == nil {
			first = out
			continue
		}
		require.Equal(t, first, out)
	}

	other, err := states[0].ExportSecret("other label", []byte("ctx"), 32)
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestExternalCommitJoin(t *testing.T) {
	states := setupGroup(t, 2)

	giMsg, err := states[0].ExportGroupInfo()
	require.NoError(t, err)

	kp, _, sigPriv := newTestKeyPackage(t, "joiner")
	joined, commitMsg, err := NewStateFromExternalCommit(giMsg.GroupInfo, *kp, sigPriv, ExternalJoinOptions{})
	require.NoError(t, err)

	// Existing members process the external commit.
	for i := range states {
		pm, err := states[i].Handle(commitMsg)
		require.NoError(t, err)
		require.NotNil(t, pm.StagedCommit)
		require.Len(t, pm.StagedCommit.Adds, 1)
		states[i] = states[i].MergeStagedCommit(pm.StagedCommit)
	}

	all := append(states, joined)
	requireAgreement(t, all)

	// Traffic flows in both directions.
	msg, err := joined.Protect([]byte("hello from outside"), nil)
	require.NoError(t, err)
	got, err := states[0].Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello from outside"), got.ApplicationData)

	msg, err = states[1].Protect([]byte("welcome in"), nil)
	require.NoError(t, err)
	got, err = joined.Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("welcome in"), got.ApplicationData)
}

func TestExternalCommitResync(t *testing.T) {
	states := setupGroup(t, 2)

	giMsg, err := states[0].ExportGroupInfo()
	require.NoError(t, err)

	// Member 1 rejoins with a fresh key package under the same identity.
	cred := states[1].SelfCredential()
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	kp, _, err := NewKeyPackage(testSuite, &sigPriv, cred)
	require.NoError(t, err)

	rejoined, commitMsg, err := NewStateFromExternalCommit(giMsg.GroupInfo, *kp, sigPriv, ExternalJoinOptions{
		RemovePrior: true,
	})
	require.NoError(t, err)

	pm, err := states[0].Handle(commitMsg)
	require.NoError(t, err)
	require.Equal(t, []LeafIndex{1}, pm.StagedCommit.Removes)
	states[0] = states[0].MergeStagedCommit(pm.StagedCommit)

	requireAgreement(t, []*State{states[0], rejoined})
}

func TestSelfUpdateForwardSecrecy(t *testing.T) {
	states := setupGroup(t, 2)

	// Capture the old epoch's ciphertext, then rotate.
	oldMsg, err := states[0].Protect([]byte("old epoch"), nil)
	require.NoError(t, err)

	result, err := states[0].CreateCommit(CommitOptions{ForcePath: true, SkipPendingProposals: true})
	require.NoError(t, err)
	states = broadcastCommit(t, states, 0, result)

	// With no retention configured, the old epoch's keys are gone.
	_, err = states[1].Handle(oldMsg)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestPastEpochRetention(t *testing.T) {
	config := DefaultGroupConfig()
	config.MaxPastEpochs = 2
	states := setupGroupWithConfig(t, 2, config)

	oldMsg, err := states[0].Protect([]byte("late delivery"), nil)
	require.NoError(t, err)

	result, err := states[1].CreateCommit(CommitOptions{})
	require.NoError(t, err)
	states = broadcastCommit(t, states, 1, result)

	// The message from the previous epoch still decrypts.
	pm, err := states[1].Handle(oldMsg)
	require.NoError(t, err)
	require.Equal(t, []byte("late delivery"), pm.ApplicationData)
}

func TestResumptionPSK(t *testing.T) {
	config := DefaultGroupConfig()
	config.ResumptionPSKCount = 4
	states := setupGroupWithConfig(t, 2, config)

	epoch := states[0].Epoch
	result, err := states[0].CreateCommit(CommitOptions{})
	require.NoError(t, err)
	states = broadcastCommit(t, states, 0, result)

	a, err := states[0].ResumptionPSKSecret(epoch)
	require.NoError(t, err)
	b, err := states[1].ResumptionPSKSecret(epoch)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = states[0].ResumptionPSKSecret(epoch + 100)
	require.Error(t, err)
}

func TestSignerRotationCommit(t *testing.T) {
	states := setupGroup(t, 2)

	newSig, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	newCred := NewBasicCredential([]byte("member-0-rotated"))

	oldKey := states[0].Tree.LeafNodeAt(0).SignatureKey

	result, err := states[0].CreateCommit(CommitOptions{
		SkipPendingProposals: true,
		NewSigner:            &newSig,
		NewCredential:        &newCred,
	})
	require.NoError(t, err)
	states = broadcastCommit(t, states, 0, result)

	leaf := states[1].Tree.LeafNodeAt(0)
	require.False(t, oldKey.Equals(leaf.SignatureKey))
	require.True(t, newSig.PublicKey.Equals(leaf.SignatureKey))
	require.True(t, newCred.Equals(leaf.Credential))

	// The rotated member can still send.
	msg, err := states[0].Protect([]byte("new signer"), nil)
	require.NoError(t, err)
	got, err := states[1].Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("new signer"), got.ApplicationData)
}

func TestWelcomeJoinWithExportedTree(t *testing.T) {
	config := DefaultGroupConfig()
	config.UseRatchetTreeExtension = false
	states := setupGroupTreeless(t, config)
	requireAgreement(t, states)
}

// setupGroupTreeless expands a group where the Welcome omits the tree and
// joiners receive it out of band.
func setupGroupTreeless(t *testing.T, config GroupConfig) []*State {
	cred, sigPriv := newTestCredential(t, "member-0")
	s0, err := NewEmptyGroup(testGroupID, sigPriv, cred, config)
	require.NoError(t, err)

	kp, kpPriv, memberSig := newTestKeyPackage(t, "member-1")
	add, err := s0.Add(*kp)
	require.NoError(t, err)
	result, err := s0.CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{add},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)
	s0 = s0.MergeStagedCommit(result.Staged)

	// Without the tree the join must fail.
	_, err = NewStateFromWelcome(result.Welcome.Welcome, *kp, kpPriv, memberSig, JoinOptions{Config: config})
	require.Error(t, err)

	joined, err := NewStateFromWelcome(result.Welcome.Welcome, *kp, kpPriv, memberSig, JoinOptions{
		RatchetTree: s0.ExportRatchetTree(),
		Config:      config,
	})
	require.NoError(t, err)
	return []*State{s0, joined}
}

func TestInspectWelcome(t *testing.T) {
	cred, sigPriv := newTestCredential(t, "member-0")
	s0, err := NewEmptyGroup(testGroupID, sigPriv, cred, DefaultGroupConfig())
	require.NoError(t, err)

	kp, kpPriv, _ := newTestKeyPackage(t, "member-1")
	add, err := s0.Add(*kp)
	require.NoError(t, err)
	result, err := s0.CreateCommit(CommitOptions{
		ExtraProposals:       []Proposal{add},
		SkipPendingProposals: true,
	})
	require.NoError(t, err)

	gi, err := InspectWelcome(result.Welcome.Welcome, *kp, kpPriv, nil)
	require.NoError(t, err)
	require.Equal(t, testGroupID, gi.GroupContext.GroupID)
	require.Equal(t, Epoch(1), gi.GroupContext.Epoch)
}

func TestPendingProposalManagement(t *testing.T) {
	states := setupGroup(t, 2)

	update, err := states[0].Update()
	require.NoError(t, err)
	_, err = states[0].Propose(update)
	require.NoError(t, err)

	refs := states[0].PendingProposals()
	require.Len(t, refs, 1)

	require.NoError(t, states[0].RemovePendingProposal(refs[0]))
	require.Empty(t, states[0].PendingProposals())
	require.ErrorIs(t, states[0].RemovePendingProposal(refs[0]), ErrNotFound)
}

func TestStateSerializeRoundTrip(t *testing.T) {
	states := setupGroup(t, 3)

	data, err := states[1].MarshalBinary()
	require.NoError(t, err)

	restored, err := UnmarshalState(data)
	require.NoError(t, err)
	require.Equal(t, states[1].Epoch, restored.Epoch)
	require.Equal(t, states[1].Index, restored.Index)
	require.Equal(t, states[1].EpochAuthenticator(), restored.EpochAuthenticator())

	// The restored state exchanges traffic and follows commits.
	msg, err := restored.Protect([]byte("from restored"), nil)
	require.NoError(t, err)
	got, err := states[0].Handle(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("from restored"), got.ApplicationData)

	result, err := states[0].CreateCommit(CommitOptions{})
	require.NoError(t, err)
	pm, err := restored.Handle(result.Commit)
	require.NoError(t, err)
	restored = restored.MergeStagedCommit(pm.StagedCommit)

	states[0] = states[0].MergeStagedCommit(result.Staged)
	pm2, err := states[2].Handle(result.Commit)
	require.NoError(t, err)
	states[2] = states[2].MergeStagedCommit(pm2.StagedCommit)

	requireAgreement(t, []*State{states[0], restored, states[2]})
}
