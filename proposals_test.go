package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestProposalTypes(t *testing.T) {
	kp, _, _ := newTestKeyPackage(t, "alice")

	cases := []struct {
		proposal Proposal
		ptype    ProposalType
		path     bool
	}{
		{Proposal{Add: &AddProposal{KeyPackage: *kp}}, ProposalTypeAdd, false},
		{Proposal{Update: &UpdateProposal{}}, ProposalTypeUpdate, true},
		{Proposal{Remove: &RemoveProposal{Removed: 2}}, ProposalTypeRemove, true},
		{Proposal{PreSharedKey: &PreSharedKeyProposal{}}, ProposalTypePreSharedKey, false},
		{Proposal{ExternalInit: &ExternalInitProposal{KEMOutput: []byte{1}}}, ProposalTypeExternalInit, true},
		{Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{}}, ProposalTypeGroupContextExtensions, true},
	}

	for _, c := range cases {
		require.Equal(t, c.ptype, c.proposal.Type())
		require.Equal(t, c.path, c.proposal.requiresPath())
	}
}

func TestProposalRef(t *testing.T) {
	kp, _, _ := newTestKeyPackage(t, "alice")
	add := Proposal{Add: &AddProposal{KeyPackage: *kp}}
	remove := Proposal{Remove: &RemoveProposal{Removed: 1}}

	refAdd, err := makeProposalRef(testSuite, add)
	require.NoError(t, err)
	refAdd2, err := makeProposalRef(testSuite, add)
	require.NoError(t, err)
	refRemove, err := makeProposalRef(testSuite, remove)
	require.NoError(t, err)

	require.True(t, refAdd.Equals(refAdd2))
	require.False(t, refAdd.Equals(refRemove))
}

func TestProposalMarshal(t *testing.T) {
	remove := Proposal{Remove: &RemoveProposal{Removed: 3}}
	enc, err := syntax.Marshal(remove)
	require.NoError(t, err)

	var out Proposal
	_, err = syntax.Unmarshal(enc, &out)
	require.NoError(t, err)
	require.NotNil(t, out.Remove)
	require.Equal(t, LeafIndex(3), out.Remove.Removed)
}

func TestCustomProposal(t *testing.T) {
	custom := Proposal{Custom: &CustomProposal{
		ProposalType: 0xf042,
		Data:         []byte("application extension"),
	}}
	require.Equal(t, ProposalType(0xf042), custom.Type())

	enc, err := syntax.Marshal(custom)
	require.NoError(t, err)

	var out Proposal
	_, err = syntax.Unmarshal(enc, &out)
	require.NoError(t, err)
	require.NotNil(t, out.Custom)
	require.Equal(t, custom.Custom.Data, out.Custom.Data)

	// Custom types below the private-use floor are rejected on decode.
	bad := Proposal{Custom: &CustomProposal{ProposalType: 0x0100, Data: []byte{}}}
	enc, err = syntax.Marshal(bad)
	require.NoError(t, err)
	_, err = syntax.Unmarshal(enc, &out)
	require.Error(t, err)
}

func TestPreSharedKeyIDMarshal(t *testing.T) {
	ext := ExternalPSKID([]byte("psk-1"), randomBytes(32))
	res := ResumptionPSKID(ResumptionPSKUsageApplication, testGroupID, 5, randomBytes(32))

	for _, id := range []PreSharedKeyID{ext, res} {
		enc, err := syntax.Marshal(id)
		require.NoError(t, err)

		var out PreSharedKeyID
		_, err = syntax.Unmarshal(enc, &out)
		require.NoError(t, err)
		require.True(t, id.Equals(out))
	}
}
