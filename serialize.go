package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// Stored snapshots avoid Go maps: every map in the runtime state flattens
// to a sorted-insertion slice of pairs for the TLS encoding.

type storedNodeKey struct {
	Node NodeIndex
	Key  HPKEPrivateKey
}

type storedTree struct {
	Nodes []OptionalNode  `tls:"head=4"`
	Privs []storedNodeKey `tls:"head=4"`
}

func packTree(t *RatchetTree) storedTree {
	out := storedTree{Nodes: t.Nodes}
	for n := NodeIndex(0); int(n) < len(t.Nodes); n++ {
		if priv, ok := t.privateKeys[n]; ok {
			out.Privs = append(out.Privs, storedNodeKey{n, priv})
		}
	}
	return out
}

func unpackTree(suite CipherSuite, st storedTree) (*RatchetTree, error) {
	tree := newRatchetTree(suite)
	tree.Nodes = st.Nodes
	for _, p := range st.Privs {
		tree.privateKeys[p.Node] = p.Key
	}
	if err := tree.validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

type storedNodeSecret struct {
	Node   NodeIndex
	Secret []byte `tls:"head=1"`
}

type storedCachedKey struct {
	Generation uint32
	Key        keyAndNonce
}

type storedRatchet struct {
	Sender         LeafIndex
	NextGeneration uint32
	Secret         []byte            `tls:"head=1"`
	Cache          []storedCachedKey `tls:"head=4"`
}

type storedKeySchedule struct {
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

	TreeSize    uint32
	TreeSecrets []storedNodeSecret `tls:"head=4"`
	Handshake   []storedRatchet    `tls:"head=4"`
	Application []storedRatchet    `tls:"head=4"`

	OutOfOrderWindow   uint32
	MaxForwardDistance uint32
}

func packRatchets(cache map[LeafIndex]*hashRatchet) []storedRatchet {
	var out []storedRatchet
	for sender, r := range cache {
		sr := storedRatchet{
			Sender:         sender,
			NextGeneration: r.NextGeneration,
			Secret:         r.Secret,
		}
		for gen, key := range r.Cache {
			sr.Cache = append(sr.Cache, storedCachedKey{gen, key})
		}
		out = append(out, sr)
	}
	return out
}

func unpackRatchets(suite CipherSuite, stored []storedRatchet, window, forward uint32) map[LeafIndex]*hashRatchet {
	out := map[LeafIndex]*hashRatchet{}
	for _, sr := range stored {
		r := newHashRatchet(suite, sr.Secret, window, forward)
		r.NextGeneration = sr.NextGeneration
		for _, ck := range sr.Cache {
			r.Cache[ck.Generation] = ck.Key
		}
		out[sr.Sender] = r
	}
	return out
}

func packKeySchedule(e *keyScheduleEpoch) storedKeySchedule {
	out := storedKeySchedule{
		JoinerSecret:       e.JoinerSecret,
		WelcomeSecret:      e.WelcomeSecret,
		SenderDataSecret:   e.SenderDataSecret,
		EncryptionSecret:   e.EncryptionSecret,
		ExporterSecret:     e.ExporterSecret,
		ExternalSecret:     e.ExternalSecret,
		ConfirmationKey:    e.ConfirmationKey,
		MembershipKey:      e.MembershipKey,
		ResumptionSecret:   e.ResumptionSecret,
		EpochAuthenticator: e.EpochAuthenticator,
		InitSecret:         e.InitSecret,
		TreeSize:           uint32(e.tree.Size),
		Handshake:          packRatchets(e.handshakeRatchets),
		Application:        packRatchets(e.applicationRatchets),
		OutOfOrderWindow:   e.outOfOrderWindow,
		MaxForwardDistance: e.maxForwardDistance,
	}
	for node, secret := range e.tree.Secrets {
		out.TreeSecrets = append(out.TreeSecrets, storedNodeSecret{node, secret})
	}
	return out
}

func unpackKeySchedule(suite CipherSuite, st storedKeySchedule) (*keyScheduleEpoch, error) {
	e := &keyScheduleEpoch{
		Suite:              suite,
		JoinerSecret:       st.JoinerSecret,
		WelcomeSecret:      st.WelcomeSecret,
		SenderDataSecret:   st.SenderDataSecret,
		EncryptionSecret:   st.EncryptionSecret,
		ExporterSecret:     st.ExporterSecret,
		ExternalSecret:     st.ExternalSecret,
		ConfirmationKey:    st.ConfirmationKey,
		MembershipKey:      st.MembershipKey,
		ResumptionSecret:   st.ResumptionSecret,
		EpochAuthenticator: st.EpochAuthenticator,
		InitSecret:         st.InitSecret,
	}

	var err error
	e.ExternalPriv, err = suite.hpke().Derive(e.ExternalSecret)
	if err != nil {
		return nil, fmt.Errorf("mls.serialize: external key derivation failure: %v", err)
	}

	e.tree = &secretTree{
		Suite:   suite,
		Size:    leafCount(st.TreeSize),
		Secrets: map[NodeIndex][]byte{},
	}
	for _, ns := range st.TreeSecrets {
		e.tree.Secrets[ns.Node] = ns.Secret
	}

	e.outOfOrderWindow = st.OutOfOrderWindow
	e.maxForwardDistance = st.MaxForwardDistance
	e.handshakeRatchets = unpackRatchets(suite, st.Handshake, st.OutOfOrderWindow, st.MaxForwardDistance)
	e.applicationRatchets = unpackRatchets(suite, st.Application, st.OutOfOrderWindow, st.MaxForwardDistance)
	return e, nil
}

type storedPendingProposal struct {
	Ref      ProposalRef
	Proposal Proposal
	Sender   LeafIndex
}

type storedPSK struct {
	ID     PreSharedKeyID
	Secret []byte `tls:"head=1"`
}

type storedResumption struct {
	Epoch  Epoch
	Secret []byte `tls:"head=1"`
}

type storedPastEpoch struct {
	Epoch Epoch
	Keys  storedKeySchedule
	Tree  storedTree
}

type storedConfig struct {
	CipherSuite             CipherSuite
	HandshakeWireFormat     WireFormat
	UseRatchetTreeExtension uint8
	AllowExternalCommit     uint8
	MaxPastEpochs           uint32
	PaddingSize             uint32
	OutOfOrderWindow        uint32
	MaxForwardDistance      uint32
	ResumptionPSKCount      uint32
}

func packConfig(c GroupConfig) storedConfig {
	flag := func(b bool) uint8 {
		if b {
			return 1
		}
		return 0
	}
	return storedConfig{
		CipherSuite:             c.CipherSuite,
		HandshakeWireFormat:     c.HandshakeWireFormat,
		UseRatchetTreeExtension: flag(c.UseRatchetTreeExtension),
		AllowExternalCommit:     flag(c.AllowExternalCommit),
		MaxPastEpochs:           c.MaxPastEpochs,
		PaddingSize:             c.PaddingSize,
		OutOfOrderWindow:        c.OutOfOrderWindow,
		MaxForwardDistance:      c.MaxForwardDistance,
		ResumptionPSKCount:      c.ResumptionPSKCount,
	}
}

func unpackConfig(st storedConfig) GroupConfig {
	return GroupConfig{
		CipherSuite:             st.CipherSuite,
		HandshakeWireFormat:     st.HandshakeWireFormat,
		UseRatchetTreeExtension: st.UseRatchetTreeExtension != 0,
		AllowExternalCommit:     st.AllowExternalCommit != 0,
		MaxPastEpochs:           st.MaxPastEpochs,
		PaddingSize:             st.PaddingSize,
		OutOfOrderWindow:        st.OutOfOrderWindow,
		MaxForwardDistance:      st.MaxForwardDistance,
		ResumptionPSKCount:      st.ResumptionPSKCount,
	}
}

type storedState struct {
	Config                  storedConfig
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    storedTree
	Extensions              ExtensionList
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Index                   LeafIndex
	IdentityPriv            SignaturePrivateKey
	Inactive                uint8

	Keys       storedKeySchedule
	Pending    []storedPendingProposal `tls:"head=4"`
	UpdateKeys []HPKEPrivateKey        `tls:"head=4"`
	External   []storedPSK             `tls:"head=4"`
	Resumption []storedResumption      `tls:"head=4"`
	Past       []storedPastEpoch       `tls:"head=4"`
}

// MarshalBinary snapshots the full group state, private keys included.
// The caller owns encryption at rest.
func (s *State) MarshalBinary() ([]byte, error) {
	st := storedState{
		Config:                  packConfig(s.config),
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		Tree:                    packTree(s.Tree),
		Extensions:              s.Extensions,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		InterimTranscriptHash:   s.InterimTranscriptHash,
		Index:                   s.Index,
		IdentityPriv:            s.identityPriv,
		UpdateKeys:              s.updateKeys,
	}
	if s.inactive {
		st.Inactive = 1
	}
	if s.keys != nil {
		st.Keys = packKeySchedule(s.keys)
	}
	for _, pp := range s.pendingProposals {
		st.Pending = append(st.Pending, storedPendingProposal{pp.Ref, pp.Proposal, pp.Sender})
	}
	for _, psk := range s.externalPSKs {
		st.External = append(st.External, storedPSK{psk.ID, psk.Secret})
	}
	for _, r := range s.resumptionPSKs {
		st.Resumption = append(st.Resumption, storedResumption{r.Epoch, r.Secret})
	}
	for _, p := range s.pastKeys {
		st.Past = append(st.Past, storedPastEpoch{
			Epoch: p.Epoch,
			Keys:  packKeySchedule(p.Keys),
			Tree:  packTree(p.Tree),
		})
	}

	out, err := syntax.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("mls.serialize: state marshal failure: %v", err)
	}
	return out, nil
}

// UnmarshalState restores a snapshot produced by MarshalBinary.
func UnmarshalState(data []byte) (*State, error) {
	var st storedState
	if _, err := syntax.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("mls.serialize: state decode failure: %w", ErrMalformedMessage)
	}

	config := unpackConfig(st.Config)
	suite := config.CipherSuite
	if !suite.Supported() {
		return nil, fmt.Errorf("mls.serialize: %w", ErrUnsupportedSuite)
	}

	tree, err := unpackTree(suite, st.Tree)
	if err != nil {
		return nil, err
	}

	s := &State{
		Suite:                   suite,
		GroupID:                 st.GroupID,
		Epoch:                   st.Epoch,
		Tree:                    tree,
		Extensions:              st.Extensions,
		ConfirmedTranscriptHash: st.ConfirmedTranscriptHash,
		InterimTranscriptHash:   st.InterimTranscriptHash,
		Index:                   st.Index,
		identityPriv:            st.IdentityPriv,
		updateKeys:              st.UpdateKeys,
		config:                  config,
		inactive:                st.Inactive != 0,
	}

	if !s.inactive {
		s.keys, err = unpackKeySchedule(suite, st.Keys)
		if err != nil {
			return nil, err
		}
	}

	for _, pp := range st.Pending {
		s.pendingProposals = append(s.pendingProposals, pendingProposal{pp.Ref, pp.Proposal, pp.Sender})
	}
	for _, psk := range st.External {
		s.externalPSKs = append(s.externalPSKs, PSK{psk.ID, psk.Secret})
	}
	for _, r := range st.Resumption {
		s.resumptionPSKs = append(s.resumptionPSKs, resumptionPSK{r.Epoch, r.Secret})
	}
	for _, p := range st.Past {
		keys, err := unpackKeySchedule(suite, p.Keys)
		if err != nil {
			return nil, err
		}
		pastTree, err := unpackTree(suite, p.Tree)
		if err != nil {
			return nil, err
		}
		s.pastKeys = append(s.pastKeys, pastEpochKeys{p.Epoch, keys, pastTree})
	}

	return s, nil
}

// Stored key packages keep the public package and its private halves
// together under the package ref.
type storedKeyPackage struct {
	KeyPackage KeyPackage
	Private    KeyPackagePrivate
	Signer     SignaturePrivateKey
}

func packKeyPackage(kp *KeyPackage, priv *KeyPackagePrivate, signer SignaturePrivateKey) ([]byte, error) {
	out, err := syntax.Marshal(storedKeyPackage{*kp, *priv, signer})
	if err != nil {
		return nil, fmt.Errorf("mls.serialize: key package marshal failure: %v", err)
	}
	return out, nil
}

func unpackKeyPackage(data []byte) (*KeyPackage, *KeyPackagePrivate, SignaturePrivateKey, error) {
	var st storedKeyPackage
	if _, err := syntax.Unmarshal(data, &st); err != nil {
		return nil, nil, SignaturePrivateKey{}, fmt.Errorf("mls.serialize: key package decode failure: %w", ErrMalformedMessage)
	}
	return &st.KeyPackage, &st.Private, st.Signer, nil
}
