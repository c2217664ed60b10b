package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// struct {
//   ProtocolVersion version;
//   CipherSuite cipher_suite;
//   opaque group_id<V>;
//   uint64 epoch;
//   opaque tree_hash<V>;
//   opaque confirmed_transcript_hash<V>;
//   Extension extensions<V>;
// } GroupContext;
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

// Member is a read-only view of an occupied leaf.
type Member struct {
	Index         LeafIndex
	Credential    Credential
	SignatureKey  SignaturePublicKey
	EncryptionKey HPKEPublicKey
}

type resumptionPSK struct {
	Epoch  Epoch
	Secret []byte
}

type pastEpochKeys struct {
	Epoch Epoch
	Keys  *keyScheduleEpoch
	Tree  *RatchetTree
}

// State is one member's view of a group at one epoch. All mutating
// operations return a fresh State or a StagedCommit; the receiver is
// never modified in place.
type State struct {
	Suite   CipherSuite
	GroupID []byte
	Epoch   Epoch
	Tree    *RatchetTree

	// Group context extensions in force this epoch.
	Extensions ExtensionList

	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte

	Index        LeafIndex
	identityPriv SignaturePrivateKey
	keys         *keyScheduleEpoch

	pendingProposals []pendingProposal
	updateKeys       []HPKEPrivateKey

	externalPSKs   []PSK
	resumptionPSKs []resumptionPSK
	pastKeys       []pastEpochKeys

	config GroupConfig

	// Set once we have been removed or the group was reinitialized away.
	inactive bool
}

func (s *State) Context() GroupContext {
	treeHash, err := s.Tree.RootHash()
	if err != nil {
		panic(fmt.Errorf("mls.state: tree hash failure: %v", err))
	}
	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             s.Suite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		Extensions:              s.Extensions,
	}
}

func (s *State) contextBytes() []byte {
	ctx := s.Context()
	enc, err := syntax.Marshal(ctx)
	if err != nil {
		panic(fmt.Errorf("mls.state: group context marshal failure: %v", err))
	}
	return enc
}

func (s *State) Config() GroupConfig {
	return s.config
}

func (s *State) Active() bool {
	return !s.inactive
}

func (s *State) checkActive() error {
	if s.inactive {
		return fmt.Errorf("mls.state: %w", ErrGroupInactive)
	}
	return nil
}

func (s *State) Members() []Member {
	var out []Member
	for _, i := range s.Tree.Leaves() {
		leaf := s.Tree.LeafNodeAt(i)
		out = append(out, Member{
			Index:         i,
			Credential:    leaf.Credential,
			SignatureKey:  leaf.SignatureKey,
			EncryptionKey: leaf.EncryptionKey,
		})
	}
	return out
}

func (s *State) SelfCredential() Credential {
	return s.Tree.LeafNodeAt(s.Index).Credential
}

// EpochAuthenticator is a per-epoch value two members can compare out of
// band to confirm they agree on the group state.
func (s *State) EpochAuthenticator() []byte {
	return dup(s.keys.EpochAuthenticator)
}

// ExportSecret derives an application secret bound to this epoch.
func (s *State) ExportSecret(label string, context []byte, size int) ([]byte, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	return s.keys.Export(label, context, size), nil
}

// ResumptionPSKSecret returns the resumption secret for the given epoch,
// current or retained past.
func (s *State) ResumptionPSKSecret(epoch Epoch) ([]byte, error) {
	if epoch == s.Epoch {
		return dup(s.keys.ResumptionSecret), nil
	}
	for _, r := range s.resumptionPSKs {
		if r.Epoch == epoch {
			return dup(r.Secret), nil
		}
	}
	return nil, fmt.Errorf("mls.state: no resumption secret for epoch %d: %w", epoch, ErrUnknownPSK)
}

// SetExternalPSK registers an out-of-band PSK for use in proposals.
func (s *State) SetExternalPSK(id, secret []byte) {
	for i := range s.externalPSKs {
		if s.externalPSKs[i].ID.Type == PSKTypeExternal && bytes.Equal(s.externalPSKs[i].ID.PSKID, id) {
			s.externalPSKs[i].Secret = dup(secret)
			return
		}
	}
	s.externalPSKs = append(s.externalPSKs, PSK{
		ID:     PreSharedKeyID{Type: PSKTypeExternal, PSKID: dup(id)},
		Secret: dup(secret),
	})
}

///
/// Group creation
///

// NewEmptyGroup creates a one-member group at epoch 0.
func NewEmptyGroup(groupID []byte, sigPriv SignaturePrivateKey, cred Credential, config GroupConfig) (*State, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("mls.state: invalid group config: %w", err)
	}
	suite := config.CipherSuite

	kp, kpPriv, err := NewKeyPackage(suite, &sigPriv, cred)
	if err != nil {
		return nil, err
	}
	kpPriv.InitPrivateKey.Zeroize()

	tree := newRatchetTree(suite)
	index := tree.AddLeaf(kp.LeafNode)
	if err = tree.MergeLeafPrivate(index, kpPriv.EncryptionPrivateKey); err != nil {
		return nil, err
	}

	s := &State{
		Suite:                   suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    tree,
		Extensions:              ExtensionList{},
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		Index:                   index,
		identityPriv:            sigPriv,
		config:                  config,
	}

	ctx := s.contextBytes()
	initSecret := randomBytesOrPanic(suite.Constants().SecretSize)
	joiner := computeJoinerSecret(suite, initSecret, suite.zero(), ctx)
	zeroize(initSecret)

	s.keys, err = newKeyScheduleEpoch(suite, 1, joiner, suite.zero(), ctx)
	zeroize(joiner)
	if err != nil {
		return nil, err
	}
	s.keys.setRatchetBounds(config.OutOfOrderWindow, config.MaxForwardDistance)

	return s, nil
}

///
/// Joining from a Welcome
///

type JoinOptions struct {
	// The public tree, when the Welcome's GroupInfo does not carry a
	// ratchet_tree extension.
	RatchetTree *RatchetTree

	// PSKs needed to satisfy psks listed in the Welcome.
	PSKs []PSK

	Config GroupConfig
}

// InspectWelcome decrypts a Welcome's GroupInfo without constructing a
// group, so a client can vet membership before joining.
func InspectWelcome(welcome *Welcome, kp KeyPackage, kpPriv *KeyPackagePrivate, psks []PSK) (*GroupInfo, error) {
	gs, err := welcome.decryptSecrets(kp, kpPriv.InitPrivateKey)
	if err != nil {
		return nil, err
	}

	resolved, err := resolveStandalonePSKs(gs.PSKs, psks)
	if err != nil {
		return nil, err
	}
	pskSecret, err := computePSKSecret(welcome.CipherSuite, resolved)
	if err != nil {
		return nil, err
	}

	member := welcome.CipherSuite.hkdfExtract(gs.JoinerSecret, pskSecret)
	welcomeSecret := welcome.CipherSuite.deriveSecret(member, "welcome")
	zeroize(member)
	zeroize(pskSecret)

	gi, err := welcome.decryptGroupInfo(welcomeSecret)
	zeroize(welcomeSecret)
	return gi, err
}

func resolveStandalonePSKs(ids []PreSharedKeyID, available []PSK) ([]PSK, error) {
	out := make([]PSK, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, psk := range available {
			if psk.ID.Type == id.Type && bytes.Equal(psk.ID.PSKID, id.PSKID) &&
				bytes.Equal(psk.ID.GroupID, id.GroupID) && psk.ID.Epoch == id.Epoch {
				out = append(out, PSK{ID: id, Secret: psk.Secret})
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("mls.state: %w", ErrUnknownPSK)
		}
	}
	return out, nil
}

// NewStateFromWelcome joins a group from a Welcome addressed to the given
// key package.
func NewStateFromWelcome(welcome *Welcome, kp KeyPackage, kpPriv *KeyPackagePrivate, sigPriv SignaturePrivateKey, opts JoinOptions) (*State, error) {
	suite := welcome.CipherSuite
	if !suite.Supported() {
		return nil, fmt.Errorf("mls.state: %w", ErrUnsupportedSuite)
	}

	gs, err := welcome.decryptSecrets(kp, kpPriv.InitPrivateKey)
	if err != nil {
		return nil, err
	}
	defer zeroize(gs.JoinerSecret)

	resolved, err := resolveStandalonePSKs(gs.PSKs, opts.PSKs)
	if err != nil {
		return nil, err
	}
	pskSecret, err := computePSKSecret(suite, resolved)
	if err != nil {
		return nil, err
	}
	defer zeroize(pskSecret)

	member := suite.hkdfExtract(gs.JoinerSecret, pskSecret)
	welcomeSecret := suite.deriveSecret(member, "welcome")
	zeroize(member)
	gi, err := welcome.decryptGroupInfo(welcomeSecret)
	zeroize(welcomeSecret)
	if err != nil {
		return nil, err
	}

	if gi.GroupContext.CipherSuite != suite {
		return nil, fmt.Errorf("mls.state: group info suite mismatch: %w", ErrUnsupportedSuite)
	}

	tree, err := gi.ratchetTree(suite)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		tree = opts.RatchetTree
	}
	if tree == nil {
		return nil, fmt.Errorf("mls.state: no ratchet tree available: %w", ErrMalformedMessage)
	}
	tree = tree.Clone()
	tree.Suite = suite
	if err = tree.validate(); err != nil {
		return nil, err
	}

	treeHash, err := tree.RootHash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(treeHash, gi.GroupContext.TreeHash) {
		return nil, fmt.Errorf("mls.state: %w", ErrTreeHashMismatch)
	}

	signerLeaf := tree.LeafNodeAt(gi.Signer)
	if signerLeaf == nil {
		return nil, fmt.Errorf("mls.state: group info signer %d is blank: %w", gi.Signer, ErrMalformedMessage)
	}
	if err = gi.verify(suite, &signerLeaf.SignatureKey); err != nil {
		return nil, err
	}

	index, ok := tree.Find(kp.LeafNode.SignatureKey)
	if !ok {
		return nil, fmt.Errorf("mls.state: own leaf not in tree: %w", ErrWelcomeDecryption)
	}
	if err = tree.MergeLeafPrivate(index, kpPriv.EncryptionPrivateKey); err != nil {
		return nil, err
	}

	if gs.PathSecret != nil {
		if err = tree.Implant(ancestor(index, gi.Signer), gs.PathSecret.Secret); err != nil {
			return nil, err
		}
	}

	config := opts.Config
	if config.CipherSuite == 0 {
		config = DefaultGroupConfig()
	}
	config.CipherSuite = suite

	s := &State{
		Suite:                   suite,
		GroupID:                 gi.GroupContext.GroupID,
		Epoch:                   gi.GroupContext.Epoch,
		Tree:                    tree,
		Extensions:              gi.GroupContext.Extensions,
		ConfirmedTranscriptHash: gi.GroupContext.ConfirmedTranscriptHash,
		Index:                   index,
		identityPriv:            sigPriv,
		externalPSKs:            opts.PSKs,
		config:                  config,
	}

	ctx := s.contextBytes()
	s.keys, err = newKeyScheduleEpoch(suite, tree.Size(), gs.JoinerSecret, pskSecret, ctx)
	if err != nil {
		return nil, err
	}
	s.keys.setRatchetBounds(config.OutOfOrderWindow, config.MaxForwardDistance)

	if !s.keys.verifyConfirmationTag(s.ConfirmedTranscriptHash, gi.ConfirmationTag) {
		return nil, fmt.Errorf("mls.state: bad confirmation tag in group info: %w", ErrWelcomeDecryption)
	}
	s.InterimTranscriptHash = interimTranscript(suite, s.ConfirmedTranscriptHash, gi.ConfirmationTag)

	return s, nil
}

///
/// Transcript hashes
///

type interimTranscriptInput struct {
	ConfirmationTag []byte `tls:"head=1"`
}

func interimTranscript(suite CipherSuite, confirmed, confirmationTag []byte) []byte {
	in, err := syntax.Marshal(interimTranscriptInput{confirmationTag})
	if err != nil {
		panic(fmt.Errorf("mls.state: transcript marshal failure: %v", err))
	}
	return suite.Digest(append(dup(confirmed), in...))
}

func confirmedTranscript(suite CipherSuite, interim []byte, ac AuthenticatedContent) ([]byte, error) {
	in, err := ac.confirmedTranscriptInput()
	if err != nil {
		return nil, fmt.Errorf("mls.state: transcript marshal failure: %v", err)
	}
	return suite.Digest(append(dup(interim), in...)), nil
}

///
/// Proposal construction
///

// Add proposes adding the holder of a key package.
func (s *State) Add(kp KeyPackage) (Proposal, error) {
	if err := s.checkActive(); err != nil {
		return Proposal{}, err
	}
	if kp.CipherSuite != s.Suite {
		return Proposal{}, fmt.Errorf("mls.state: key package suite mismatch: %w", ErrInvalidProposal)
	}
	if err := kp.Verify(false); err != nil {
		return Proposal{}, err
	}
	if _, ok := s.Tree.Find(kp.LeafNode.SignatureKey); ok {
		return Proposal{}, fmt.Errorf("mls.state: key package signer already a member: %w", ErrInvalidProposal)
	}
	return Proposal{Add: &AddProposal{KeyPackage: kp}}, nil
}

// Update proposes replacing our own leaf with a fresh encryption key. The
// private half is retained so the leaf stays usable once another member
// commits the proposal.
func (s *State) Update() (Proposal, error) {
	return s.UpdateWithSigner(&s.identityPriv, nil)
}

// UpdateWithSigner additionally rotates the signature key and, if cred is
// non-nil, the credential.
func (s *State) UpdateWithSigner(sigPriv *SignaturePrivateKey, cred *Credential) (Proposal, error) {
	if err := s.checkActive(); err != nil {
		return Proposal{}, err
	}

	encPriv, err := s.Suite.hpke().Generate()
	if err != nil {
		return Proposal{}, fmt.Errorf("mls.state: leaf key generation failure: %v", err)
	}

	leaf := s.Tree.LeafNodeAt(s.Index).Clone()
	leaf.EncryptionKey = encPriv.PublicKey
	leaf.SignatureKey = sigPriv.PublicKey
	if cred != nil {
		leaf.Credential = *cred
	}
	leaf.Source = LeafNodeSourceUpdate
	leaf.Lifetime = nil
	leaf.ParentHash = []byte{}
	if err = leaf.Sign(s.Suite, sigPriv, s.GroupID, s.Index); err != nil {
		return Proposal{}, err
	}

	s.updateKeys = append(s.updateKeys, encPriv)
	return Proposal{Update: &UpdateProposal{LeafNode: leaf}}, nil
}

// Remove proposes evicting the member at the given leaf.
func (s *State) Remove(target LeafIndex) (Proposal, error) {
	if err := s.checkActive(); err != nil {
		return Proposal{}, err
	}
	if !s.Tree.occupied(target) {
		return Proposal{}, fmt.Errorf("mls.state: remove of blank leaf %d: %w", target, ErrInvalidProposal)
	}
	return Proposal{Remove: &RemoveProposal{Removed: target}}, nil
}

// PreSharedKey proposes injecting a PSK into the next epoch.
func (s *State) PreSharedKey(id PreSharedKeyID) (Proposal, error) {
	if err := s.checkActive(); err != nil {
		return Proposal{}, err
	}
	if _, err := s.resolvePSKs([]PreSharedKeyID{id}); err != nil {
		return Proposal{}, err
	}
	return Proposal{PreSharedKey: &PreSharedKeyProposal{PSK: id}}, nil
}

// GroupContextExtensions proposes replacing the group context extensions.
func (s *State) GroupContextExtensions(exts ExtensionList) (Proposal, error) {
	if err := s.checkActive(); err != nil {
		return Proposal{}, err
	}
	return Proposal{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: exts}}, nil
}

// Propose frames, signs, and caches a proposal for a later commit.
func (s *State) Propose(p Proposal) (*MLSMessage, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}

	content := FramedContent{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            MemberSender(s.Index),
		AuthenticatedData: []byte{},
		Proposal:          &p,
	}

	msg, err := s.frameHandshake(content)
	if err != nil {
		return nil, err
	}

	ref, err := makeProposalRef(s.Suite, p)
	if err != nil {
		return nil, err
	}
	s.pendingProposals = append(s.pendingProposals, pendingProposal{
		Ref:      ref,
		Proposal: p,
		Sender:   s.Index,
	})
	return msg, nil
}

// PendingProposals lists the refs queued for the next commit.
func (s *State) PendingProposals() []ProposalRef {
	out := make([]ProposalRef, len(s.pendingProposals))
	for i, pp := range s.pendingProposals {
		out[i] = pp.Ref
	}
	return out
}

// RemovePendingProposal withdraws a queued proposal before it is
// committed.
func (s *State) RemovePendingProposal(ref ProposalRef) error {
	for i, pp := range s.pendingProposals {
		if pp.Ref.Equals(ref) {
			s.pendingProposals = append(s.pendingProposals[:i], s.pendingProposals[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("mls.state: unknown proposal ref: %w", ErrNotFound)
}

func (s *State) ClearPendingProposals() {
	s.pendingProposals = nil
}

func (s *State) frameHandshake(content FramedContent) (*MLSMessage, error) {
	ctx := s.Context()
	ac, err := signContentTBS(s.Suite, &s.identityPriv, s.config.HandshakeWireFormat, content, &ctx)
	if err != nil {
		return nil, err
	}
	return s.frameAuthenticated(ac)
}

func (s *State) frameAuthenticated(ac AuthenticatedContent) (*MLSMessage, error) {
	switch ac.WireFormat {
	case WireFormatPublicMessage:
		ctx := s.Context()
		pm, err := newPublicMessage(s.Suite, ac, s.keys.MembershipKey, &ctx)
		if err != nil {
			return nil, err
		}
		return &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}, nil

	case WireFormatPrivateMessage:
		pm, err := encryptPrivateMessage(s.Suite, s.keys, ac, s.Index, int(s.config.PaddingSize))
		if err != nil {
			return nil, err
		}
		return &MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: pm}, nil
	}
	return nil, fmt.Errorf("mls.state: invalid wire format %v", ac.WireFormat)
}

///
/// Application messages
///

// Protect encrypts an application message to the group.
func (s *State) Protect(pt, aad []byte) (*MLSMessage, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	if aad == nil {
		aad = []byte{}
	}

	content := FramedContent{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            MemberSender(s.Index),
		AuthenticatedData: aad,
		Application:       pt,
	}
	if content.Application == nil {
		content.Application = []byte{}
	}

	ctx := s.Context()
	ac, err := signContentTBS(s.Suite, &s.identityPriv, WireFormatPrivateMessage, content, &ctx)
	if err != nil {
		return nil, err
	}

	pm, err := encryptPrivateMessage(s.Suite, s.keys, ac, s.Index, int(s.config.PaddingSize))
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: pm}, nil
}

///
/// Message processing
///

// ProcessedMessage is the outcome of handling one incoming message.
// Exactly one of ApplicationData, Proposal, or StagedCommit is set.
type ProcessedMessage struct {
	GroupID           []byte
	Epoch             Epoch
	Sender            *Sender
	AuthenticatedData []byte

	ApplicationData []byte
	Proposal        *Proposal
	ProposalRef     *ProposalRef
	StagedCommit    *StagedCommit
}

// Handle authenticates and decodes an incoming group message. Proposals
// are queued; commits come back staged for the caller to merge.
func (s *State) Handle(msg *MLSMessage) (*ProcessedMessage, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}

	var ac AuthenticatedContent
	var err error
	switch {
	case msg.PublicMessage != nil:
		pm := msg.PublicMessage
		if !bytes.Equal(pm.Content.GroupID, s.GroupID) {
			return nil, fmt.Errorf("mls.state: %w", ErrGroupIDMismatch)
		}
		if pm.Content.ContentType() == ContentTypeApplication {
			return nil, fmt.Errorf("mls.state: application data in public message: %w", ErrMalformedMessage)
		}
		if pm.Content.Epoch != s.Epoch {
			return nil, fmt.Errorf("mls.state: message epoch %d != %d: %w", pm.Content.Epoch, s.Epoch, ErrEpochMismatch)
		}
		ctx := s.Context()
		ac, err = pm.authenticatedContent(s.Suite, s.keys.MembershipKey, &ctx)
		if err != nil {
			return nil, err
		}

	case msg.PrivateMessage != nil:
		pm := msg.PrivateMessage
		if !bytes.Equal(pm.GroupID, s.GroupID) {
			return nil, fmt.Errorf("mls.state: %w", ErrGroupIDMismatch)
		}
		if pm.Epoch != s.Epoch {
			// Application traffic from retained past epochs still
			// decrypts; handshake must be current.
			if pm.ContentType != ContentTypeApplication {
				return nil, fmt.Errorf("mls.state: message epoch %d != %d: %w", pm.Epoch, s.Epoch, ErrEpochMismatch)
			}
			return s.handlePastEpoch(*pm)
		}
		ac, err = decryptPrivateMessage(s.Suite, s.keys, s.Tree.Size(), *pm)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("mls.state: not a group message: %w", ErrMalformedMessage)
	}

	if err = s.verifyContentSignature(s.Tree, ac); err != nil {
		return nil, err
	}

	out := &ProcessedMessage{
		GroupID:           ac.Content.GroupID,
		Epoch:             ac.Content.Epoch,
		AuthenticatedData: ac.Content.AuthenticatedData,
	}
	sender := ac.Content.Sender
	out.Sender = &sender

	switch ac.Content.ContentType() {
	case ContentTypeApplication:
		if sender.SenderType != SenderTypeMember {
			return nil, fmt.Errorf("mls.state: application data from non-member: %w", ErrMalformedMessage)
		}
		out.ApplicationData = ac.Content.Application

	case ContentTypeProposal:
		if sender.SenderType != SenderTypeMember {
			return nil, fmt.Errorf("mls.state: proposal sender type %d unsupported: %w", sender.SenderType, ErrMalformedMessage)
		}
		ref, err := makeProposalRef(s.Suite, *ac.Content.Proposal)
		if err != nil {
			return nil, err
		}
		if sender.Index != uint32(s.Index) {
			// Our own proposals are cached at Propose time.
			s.pendingProposals = append(s.pendingProposals, pendingProposal{
				Ref:      ref,
				Proposal: *ac.Content.Proposal,
				Sender:   LeafIndex(sender.Index),
			})
		}
		out.Proposal = ac.Content.Proposal
		out.ProposalRef = &ref

	case ContentTypeCommit:
		staged, err := s.handleCommit(ac)
		if err != nil {
			return nil, err
		}
		out.StagedCommit = staged
	}

	return out, nil
}

func (s *State) verifyContentSignature(tree *RatchetTree, ac AuthenticatedContent) error {
	var sigPub *SignaturePublicKey
	switch ac.Content.Sender.SenderType {
	case SenderTypeMember:
		leaf := tree.LeafNodeAt(LeafIndex(ac.Content.Sender.Index))
		if leaf == nil {
			return fmt.Errorf("mls.state: message from blank leaf %d: %w", ac.Content.Sender.Index, ErrMalformedMessage)
		}
		sigPub = &leaf.SignatureKey

	case SenderTypeNewMemberCommit:
		if ac.Content.Commit == nil || ac.Content.Commit.Path == nil {
			return fmt.Errorf("mls.state: new member commit without path: %w", ErrInvalidCommit)
		}
		sigPub = &ac.Content.Commit.Path.LeafNode.SignatureKey

	default:
		return fmt.Errorf("mls.state: sender type %d unsupported: %w", ac.Content.Sender.SenderType, ErrMalformedMessage)
	}

	var ctx *GroupContext
	switch ac.Content.Sender.SenderType {
	case SenderTypeMember, SenderTypeNewMemberCommit:
		c := s.Context()
		ctx = &c
	}
	return ac.verify(s.Suite, sigPub, ctx)
}

func (s *State) handlePastEpoch(pm PrivateMessage) (*ProcessedMessage, error) {
	for _, past := range s.pastKeys {
		if past.Epoch != pm.Epoch {
			continue
		}

		ac, err := decryptPrivateMessage(s.Suite, past.Keys, past.Tree.Size(), pm)
		if err != nil {
			return nil, err
		}

		// The sender must have held a leaf in that epoch's tree. The
		// signature itself was bound to a context we no longer retain,
		// so the AEAD authentication carries the rest.
		leaf := past.Tree.LeafNodeAt(LeafIndex(ac.Content.Sender.Index))
		if leaf == nil {
			return nil, fmt.Errorf("mls.state: message from blank leaf: %w", ErrMalformedMessage)
		}
		sender := ac.Content.Sender
		return &ProcessedMessage{
			GroupID:           ac.Content.GroupID,
			Epoch:             ac.Content.Epoch,
			Sender:            &sender,
			AuthenticatedData: ac.Content.AuthenticatedData,
			ApplicationData:   ac.Content.Application,
		}, nil
	}
	return nil, fmt.Errorf("mls.state: epoch %d outside retention window: %w", pm.Epoch, ErrEpochMismatch)
}

///
/// Commit processing
///

// StagedCommit is an inspected but unmerged commit. Nothing changes until
// the caller merges it.
type StagedCommit struct {
	Sender      *Sender
	NewEpoch    Epoch
	Adds        []Member
	Removes     []LeafIndex
	Updates     []LeafIndex
	PSKs        []PreSharedKeyID
	SelfRemoved bool
	ReInit      *ReInitProposal

	next *State
}

type proposalWithSender struct {
	Proposal Proposal
	Sender   LeafIndex
	IsRef    bool
}

type proposalEffects struct {
	joiners     []Member
	joinerKPs   []KeyPackage
	removes     []LeafIndex
	updates     []LeafIndex
	psks        []PreSharedKeyID
	selfRemoved bool
	extensions  *ExtensionList
	externalInit *ExternalInitProposal
	reinit      *ReInitProposal
	pathRequired bool
}

func (s *State) resolveCommitProposals(commit *Commit, committer *LeafIndex) ([]proposalWithSender, error) {
	var out []proposalWithSender
	for _, por := range commit.Proposals {
		switch {
		case por.Proposal != nil:
			sender := LeafIndex(0)
			if committer != nil {
				sender = *committer
			}
			out = append(out, proposalWithSender{Proposal: *por.Proposal, Sender: sender})

		case por.Reference != nil:
			found := false
			for _, pp := range s.pendingProposals {
				if pp.Ref.Equals(*por.Reference) {
					out = append(out, proposalWithSender{Proposal: pp.Proposal, Sender: pp.Sender, IsRef: true})
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("mls.state: commit references unknown proposal: %w", ErrInvalidCommit)
			}

		default:
			return nil, fmt.Errorf("mls.state: empty ProposalOrRef: %w", ErrMalformedMessage)
		}
	}
	return out, nil
}

// applyProposals validates the proposal list and applies it to the tree,
// in the fixed order updates, removes, adds.
func (s *State) applyProposals(tree *RatchetTree, proposals []proposalWithSender, committer *LeafIndex, external bool) (*proposalEffects, error) {
	fx := &proposalEffects{}

	for _, pws := range proposals {
		switch pws.Proposal.Type() {
		case ProposalTypeReInit:
			fx.reinit = pws.Proposal.ReInit
			if len(proposals) != 1 {
				return nil, fmt.Errorf("mls.state: reinit must be the only proposal: %w", ErrInvalidProposal)
			}
		case ProposalTypeExternalInit:
			if !external || fx.externalInit != nil {
				return nil, fmt.Errorf("mls.state: unexpected external init: %w", ErrInvalidProposal)
			}
			fx.externalInit = pws.Proposal.ExternalInit
		}
	}
	if external && fx.externalInit == nil {
		return nil, fmt.Errorf("mls.state: external commit without external init: %w", ErrInvalidCommit)
	}

	// Updates
	updated := map[LeafIndex]bool{}
	for _, pws := range proposals {
		if pws.Proposal.Update == nil {
			continue
		}
		if committer != nil && pws.Sender == *committer {
			return nil, fmt.Errorf("mls.state: committer cannot commit own update: %w", ErrInvalidProposal)
		}
		if updated[pws.Sender] {
			return nil, fmt.Errorf("mls.state: multiple updates for leaf %d: %w", pws.Sender, ErrInvalidProposal)
		}
		updated[pws.Sender] = true
		if !tree.occupied(pws.Sender) {
			return nil, fmt.Errorf("mls.state: update for blank leaf %d: %w", pws.Sender, ErrInvalidProposal)
		}

		leaf := pws.Proposal.Update.LeafNode
		if leaf.Source != LeafNodeSourceUpdate {
			return nil, fmt.Errorf("mls.state: update leaf has source %d: %w", leaf.Source, ErrInvalidProposal)
		}
		if err := leaf.Verify(s.Suite, s.GroupID, pws.Sender); err != nil {
			return nil, err
		}

		tree.UpdateLeaf(pws.Sender, leaf)
		fx.updates = append(fx.updates, pws.Sender)

		if pws.Sender == s.Index {
			if err := s.mergeOwnUpdateKey(tree, leaf); err != nil {
				return nil, err
			}
		}
	}

	// Removes
	for _, pws := range proposals {
		if pws.Proposal.Remove == nil {
			continue
		}
		target := pws.Proposal.Remove.Removed
		if !tree.occupied(target) {
			return nil, fmt.Errorf("mls.state: remove of blank leaf %d: %w", target, ErrInvalidProposal)
		}
		tree.BlankPath(target)
		fx.removes = append(fx.removes, target)
		if target == s.Index {
			fx.selfRemoved = true
		}
	}

	// Adds
	for _, pws := range proposals {
		if pws.Proposal.Add == nil {
			continue
		}
		kp := pws.Proposal.Add.KeyPackage
		if kp.CipherSuite != s.Suite {
			return nil, fmt.Errorf("mls.state: key package suite mismatch: %w", ErrInvalidProposal)
		}
		if err := kp.Verify(false); err != nil {
			return nil, err
		}
		if _, ok := tree.Find(kp.LeafNode.SignatureKey); ok {
			return nil, fmt.Errorf("mls.state: add of existing member: %w", ErrInvalidProposal)
		}

		index := tree.AddLeaf(kp.LeafNode)
		fx.joiners = append(fx.joiners, Member{
			Index:         index,
			Credential:    kp.LeafNode.Credential,
			SignatureKey:  kp.LeafNode.SignatureKey,
			EncryptionKey: kp.LeafNode.EncryptionKey,
		})
		fx.joinerKPs = append(fx.joinerKPs, kp)
	}

	// PSKs and group context extensions
	for _, pws := range proposals {
		switch {
		case pws.Proposal.PreSharedKey != nil:
			fx.psks = append(fx.psks, pws.Proposal.PreSharedKey.PSK)
		case pws.Proposal.GroupContextExtensions != nil:
			exts := pws.Proposal.GroupContextExtensions.Extensions.Clone()
			fx.extensions = &exts
		}

		if pws.Proposal.requiresPath() {
			fx.pathRequired = true
		}
	}

	return fx, nil
}

func (s *State) mergeOwnUpdateKey(tree *RatchetTree, leaf LeafNode) error {
	for _, priv := range s.updateKeys {
		if priv.PublicKey.Equals(leaf.EncryptionKey) {
			return tree.MergeLeafPrivate(s.Index, priv)
		}
	}
	return fmt.Errorf("mls.state: update to own leaf with unknown key: %w", ErrInvalidProposal)
}

func (s *State) resolvePSKs(ids []PreSharedKeyID) ([]PSK, error) {
	out := make([]PSK, 0, len(ids))
	for _, id := range ids {
		switch id.Type {
		case PSKTypeExternal:
			found := false
			for _, psk := range s.externalPSKs {
				if bytes.Equal(psk.ID.PSKID, id.PSKID) {
					out = append(out, PSK{ID: id, Secret: psk.Secret})
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("mls.state: %w", ErrUnknownPSK)
			}

		case PSKTypeResumption:
			if !bytes.Equal(id.GroupID, s.GroupID) {
				return nil, fmt.Errorf("mls.state: resumption psk for other group: %w", ErrUnknownPSK)
			}
			secret, err := s.ResumptionPSKSecret(id.Epoch)
			if err != nil {
				return nil, err
			}
			out = append(out, PSK{ID: id, Secret: secret})

		default:
			return nil, fmt.Errorf("mls.state: %w", ErrUnknownPSK)
		}
	}
	return out, nil
}

func (s *State) handleCommit(ac AuthenticatedContent) (*StagedCommit, error) {
	commit := ac.Content.Commit
	sender := ac.Content.Sender

	external := sender.SenderType == SenderTypeNewMemberCommit
	var committer *LeafIndex
	if sender.SenderType == SenderTypeMember {
		idx := LeafIndex(sender.Index)
		if idx == s.Index {
			return nil, fmt.Errorf("mls.state: cannot handle own commit, merge the staged one: %w", ErrInvalidCommit)
		}
		committer = &idx
	}

	proposals, err := s.resolveCommitProposals(commit, committer)
	if err != nil {
		return nil, err
	}

	tree := s.Tree.Clone()
	fx, err := s.applyProposals(tree, proposals, committer, external)
	if err != nil {
		return nil, err
	}

	staged := &StagedCommit{
		Sender:      &sender,
		NewEpoch:    s.Epoch + 1,
		Adds:        fx.joiners,
		Removes:     fx.removes,
		Updates:     fx.updates,
		PSKs:        fx.psks,
		SelfRemoved: fx.selfRemoved,
		ReInit:      fx.reinit,
	}

	if fx.selfRemoved {
		// We cannot follow the group into the next epoch; merging this
		// produces an inactive state.
		next := &State{
			Suite:    s.Suite,
			GroupID:  s.GroupID,
			Epoch:    s.Epoch + 1,
			Tree:     tree,
			Index:    s.Index,
			config:   s.config,
			inactive: true,
		}
		staged.next = next
		return staged, nil
	}

	if s.Epoch == maxEpoch {
		return nil, fmt.Errorf("mls.state: %w", ErrEpochOverflow)
	}

	// Path application
	pathContext := s.contextBytes()
	var commitSecret []byte
	switch {
	case external:
		if commit.Path == nil {
			return nil, fmt.Errorf("mls.state: external commit without path: %w", ErrInvalidCommit)
		}
		joinerIndex := tree.AddLeaf(commit.Path.LeafNode)
		var exclude []LeafIndex
		for _, j := range fx.joiners {
			exclude = append(exclude, j.Index)
		}
		commitSecret, err = tree.Decap(joinerIndex, s.Index, pathContext, *commit.Path, exclude)
		if err != nil {
			return nil, err
		}
		staged.Adds = append(staged.Adds, Member{
			Index:         joinerIndex,
			Credential:    commit.Path.LeafNode.Credential,
			SignatureKey:  commit.Path.LeafNode.SignatureKey,
			EncryptionKey: commit.Path.LeafNode.EncryptionKey,
		})

	case commit.Path != nil:
		if commit.Path.LeafNode.Source != LeafNodeSourceCommit {
			return nil, fmt.Errorf("mls.state: commit leaf has source %d: %w", commit.Path.LeafNode.Source, ErrInvalidCommit)
		}
		if err = commit.Path.LeafNode.Verify(s.Suite, s.GroupID, *committer); err != nil {
			return nil, err
		}
		var exclude []LeafIndex
		for _, j := range fx.joiners {
			exclude = append(exclude, j.Index)
		}
		commitSecret, err = tree.Decap(*committer, s.Index, pathContext, *commit.Path, exclude)
		if err != nil {
			return nil, err
		}

	default:
		if fx.pathRequired || len(proposals) == 0 {
			return nil, fmt.Errorf("mls.state: commit requires a path: %w", ErrInvalidCommit)
		}
		commitSecret = s.Suite.zero()
	}

	// Next epoch state
	next := s.successor(tree, fx)

	confirmed, err := confirmedTranscript(s.Suite, s.InterimTranscriptHash, ac)
	if err != nil {
		return nil, err
	}
	next.ConfirmedTranscriptHash = confirmed

	resolvedPSKs, err := s.resolvePSKs(fx.psks)
	if err != nil {
		return nil, err
	}
	pskSecret, err := computePSKSecret(s.Suite, resolvedPSKs)
	if err != nil {
		return nil, err
	}
	defer zeroize(pskSecret)

	nextCtx := next.contextBytes()
	if external {
		initSecret, err := s.Suite.hpke().ExportR(s.keys.ExternalPriv, fx.externalInit.KEMOutput, nil, "MLS 1.0 external init secret", s.Suite.Constants().SecretSize)
		if err != nil {
			return nil, fmt.Errorf("mls.state: external init recovery failure: %v", err)
		}
		next.keys, err = s.keys.nextWithInit(initSecret, tree.Size(), commitSecret, pskSecret, nextCtx)
		zeroize(initSecret)
		if err != nil {
			return nil, err
		}
	} else {
		next.keys, err = s.keys.Next(tree.Size(), commitSecret, pskSecret, nextCtx)
		if err != nil {
			return nil, err
		}
	}
	zeroize(commitSecret)

	if !next.keys.verifyConfirmationTag(confirmed, ac.Auth.ConfirmationTag) {
		return nil, fmt.Errorf("mls.state: bad confirmation tag: %w", ErrInvalidCommit)
	}
	next.InterimTranscriptHash = interimTranscript(s.Suite, confirmed, ac.Auth.ConfirmationTag)

	staged.next = next
	return staged, nil
}

func (s *State) successor(tree *RatchetTree, fx *proposalEffects) *State {
	next := &State{
		Suite:                 s.Suite,
		GroupID:               s.GroupID,
		Epoch:                 s.Epoch + 1,
		Tree:                  tree,
		Extensions:            s.Extensions,
		InterimTranscriptHash: nil,
		Index:                 s.Index,
		identityPriv:          s.identityPriv,
		externalPSKs:          s.externalPSKs,
		resumptionPSKs:        s.resumptionPSKs,
		pastKeys:              s.pastKeys,
		config:                s.config,
	}
	if fx.extensions != nil {
		next.Extensions = *fx.extensions
	}
	if fx.reinit != nil {
		next.inactive = true
	}
	return next
}

// MergeStagedCommit advances to the staged commit's epoch, retiring this
// epoch's keys into the retention window.
func (s *State) MergeStagedCommit(staged *StagedCommit) *State {
	next := staged.next

	if next.inactive {
		return next
	}

	// Retain old epochs for late application traffic, within the
	// configured window; everything older is wiped.
	if s.config.MaxPastEpochs > 0 && s.keys != nil {
		next.pastKeys = append(append([]pastEpochKeys{}, s.pastKeys...), pastEpochKeys{
			Epoch: s.Epoch,
			Keys:  s.keys,
			Tree:  s.Tree,
		})
		for len(next.pastKeys) > int(s.config.MaxPastEpochs) {
			next.pastKeys[0].Keys.Zeroize()
			next.pastKeys = next.pastKeys[1:]
		}
	} else if s.keys != nil {
		s.keys.Zeroize()
	}

	// Resumption secret history.
	if s.config.ResumptionPSKCount > 0 {
		next.resumptionPSKs = append(append([]resumptionPSK{}, s.resumptionPSKs...), resumptionPSK{
			Epoch:  next.Epoch,
			Secret: dup(next.keys.ResumptionSecret),
		})
		for len(next.resumptionPSKs) > int(s.config.ResumptionPSKCount) {
			zeroize(next.resumptionPSKs[0].Secret)
			next.resumptionPSKs = next.resumptionPSKs[1:]
		}
	}

	return next
}

///
/// Commit creation
///

type CommitOptions struct {
	// Proposals to include inline, on top of the queued ones.
	ExtraProposals []Proposal

	// Include the queued proposals by reference. Defaults to true via
	// CreateCommit; set false for a proposal-free forced rekey.
	SkipPendingProposals bool

	// Send a fresh UpdatePath even when no proposal demands one.
	ForcePath bool

	// Produce a signed GroupInfo alongside the commit, for publishing to
	// external joiners.
	CreateGroupInfo bool

	// Rotate our signature key as part of the commit. The commit itself
	// is still signed with the current key, since that is what the other
	// members have in their trees; the new leaf carries the new key.
	NewSigner     *SignaturePrivateKey
	NewCredential *Credential
}

// CommitResult carries everything a commit produces: the commit message
// for the group, a Welcome for any added members, an optional GroupInfo,
// and the staged next state.
type CommitResult struct {
	Commit    *MLSMessage
	Welcome   *MLSMessage
	GroupInfo *MLSMessage
	Staged    *StagedCommit
}

// CreateCommit builds a commit over the queued and extra proposals.
func (s *State) CreateCommit(opts CommitOptions) (*CommitResult, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	if s.Epoch == maxEpoch {
		return nil, fmt.Errorf("mls.state: %w", ErrEpochOverflow)
	}

	commit := &Commit{Proposals: []ProposalOrRef{}}
	var proposals []proposalWithSender
	if !opts.SkipPendingProposals {
		for _, pp := range s.pendingProposals {
			ref := pp.Ref
			commit.Proposals = append(commit.Proposals, ProposalOrRef{Reference: &ref})
			proposals = append(proposals, proposalWithSender{Proposal: pp.Proposal, Sender: pp.Sender, IsRef: true})
		}
	}
	for i := range opts.ExtraProposals {
		p := opts.ExtraProposals[i]
		commit.Proposals = append(commit.Proposals, ProposalOrRef{Proposal: &p})
		proposals = append(proposals, proposalWithSender{Proposal: p, Sender: s.Index})
	}

	tree := s.Tree.Clone()
	fx, err := s.applyProposals(tree, proposals, &s.Index, false)
	if err != nil {
		return nil, err
	}
	if fx.selfRemoved {
		return nil, fmt.Errorf("mls.state: commit would remove ourselves: %w", ErrInvalidProposal)
	}

	// An empty commit is a rekey and always carries a path. A signature
	// key rotation needs one too, since the new key rides in the path's
	// leaf node.
	needPath := fx.pathRequired || opts.ForcePath || len(proposals) == 0 || opts.NewSigner != nil

	leafSigner := &s.identityPriv
	if opts.NewSigner != nil {
		leafSigner = opts.NewSigner
		leaf := tree.LeafNodeAt(s.Index)
		if leaf == nil {
			return nil, fmt.Errorf("mls.state: own leaf missing: %w", ErrTreeIntegrity)
		}
		leaf.SignatureKey = opts.NewSigner.PublicKey
		if opts.NewCredential != nil {
			leaf.Credential = *opts.NewCredential
		}
	}

	pathContext := s.contextBytes()
	var commitSecret []byte
	var pathSecrets map[NodeIndex][]byte
	if needPath {
		var exclude []LeafIndex
		for _, j := range fx.joiners {
			exclude = append(exclude, j.Index)
		}
		leafSecret := randomBytesOrPanic(s.Suite.Constants().SecretSize)
		var path *UpdatePath
		path, pathSecrets, commitSecret, err = tree.Encap(s.Index, s.GroupID, pathContext, leafSecret, leafSigner, exclude)
		zeroize(leafSecret)
		if err != nil {
			return nil, err
		}
		commit.Path = path
	} else {
		commitSecret = s.Suite.zero()
	}

	// Sign the commit content against the current epoch.
	content := FramedContent{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            MemberSender(s.Index),
		AuthenticatedData: []byte{},
		Commit:            commit,
	}
	ctx := s.Context()
	ac, err := signContentTBS(s.Suite, &s.identityPriv, s.config.HandshakeWireFormat, content, &ctx)
	if err != nil {
		return nil, err
	}

	// Advance to the next epoch.
	next := s.successor(tree, fx)
	next.pendingProposals = nil
	if opts.NewSigner != nil {
		next.identityPriv = *opts.NewSigner
	}

	confirmed, err := confirmedTranscript(s.Suite, s.InterimTranscriptHash, ac)
	if err != nil {
		return nil, err
	}
	next.ConfirmedTranscriptHash = confirmed

	resolvedPSKs, err := s.resolvePSKs(fx.psks)
	if err != nil {
		return nil, err
	}
	pskSecret, err := computePSKSecret(s.Suite, resolvedPSKs)
	if err != nil {
		return nil, err
	}
	defer zeroize(pskSecret)

	nextCtx := next.contextBytes()
	next.keys, err = s.keys.Next(tree.Size(), commitSecret, pskSecret, nextCtx)
	zeroize(commitSecret)
	if err != nil {
		return nil, err
	}

	ac.Auth.ConfirmationTag = next.keys.confirmationTag(confirmed)
	next.InterimTranscriptHash = interimTranscript(s.Suite, confirmed, ac.Auth.ConfirmationTag)

	commitMsg, err := s.frameAuthenticated(ac)
	if err != nil {
		return nil, err
	}

	result := &CommitResult{
		Commit: commitMsg,
		Staged: &StagedCommit{
			Sender:   &ac.Content.Sender,
			NewEpoch: next.Epoch,
			Adds:     fx.joiners,
			Removes:  fx.removes,
			Updates:  fx.updates,
			PSKs:     fx.psks,
			next:     next,
		},
	}

	// Welcome for the added members.
	if len(fx.joinerKPs) > 0 {
		welcome, err := next.buildWelcome(fx, pathSecrets, commit.Path != nil)
		if err != nil {
			return nil, err
		}
		result.Welcome = &MLSMessage{Version: ProtocolVersionMLS10, Welcome: welcome}
	}

	if opts.CreateGroupInfo {
		gi, err := next.groupInfo(true)
		if err != nil {
			return nil, err
		}
		result.GroupInfo = &MLSMessage{Version: ProtocolVersionMLS10, GroupInfo: gi}
	}

	return result, nil
}

func (s *State) groupInfo(includeTree bool) (*GroupInfo, error) {
	gi := &GroupInfo{
		GroupContext:    s.Context(),
		Extensions:      ExtensionList{},
		ConfirmationTag: s.keys.confirmationTag(s.ConfirmedTranscriptHash),
	}

	if includeTree && s.config.UseRatchetTreeExtension {
		if err := gi.Extensions.Add(RatchetTreeExtension{Tree: *s.Tree}); err != nil {
			return nil, fmt.Errorf("mls.state: ratchet tree extension failure: %v", err)
		}
	}
	if s.config.AllowExternalCommit {
		if err := gi.Extensions.Add(ExternalPubExtension{ExternalPub: s.keys.ExternalPriv.PublicKey}); err != nil {
			return nil, fmt.Errorf("mls.state: external pub extension failure: %v", err)
		}
	}

	if err := gi.sign(s.Suite, s.Index, &s.identityPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

// ExportGroupInfo publishes a signed GroupInfo for the current epoch.
func (s *State) ExportGroupInfo() (*MLSMessage, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	gi, err := s.groupInfo(true)
	if err != nil {
		return nil, err
	}
	return &MLSMessage{Version: ProtocolVersionMLS10, GroupInfo: gi}, nil
}

// ExportRatchetTree returns a copy of the public tree for out-of-band
// delivery to joiners.
func (s *State) ExportRatchetTree() *RatchetTree {
	out := s.Tree.Clone()
	out.privateKeys = map[NodeIndex]HPKEPrivateKey{}
	return out
}

func (s *State) buildWelcome(fx *proposalEffects, pathSecrets map[NodeIndex][]byte, hadPath bool) (*Welcome, error) {
	gi, err := s.groupInfo(true)
	if err != nil {
		return nil, err
	}

	welcome, err := newWelcome(s.Suite, s.keys.JoinerSecret, s.keys.WelcomeSecret, fx.psks, gi)
	if err != nil {
		return nil, err
	}

	for i, kp := range fx.joinerKPs {
		var pathSecret []byte
		if hadPath {
			anc := ancestor(fx.joiners[i].Index, s.Index)
			pathSecret = pathSecrets[anc]
			if pathSecret == nil {
				return nil, fmt.Errorf("mls.state: no path secret for joiner %d: %w", fx.joiners[i].Index, ErrTreeIntegrity)
			}
		}
		if err = welcome.EncryptTo(kp, pathSecret); err != nil {
			return nil, err
		}
	}
	return welcome, nil
}

///
/// External commits
///

type ExternalJoinOptions struct {
	// The public tree, when the GroupInfo does not embed one.
	RatchetTree *RatchetTree

	// Remove a prior appearance of our identity (resync join).
	RemovePrior bool

	Config GroupConfig
}

// NewStateFromExternalCommit joins a group without a Welcome, using a
// published GroupInfo carrying an external_pub extension. It returns the
// new state together with the commit that must be fanned out to the
// group.
func NewStateFromExternalCommit(gi *GroupInfo, kp KeyPackage, sigPriv SignaturePrivateKey, opts ExternalJoinOptions) (*State, *MLSMessage, error) {
	suite := gi.GroupContext.CipherSuite
	if !suite.Supported() {
		return nil, nil, fmt.Errorf("mls.state: %w", ErrUnsupportedSuite)
	}
	if kp.CipherSuite != suite {
		return nil, nil, fmt.Errorf("mls.state: key package suite mismatch: %w", ErrUnsupportedSuite)
	}

	tree, err := gi.ratchetTree(suite)
	if err != nil {
		return nil, nil, err
	}
	if tree == nil {
		tree = opts.RatchetTree
	}
	if tree == nil {
		return nil, nil, fmt.Errorf("mls.state: no ratchet tree available: %w", ErrMalformedMessage)
	}
	tree = tree.Clone()
	tree.Suite = suite
	if err = tree.validate(); err != nil {
		return nil, nil, err
	}

	treeHash, err := tree.RootHash()
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(treeHash, gi.GroupContext.TreeHash) {
		return nil, nil, fmt.Errorf("mls.state: %w", ErrTreeHashMismatch)
	}

	signerLeaf := tree.LeafNodeAt(gi.Signer)
	if signerLeaf == nil {
		return nil, nil, fmt.Errorf("mls.state: group info signer %d is blank: %w", gi.Signer, ErrMalformedMessage)
	}
	if err = gi.verify(suite, &signerLeaf.SignatureKey); err != nil {
		return nil, nil, err
	}

	externalPub, err := gi.externalPub()
	if err != nil {
		return nil, nil, err
	}
	if externalPub == nil {
		return nil, nil, fmt.Errorf("mls.state: group does not accept external commits: %w", ErrInvalidCommit)
	}

	if gi.GroupContext.Epoch == maxEpoch {
		return nil, nil, fmt.Errorf("mls.state: %w", ErrEpochOverflow)
	}

	kemOutput, initSecret, err := suite.hpke().ExportS(*externalPub, nil, "MLS 1.0 external init secret", suite.Constants().SecretSize)
	if err != nil {
		return nil, nil, fmt.Errorf("mls.state: external init export failure: %v", err)
	}
	defer zeroize(initSecret)

	config := opts.Config
	if config.CipherSuite == 0 {
		config = DefaultGroupConfig()
	}
	config.CipherSuite = suite

	// A pre-join view of the group, used to sign and to derive contexts.
	s := &State{
		Suite:                   suite,
		GroupID:                 gi.GroupContext.GroupID,
		Epoch:                   gi.GroupContext.Epoch,
		Tree:                    tree,
		Extensions:              gi.GroupContext.Extensions,
		ConfirmedTranscriptHash: gi.GroupContext.ConfirmedTranscriptHash,
		InterimTranscriptHash:   interimTranscript(suite, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag),
		identityPriv:            sigPriv,
		config:                  config,
	}

	commit := &Commit{Proposals: []ProposalOrRef{}}
	var resolved []proposalWithSender

	if opts.RemovePrior {
		prior, ok := tree.Find(sigPriv.PublicKey)
		if !ok {
			id, idErr := kp.LeafNode.Credential.Identity()
			if idErr == nil {
				prior, ok = tree.FindByIdentity(id)
			}
		}
		if ok {
			p := Proposal{Remove: &RemoveProposal{Removed: prior}}
			commit.Proposals = append(commit.Proposals, ProposalOrRef{Proposal: &p})
			resolved = append(resolved, proposalWithSender{Proposal: p})
		}
	}

	extInit := Proposal{ExternalInit: &ExternalInitProposal{KEMOutput: kemOutput}}
	commit.Proposals = append(commit.Proposals, ProposalOrRef{Proposal: &extInit})
	resolved = append(resolved, proposalWithSender{Proposal: extInit})

	workTree := tree.Clone()
	fx, err := s.applyProposals(workTree, resolved, nil, true)
	if err != nil {
		return nil, nil, err
	}

	index := workTree.AddLeaf(kp.LeafNode)
	s.Index = index

	pathContext := s.contextBytes()
	leafSecret := randomBytesOrPanic(suite.Constants().SecretSize)
	path, _, commitSecret, err := workTree.Encap(index, s.GroupID, pathContext, leafSecret, &sigPriv, nil)
	zeroize(leafSecret)
	if err != nil {
		return nil, nil, err
	}
	commit.Path = path

	content := FramedContent{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            NewMemberCommitSender(),
		AuthenticatedData: []byte{},
		Commit:            commit,
	}
	ctx := s.Context()
	ac, err := signContentTBS(suite, &sigPriv, WireFormatPublicMessage, content, &ctx)
	if err != nil {
		return nil, nil, err
	}

	next := s.successor(workTree, fx)
	next.Index = index

	confirmed, err := confirmedTranscript(suite, s.InterimTranscriptHash, ac)
	if err != nil {
		return nil, nil, err
	}
	next.ConfirmedTranscriptHash = confirmed

	nextCtx := next.contextBytes()
	joiner := computeJoinerSecret(suite, initSecret, commitSecret, nextCtx)
	zeroize(commitSecret)
	next.keys, err = newKeyScheduleEpoch(suite, workTree.Size(), joiner, suite.zero(), nextCtx)
	zeroize(joiner)
	if err != nil {
		return nil, nil, err
	}
	next.keys.setRatchetBounds(config.OutOfOrderWindow, config.MaxForwardDistance)

	ac.Auth.ConfirmationTag = next.keys.confirmationTag(confirmed)
	next.InterimTranscriptHash = interimTranscript(suite, confirmed, ac.Auth.ConfirmationTag)

	pm := &PublicMessage{Content: ac.Content, Auth: ac.Auth}
	msg := &MLSMessage{Version: ProtocolVersionMLS10, PublicMessage: pm}

	return next, msg, nil
}
