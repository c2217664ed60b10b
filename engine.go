package mls

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	syntax "github.com/cisco/go-tls-syntax"
	"go.uber.org/zap"
)

// Engine drives groups through a Store: every operation loads the group
// snapshot, applies one state transition, and persists the result before
// returning. One Engine can serve many groups; operations on the same
// group serialize on a per-group lock.
type Engine struct {
	store Store
	log   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(store Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store: store,
		log:   log,
		locks: map[string]*sync.Mutex{},
	}
}

func groupKey(groupID []byte) string {
	return "group/" + hex.EncodeToString(groupID)
}

func pendingKey(groupID []byte) string {
	return "pending/" + hex.EncodeToString(groupID)
}

func keyPackageKey(ref []byte) string {
	return "keypackage/" + hex.EncodeToString(ref)
}

func (e *Engine) lock(groupID []byte) func() {
	key := string(groupID)
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) loadGroup(ctx context.Context, groupID []byte) (*State, error) {
	data, err := e.store.Read(ctx, groupKey(groupID))
	if err != nil {
		return nil, fmt.Errorf("mls.engine: group %x: %w", groupID, ErrGroupNotFound)
	}
	return UnmarshalState(data)
}

func (e *Engine) saveGroup(ctx context.Context, s *State) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return e.store.Write(ctx, groupKey(s.GroupID), data)
}

///
/// Key packages
///

// CreateKeyPackage publishes a new key package and retains its private
// halves, keyed by ref, until a Welcome arrives for it.
func (e *Engine) CreateKeyPackage(ctx context.Context, suite CipherSuite, cred Credential) ([]byte, error) {
	return e.CreateKeyPackageWithOptions(ctx, suite, cred, KeyPackageOptions{})
}

func (e *Engine) CreateKeyPackageWithOptions(ctx context.Context, suite CipherSuite, cred Credential, opts KeyPackageOptions) ([]byte, error) {
	sigPriv, err := suite.Scheme().Generate()
	if err != nil {
		return nil, fmt.Errorf("mls.engine: signature key generation failure: %v", err)
	}

	kp, kpPriv, err := NewKeyPackageWithOptions(suite, &sigPriv, cred, opts)
	if err != nil {
		return nil, err
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	stored, err := packKeyPackage(kp, kpPriv, sigPriv)
	if err != nil {
		return nil, err
	}
	if err = e.store.Write(ctx, keyPackageKey(ref), stored); err != nil {
		return nil, err
	}

	msg := MLSMessage{Version: ProtocolVersionMLS10, KeyPackage: kp}
	out, err := syntax.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: key package marshal failure: %v", err)
	}

	e.log.Debug("created key package",
		zap.String("ref", hex.EncodeToString(ref)),
		zap.Stringer("suite", suite),
		zap.Bool("last_resort", kp.LastResort()))
	return out, nil
}

// DeleteKeyPackage discards the private halves of an unused key package.
func (e *Engine) DeleteKeyPackage(ctx context.Context, ref []byte) error {
	return e.store.Delete(ctx, keyPackageKey(ref))
}

///
/// Group lifecycle
///

// CreateGroup starts a new one-member group. A fresh signature key pair
// is generated for the creator and kept with the group state.
func (e *Engine) CreateGroup(ctx context.Context, groupID []byte, cred Credential, config GroupConfig) error {
	unlock := e.lock(groupID)
	defer unlock()

	if _, err := e.store.Read(ctx, groupKey(groupID)); err == nil {
		return fmt.Errorf("mls.engine: group %x already exists", groupID)
	}

	sigPriv, err := config.CipherSuite.Scheme().Generate()
	if err != nil {
		return fmt.Errorf("mls.engine: signature key generation failure: %v", err)
	}

	s, err := NewEmptyGroup(groupID, sigPriv, cred, config)
	if err != nil {
		return err
	}

	if err = e.saveGroup(ctx, s); err != nil {
		return err
	}
	e.log.Info("created group", zap.String("group_id", hex.EncodeToString(groupID)), zap.Stringer("suite", config.CipherSuite))
	return nil
}

// DeleteGroup removes all local state for the group, pending commit
// included.
func (e *Engine) DeleteGroup(ctx context.Context, groupID []byte) error {
	unlock := e.lock(groupID)
	defer unlock()

	_ = e.store.Delete(ctx, pendingKey(groupID))
	if err := e.store.Delete(ctx, groupKey(groupID)); err != nil {
		return fmt.Errorf("mls.engine: group %x: %w", groupID, ErrGroupNotFound)
	}
	e.log.Info("deleted group", zap.String("group_id", hex.EncodeToString(groupID)))
	return nil
}

// EngineJoinOptions tunes how the engine joins from a Welcome.
type EngineJoinOptions struct {
	RatchetTree []byte // serialized tree, when not carried in the Welcome
	PSKs        []PSK
	Config      GroupConfig
}

func decodeOptionalTree(raw []byte) (*RatchetTree, error) {
	if raw == nil {
		return nil, nil
	}
	var tree RatchetTree
	if _, err := syntax.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("mls.engine: ratchet tree decode failure: %w", ErrMalformedMessage)
	}
	return &tree, nil
}

func (e *Engine) findWelcomeKeyPackage(ctx context.Context, welcome *Welcome) (*KeyPackage, *KeyPackagePrivate, SignaturePrivateKey, error) {
	for _, sealed := range welcome.Secrets {
		data, err := e.store.Read(ctx, keyPackageKey(sealed.NewMember))
		if err != nil {
			continue
		}
		return unpackKeyPackage(data)
	}
	return nil, nil, SignaturePrivateKey{}, fmt.Errorf("mls.engine: no stored key package matches welcome: %w", ErrWelcomeDecryption)
}

// InspectWelcome reveals a Welcome's GroupInfo, without joining, so the
// application can decide whether to accept.
func (e *Engine) InspectWelcome(ctx context.Context, welcomeRaw []byte, psks []PSK) (*GroupInfo, error) {
	var msg MLSMessage
	if _, err := syntax.Unmarshal(welcomeRaw, &msg); err != nil || msg.Welcome == nil {
		return nil, fmt.Errorf("mls.engine: not a welcome message: %w", ErrMalformedMessage)
	}

	kp, kpPriv, _, err := e.findWelcomeKeyPackage(ctx, msg.Welcome)
	if err != nil {
		return nil, err
	}
	return InspectWelcome(msg.Welcome, *kp, kpPriv, psks)
}

// JoinFromWelcome joins a group from a Welcome addressed to one of our
// stored key packages. The key package is consumed unless marked last
// resort.
func (e *Engine) JoinFromWelcome(ctx context.Context, welcomeRaw []byte, opts EngineJoinOptions) ([]byte, error) {
	var msg MLSMessage
	if _, err := syntax.Unmarshal(welcomeRaw, &msg); err != nil || msg.Welcome == nil {
		return nil, fmt.Errorf("mls.engine: not a welcome message: %w", ErrMalformedMessage)
	}

	kp, kpPriv, sigPriv, err := e.findWelcomeKeyPackage(ctx, msg.Welcome)
	if err != nil {
		return nil, err
	}

	tree, err := decodeOptionalTree(opts.RatchetTree)
	if err != nil {
		return nil, err
	}

	s, err := NewStateFromWelcome(msg.Welcome, *kp, kpPriv, sigPriv, JoinOptions{
		RatchetTree: tree,
		PSKs:        opts.PSKs,
		Config:      opts.Config,
	})
	if err != nil {
		return nil, err
	}

	unlock := e.lock(s.GroupID)
	defer unlock()
	if err = e.saveGroup(ctx, s); err != nil {
		return nil, err
	}

	if !kp.LastResort() {
		ref, refErr := kp.Ref()
		if refErr == nil {
			_ = e.store.Delete(ctx, keyPackageKey(ref))
		}
	}

	e.log.Info("joined group from welcome",
		zap.String("group_id", hex.EncodeToString(s.GroupID)),
		zap.Uint64("epoch", uint64(s.Epoch)),
		zap.Uint32("index", uint32(s.Index)))
	return dup(s.GroupID), nil
}

// JoinByExternalCommit joins via a published GroupInfo, returning the
// commit that must be delivered to the existing members.
func (e *Engine) JoinByExternalCommit(ctx context.Context, groupInfoRaw []byte, cred Credential, opts EngineJoinOptions, removePrior bool) ([]byte, error) {
	var msg MLSMessage
	if _, err := syntax.Unmarshal(groupInfoRaw, &msg); err != nil || msg.GroupInfo == nil {
		return nil, fmt.Errorf("mls.engine: not a group info message: %w", ErrMalformedMessage)
	}
	gi := msg.GroupInfo

	suite := gi.GroupContext.CipherSuite
	sigPriv, err := suite.Scheme().Generate()
	if err != nil {
		return nil, fmt.Errorf("mls.engine: signature key generation failure: %v", err)
	}
	kp, kpPriv, err := NewKeyPackage(suite, &sigPriv, cred)
	if err != nil {
		return nil, err
	}
	kpPriv.Zeroize()

	tree, err := decodeOptionalTree(opts.RatchetTree)
	if err != nil {
		return nil, err
	}

	s, commit, err := NewStateFromExternalCommit(gi, *kp, sigPriv, ExternalJoinOptions{
		RatchetTree: tree,
		RemovePrior: removePrior,
		Config:      opts.Config,
	})
	if err != nil {
		return nil, err
	}

	unlock := e.lock(s.GroupID)
	defer unlock()
	if err = e.saveGroup(ctx, s); err != nil {
		return nil, err
	}

	out, err := syntax.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: commit marshal failure: %v", err)
	}
	e.log.Info("joined group by external commit",
		zap.String("group_id", hex.EncodeToString(s.GroupID)),
		zap.Uint64("epoch", uint64(s.Epoch)))
	return out, nil
}

///
/// Queries
///

func (e *Engine) GroupMembers(ctx context.Context, groupID []byte) ([]Member, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.Members(), nil
}

func (e *Engine) GroupEpoch(ctx context.Context, groupID []byte) (Epoch, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return s.Epoch, nil
}

func (e *Engine) GroupActive(ctx context.Context, groupID []byte) (bool, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	return s.Active(), nil
}

func (e *Engine) EpochAuthenticator(ctx context.Context, groupID []byte) ([]byte, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err = s.checkActive(); err != nil {
		return nil, err
	}
	return s.EpochAuthenticator(), nil
}

func (e *Engine) ExportSecret(ctx context.Context, groupID []byte, label string, context []byte, size int) ([]byte, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.ExportSecret(label, context, size)
}

func (e *Engine) ExportGroupInfo(ctx context.Context, groupID []byte) ([]byte, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	msg, err := s.ExportGroupInfo()
	if err != nil {
		return nil, err
	}
	out, err := syntax.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: group info marshal failure: %v", err)
	}
	return out, nil
}

func (e *Engine) ExportRatchetTree(ctx context.Context, groupID []byte) ([]byte, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out, err := syntax.Marshal(s.ExportRatchetTree())
	if err != nil {
		return nil, fmt.Errorf("mls.engine: ratchet tree marshal failure: %v", err)
	}
	return out, nil
}

func (e *Engine) GetPastResumptionPSK(ctx context.Context, groupID []byte, epoch Epoch) ([]byte, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.ResumptionPSKSecret(epoch)
}

// GroupIndex is our own leaf position in the tree.
func (e *Engine) GroupIndex(ctx context.Context, groupID []byte) (LeafIndex, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return s.Index, nil
}

// GroupCredential is the credential presented at our own leaf.
func (e *Engine) GroupCredential(ctx context.Context, groupID []byte) (Credential, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return Credential{}, err
	}
	return s.SelfCredential(), nil
}

func (e *Engine) GroupContext(ctx context.Context, groupID []byte) (*GroupContext, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	gc := s.Context()
	return &gc, nil
}

func (e *Engine) GetConfiguration(ctx context.Context, groupID []byte) (GroupConfig, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return GroupConfig{}, err
	}
	return s.config, nil
}

// PendingProposals lists the refs of queued-but-uncommitted proposals.
func (e *Engine) PendingProposals(ctx context.Context, groupID []byte) ([]ProposalRef, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.PendingProposals(), nil
}

// SetConfiguration replaces the group's tunable knobs. The cipher suite
// cannot change after creation.
func (e *Engine) SetConfiguration(ctx context.Context, groupID []byte, config GroupConfig) error {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if config.CipherSuite != s.Suite {
		return fmt.Errorf("mls.engine: cipher suite cannot change: %w", ErrUnsupportedSuite)
	}
	if err = config.validate(); err != nil {
		return fmt.Errorf("mls.engine: invalid group config: %w", err)
	}

	s.config = config
	if s.keys != nil {
		s.keys.setRatchetBounds(config.OutOfOrderWindow, config.MaxForwardDistance)
	}
	return e.saveGroup(ctx, s)
}

// SetExternalPSK registers an out-of-band PSK with a group.
func (e *Engine) SetExternalPSK(ctx context.Context, groupID, pskID, secret []byte) error {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	s.SetExternalPSK(pskID, secret)
	return e.saveGroup(ctx, s)
}

///
/// Commits
///

// CommitBundle is what one commit operation emits: the commit for the
// group, a Welcome when members were added, and optionally a GroupInfo.
type CommitBundle struct {
	Commit    []byte
	Welcome   []byte
	GroupInfo []byte
}

func marshalBundle(result *CommitResult) (*CommitBundle, error) {
	bundle := &CommitBundle{}
	var err error
	if bundle.Commit, err = syntax.Marshal(result.Commit); err != nil {
		return nil, fmt.Errorf("mls.engine: commit marshal failure: %v", err)
	}
	if result.Welcome != nil {
		if bundle.Welcome, err = syntax.Marshal(result.Welcome); err != nil {
			return nil, fmt.Errorf("mls.engine: welcome marshal failure: %v", err)
		}
	}
	if result.GroupInfo != nil {
		if bundle.GroupInfo, err = syntax.Marshal(result.GroupInfo); err != nil {
			return nil, fmt.Errorf("mls.engine: group info marshal failure: %v", err)
		}
	}
	return bundle, nil
}

// commitAndMerge runs a commit under the group lock and merges it
// immediately, persisting the advanced state.
func (e *Engine) commitAndMerge(ctx context.Context, groupID []byte, opts CommitOptions) (*CommitBundle, error) {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	result, err := s.CreateCommit(opts)
	if err != nil {
		return nil, err
	}

	next := s.MergeStagedCommit(result.Staged)
	if err = e.saveGroup(ctx, next); err != nil {
		return nil, err
	}
	_ = e.store.Delete(ctx, pendingKey(groupID))

	e.log.Info("committed",
		zap.String("group_id", hex.EncodeToString(groupID)),
		zap.Uint64("epoch", uint64(next.Epoch)),
		zap.Int("adds", len(result.Staged.Adds)),
		zap.Int("removes", len(result.Staged.Removes)))
	return marshalBundle(result)
}

func decodeKeyPackages(raw [][]byte) ([]KeyPackage, error) {
	out := make([]KeyPackage, 0, len(raw))
	for _, r := range raw {
		var msg MLSMessage
		if _, err := syntax.Unmarshal(r, &msg); err != nil || msg.KeyPackage == nil {
			// Bare key packages are accepted too.
			var kp KeyPackage
			if _, err2 := syntax.Unmarshal(r, &kp); err2 != nil {
				return nil, fmt.Errorf("mls.engine: key package decode failure: %w", ErrMalformedMessage)
			}
			out = append(out, kp)
			continue
		}
		out = append(out, *msg.KeyPackage)
	}
	return out, nil
}

// AddMembers adds the holders of the given key packages in one commit.
func (e *Engine) AddMembers(ctx context.Context, groupID []byte, keyPackages [][]byte) (*CommitBundle, error) {
	kps, err := decodeKeyPackages(keyPackages)
	if err != nil {
		return nil, err
	}

	var proposals []Proposal
	for _, kp := range kps {
		proposals = append(proposals, Proposal{Add: &AddProposal{KeyPackage: kp}})
	}
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		ExtraProposals:       proposals,
		SkipPendingProposals: true,
	})
}

// RemoveMembers evicts the members at the given leaves in one commit.
func (e *Engine) RemoveMembers(ctx context.Context, groupID []byte, targets []LeafIndex) (*CommitBundle, error) {
	var proposals []Proposal
	for _, t := range targets {
		proposals = append(proposals, Proposal{Remove: &RemoveProposal{Removed: t}})
	}
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		ExtraProposals:       proposals,
		SkipPendingProposals: true,
	})
}

// RemoveMembersByIdentity resolves credential identities to leaves, then
// removes them.
func (e *Engine) RemoveMembersByIdentity(ctx context.Context, groupID []byte, identities [][]byte) (*CommitBundle, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var targets []LeafIndex
	for _, id := range identities {
		index, ok := s.Tree.FindByIdentity(id)
		if !ok {
			return nil, fmt.Errorf("mls.engine: no member with identity %x: %w", id, ErrNotFound)
		}
		targets = append(targets, index)
	}
	return e.RemoveMembers(ctx, groupID, targets)
}

// SwapMembers removes and adds in a single commit.
func (e *Engine) SwapMembers(ctx context.Context, groupID []byte, remove []LeafIndex, add [][]byte) (*CommitBundle, error) {
	kps, err := decodeKeyPackages(add)
	if err != nil {
		return nil, err
	}

	var proposals []Proposal
	for _, t := range remove {
		proposals = append(proposals, Proposal{Remove: &RemoveProposal{Removed: t}})
	}
	for _, kp := range kps {
		proposals = append(proposals, Proposal{Add: &AddProposal{KeyPackage: kp}})
	}
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		ExtraProposals:       proposals,
		SkipPendingProposals: true,
	})
}

// SelfUpdate rotates our leaf encryption key with an empty commit.
func (e *Engine) SelfUpdate(ctx context.Context, groupID []byte) (*CommitBundle, error) {
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		SkipPendingProposals: true,
		ForcePath:            true,
	})
}

// SelfUpdateWithNewSigner additionally rotates the signature key and
// credential.
func (e *Engine) SelfUpdateWithNewSigner(ctx context.Context, groupID []byte, cred Credential) (*CommitBundle, error) {
	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	sigPriv, err := s.Suite.Scheme().Generate()
	if err != nil {
		return nil, fmt.Errorf("mls.engine: signature key generation failure: %v", err)
	}
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		SkipPendingProposals: true,
		ForcePath:            true,
		NewSigner:            &sigPriv,
		NewCredential:        &cred,
	})
}

// UpdateGroupContextExtensions replaces the group context extensions in
// one commit.
func (e *Engine) UpdateGroupContextExtensions(ctx context.Context, groupID []byte, exts ExtensionList) (*CommitBundle, error) {
	return e.commitAndMerge(ctx, groupID, CommitOptions{
		ExtraProposals: []Proposal{
			{GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: exts}},
		},
		SkipPendingProposals: true,
	})
}

// CommitToPendingProposals commits everything queued so far.
func (e *Engine) CommitToPendingProposals(ctx context.Context, groupID []byte) (*CommitBundle, error) {
	return e.commitAndMerge(ctx, groupID, CommitOptions{})
}

// FlexibleCommit exposes the full commit option surface.
func (e *Engine) FlexibleCommit(ctx context.Context, groupID []byte, opts CommitOptions) (*CommitBundle, error) {
	return e.commitAndMerge(ctx, groupID, opts)
}

///
/// Proposals
///

func (e *Engine) propose(ctx context.Context, groupID []byte, build func(*State) (Proposal, error)) ([]byte, error) {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	p, err := build(s)
	if err != nil {
		return nil, err
	}

	msg, err := s.Propose(p)
	if err != nil {
		return nil, err
	}
	if err = e.saveGroup(ctx, s); err != nil {
		return nil, err
	}

	out, err := syntax.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: proposal marshal failure: %v", err)
	}
	return out, nil
}

func (e *Engine) ProposeAdd(ctx context.Context, groupID, keyPackageRaw []byte) ([]byte, error) {
	kps, err := decodeKeyPackages([][]byte{keyPackageRaw})
	if err != nil {
		return nil, err
	}
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return s.Add(kps[0])
	})
}

func (e *Engine) ProposeRemove(ctx context.Context, groupID []byte, target LeafIndex) ([]byte, error) {
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return s.Remove(target)
	})
}

func (e *Engine) ProposeSelfUpdate(ctx context.Context, groupID []byte) ([]byte, error) {
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return s.Update()
	})
}

func (e *Engine) ProposeExternalPSK(ctx context.Context, groupID, pskID []byte) ([]byte, error) {
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		nonce := randomBytesOrPanic(s.Suite.Constants().SecretSize)
		return s.PreSharedKey(ExternalPSKID(pskID, nonce))
	})
}

// ProposeCustom circulates an application-defined proposal. The group
// treats it as content to carry, not semantics to apply.
func (e *Engine) ProposeCustom(ctx context.Context, groupID []byte, proposalType ProposalType, data []byte) ([]byte, error) {
	if proposalType < proposalTypeCustomFloor {
		return nil, fmt.Errorf("mls.engine: proposal type %d is reserved: %w", proposalType, ErrInvalidProposal)
	}
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return Proposal{Custom: &CustomProposal{ProposalType: proposalType, Data: dup(data)}}, nil
	})
}

func (e *Engine) ProposeGroupContextExtensions(ctx context.Context, groupID []byte, exts ExtensionList) ([]byte, error) {
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return s.GroupContextExtensions(exts)
	})
}

// LeaveGroup proposes our own removal. Another member must commit it; we
// stay active until that commit arrives.
func (e *Engine) LeaveGroup(ctx context.Context, groupID []byte) ([]byte, error) {
	return e.propose(ctx, groupID, func(s *State) (Proposal, error) {
		return s.Remove(s.Index)
	})
}

func (e *Engine) RemovePendingProposal(ctx context.Context, groupID []byte, ref ProposalRef) error {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err = s.RemovePendingProposal(ref); err != nil {
		return err
	}
	return e.saveGroup(ctx, s)
}

func (e *Engine) ClearPendingProposals(ctx context.Context, groupID []byte) error {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	s.ClearPendingProposals()
	return e.saveGroup(ctx, s)
}

///
/// Messaging
///

// CreateMessage protects an application payload for the group.
func (e *Engine) CreateMessage(ctx context.Context, groupID, plaintext, aad []byte) ([]byte, error) {
	unlock := e.lock(groupID)
	defer unlock()

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	msg, err := s.Protect(plaintext, aad)
	if err != nil {
		return nil, err
	}

	// The sender ratchet advanced; persist before the ciphertext leaves.
	if err = e.saveGroup(ctx, s); err != nil {
		return nil, err
	}

	out, err := syntax.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mls.engine: message marshal failure: %v", err)
	}
	return out, nil
}

// ProcessResult reports what an incoming message turned out to be.
type ProcessResult struct {
	GroupID           []byte
	Epoch             Epoch
	Sender            *Sender
	AuthenticatedData []byte

	ApplicationData []byte
	ProposalRef     *ProposalRef

	CommitMerged bool
	NewEpoch     Epoch
	Adds         []Member
	Removes      []LeafIndex
	SelfRemoved  bool
}

func (e *Engine) processMessage(ctx context.Context, raw []byte, merge bool) (*ProcessResult, error) {
	info, err := PeekMessage(raw)
	if err != nil {
		return nil, err
	}
	if info.GroupID == nil {
		return nil, fmt.Errorf("mls.engine: not a group message: %w", ErrMalformedMessage)
	}

	unlock := e.lock(info.GroupID)
	defer unlock()

	s, err := e.loadGroup(ctx, info.GroupID)
	if err != nil {
		return nil, err
	}

	var msg MLSMessage
	if _, err = syntax.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("mls.engine: message decode failure: %w", ErrMalformedMessage)
	}

	pm, err := s.Handle(&msg)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{
		GroupID:           pm.GroupID,
		Epoch:             pm.Epoch,
		Sender:            pm.Sender,
		AuthenticatedData: pm.AuthenticatedData,
		ApplicationData:   pm.ApplicationData,
		ProposalRef:       pm.ProposalRef,
	}

	switch {
	case pm.StagedCommit != nil:
		staged := pm.StagedCommit
		result.NewEpoch = staged.NewEpoch
		result.Adds = staged.Adds
		result.Removes = staged.Removes
		result.SelfRemoved = staged.SelfRemoved

		if merge {
			next := s.MergeStagedCommit(staged)
			if err = e.saveGroup(ctx, next); err != nil {
				return nil, err
			}
			_ = e.store.Delete(ctx, pendingKey(info.GroupID))
			result.CommitMerged = true
			e.log.Info("merged commit",
				zap.String("group_id", hex.EncodeToString(info.GroupID)),
				zap.Uint64("epoch", uint64(next.Epoch)),
				zap.Bool("self_removed", staged.SelfRemoved))
		} else {
			// Stash the staged successor; the current state is saved so
			// queued proposal bookkeeping survives.
			pendingData, err := staged.next.MarshalBinary()
			if err != nil {
				return nil, err
			}
			if err = e.store.Write(ctx, pendingKey(info.GroupID), pendingData); err != nil {
				return nil, err
			}
			if err = e.saveGroup(ctx, s); err != nil {
				return nil, err
			}
		}

	default:
		// Ratchet and proposal-queue changes must persist.
		if err = e.saveGroup(ctx, s); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// ProcessMessage handles one incoming message. Commits are merged
// immediately.
func (e *Engine) ProcessMessage(ctx context.Context, raw []byte) (*ProcessResult, error) {
	return e.processMessage(ctx, raw, true)
}

// ProcessMessageNoMerge stages commits instead of merging them; call
// MergePendingCommit or ClearPendingCommit afterwards.
func (e *Engine) ProcessMessageNoMerge(ctx context.Context, raw []byte) (*ProcessResult, error) {
	return e.processMessage(ctx, raw, false)
}

// MergePendingCommit applies a commit staged by ProcessMessageNoMerge.
func (e *Engine) MergePendingCommit(ctx context.Context, groupID []byte) error {
	unlock := e.lock(groupID)
	defer unlock()

	pendingData, err := e.store.Read(ctx, pendingKey(groupID))
	if err != nil {
		return fmt.Errorf("mls.engine: %w", ErrNoPendingCommit)
	}

	next, err := UnmarshalState(pendingData)
	if err != nil {
		return err
	}

	s, err := e.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}

	merged := s.MergeStagedCommit(&StagedCommit{next: next, NewEpoch: next.Epoch})
	if err = e.saveGroup(ctx, merged); err != nil {
		return err
	}
	return e.store.Delete(ctx, pendingKey(groupID))
}

// ClearPendingCommit discards a staged commit.
func (e *Engine) ClearPendingCommit(ctx context.Context, groupID []byte) error {
	unlock := e.lock(groupID)
	defer unlock()
	if err := e.store.Delete(ctx, pendingKey(groupID)); err != nil {
		return fmt.Errorf("mls.engine: %w", ErrNoPendingCommit)
	}
	return nil
}
