package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type nodeType uint8

const (
	nodeTypeLeaf   nodeType = 1
	nodeTypeParent nodeType = 2
)

func (nt nodeType) ValidForTLS() error {
	return validateEnum(nt, nodeTypeLeaf, nodeTypeParent)
}

// struct {
//   HPKEPublicKey encryption_key;
//   opaque parent_hash<V>;
//   uint32 unmerged_leaves<V>;
// } ParentNode;
type ParentNode struct {
	EncryptionKey  HPKEPublicKey
	ParentHash     []byte      `tls:"head=1"`
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

func (n ParentNode) Clone() ParentNode {
	return ParentNode{
		EncryptionKey:  HPKEPublicKey{dup(n.EncryptionKey.Data)},
		ParentHash:     dup(n.ParentHash),
		UnmergedLeaves: append([]LeafIndex{}, n.UnmergedLeaves...),
	}
}

type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n Node) nodeType() nodeType {
	switch {
	case n.Leaf != nil:
		return nodeTypeLeaf
	case n.Parent != nil:
		return nodeTypeParent
	}
	panic("mls.tree: malformed node")
}

func (n Node) encryptionKey() HPKEPublicKey {
	switch {
	case n.Leaf != nil:
		return n.Leaf.EncryptionKey
	case n.Parent != nil:
		return n.Parent.EncryptionKey
	}
	panic("mls.tree: malformed node")
}

func (n Node) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(n.nodeType())
	if err != nil {
		return nil, err
	}

	switch n.nodeType() {
	case nodeTypeLeaf:
		err = s.Write(n.Leaf)
	case nodeTypeParent:
		err = s.Write(n.Parent)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (n *Node) UnmarshalTLS(data []byte) (int, error) {
	*n = Node{}
	s := syntax.NewReadStream(data)
	var typ nodeType
	_, err := s.Read(&typ)
	if err != nil {
		return 0, err
	}

	switch typ {
	case nodeTypeLeaf:
		n.Leaf = new(LeafNode)
		_, err = s.Read(n.Leaf)
	case nodeTypeParent:
		n.Parent = new(ParentNode)
		_, err = s.Read(n.Parent)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// optional<Node>, with the subtree hash cached out of band.
type OptionalNode struct {
	Node *Node  `tls:"optional"`
	Hash []byte `tls:"omit"`
}

func (on OptionalNode) blank() bool {
	return on.Node == nil
}

func (on OptionalNode) Clone() OptionalNode {
	out := OptionalNode{Hash: dup(on.Hash)}
	if on.Node == nil {
		return out
	}

	out.Node = &Node{}
	if on.Node.Leaf != nil {
		leaf := on.Node.Leaf.Clone()
		out.Node.Leaf = &leaf
	}
	if on.Node.Parent != nil {
		parent := on.Node.Parent.Clone()
		out.Node.Parent = &parent
	}
	return out
}

///
/// Tree hashing
///

// struct {
//   uint32 leaf_index;
//   optional<LeafNode> leaf_node;
// } LeafNodeHashInput;
type leafNodeHashInput struct {
	LeafIndex LeafIndex
	LeafNode  *LeafNode `tls:"optional"`
}

// struct {
//   optional<ParentNode> parent_node;
//   opaque left_hash<V>;
//   opaque right_hash<V>;
// } ParentNodeHashInput;
type parentNodeHashInput struct {
	ParentNode *ParentNode `tls:"optional"`
	LeftHash   []byte      `tls:"head=1"`
	RightHash  []byte      `tls:"head=1"`
}

// struct {
//   HPKEPublicKey encryption_key;
//   opaque parent_hash<V>;
//   opaque sibling_hash<V>;
// } ParentHashInput;
type parentHashInput struct {
	EncryptionKey HPKEPublicKey
	ParentHash    []byte `tls:"head=1"`
	SiblingHash   []byte `tls:"head=1"`
}

///
/// RatchetTree
///

// The public group tree plus this member's private keys along their own
// path. Only the node array goes on the wire.
type RatchetTree struct {
	Suite CipherSuite    `tls:"omit"`
	Nodes []OptionalNode `tls:"head=4"`

	privateKeys map[NodeIndex]HPKEPrivateKey `tls:"omit"`
}

func newRatchetTree(suite CipherSuite) *RatchetTree {
	return &RatchetTree{
		Suite:       suite,
		privateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
}

func (t RatchetTree) Size() leafCount {
	return leafWidth(nodeCount(len(t.Nodes)))
}

func (t RatchetTree) Clone() *RatchetTree {
	out := &RatchetTree{
		Suite:       t.Suite,
		Nodes:       make([]OptionalNode, len(t.Nodes)),
		privateKeys: map[NodeIndex]HPKEPrivateKey{},
	}
	for i, n := range t.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for ix, priv := range t.privateKeys {
		out.privateKeys[ix] = HPKEPrivateKey{
			Data:      dup(priv.Data),
			PublicKey: HPKEPublicKey{dup(priv.PublicKey.Data)},
		}
	}
	return out
}

func (t RatchetTree) Equals(o RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range t.Nodes {
		lhs, err1 := syntax.Marshal(t.Nodes[i])
		rhs, err2 := syntax.Marshal(o.Nodes[i])
		if err1 != nil || err2 != nil || !bytes.Equal(lhs, rhs) {
			return false
		}
	}
	return true
}

func (t RatchetTree) node(i NodeIndex) OptionalNode {
	if int(i) >= len(t.Nodes) {
		return OptionalNode{}
	}
	return t.Nodes[i]
}

// LeafNodeAt returns the leaf at the given index, or nil if blank or out
// of range.
func (t RatchetTree) LeafNodeAt(index LeafIndex) *LeafNode {
	n := t.node(toNodeIndex(index))
	if n.blank() {
		return nil
	}
	return n.Node.Leaf
}

func (t RatchetTree) occupied(index LeafIndex) bool {
	return t.LeafNodeAt(index) != nil
}

// Find locates the leaf holding the given signature key.
func (t RatchetTree) Find(sigKey SignaturePublicKey) (LeafIndex, bool) {
	for i := leafCount(0); i < t.Size(); i++ {
		leaf := t.LeafNodeAt(LeafIndex(i))
		if leaf != nil && leaf.SignatureKey.Equals(sigKey) {
			return LeafIndex(i), true
		}
	}
	return 0, false
}

// FindByIdentity locates the leaf whose credential exports the given
// identity bytes.
func (t RatchetTree) FindByIdentity(identity []byte) (LeafIndex, bool) {
	for i := leafCount(0); i < t.Size(); i++ {
		leaf := t.LeafNodeAt(LeafIndex(i))
		if leaf == nil {
			continue
		}
		id, err := leaf.Credential.Identity()
		if err == nil && bytes.Equal(id, identity) {
			return LeafIndex(i), true
		}
	}
	return 0, false
}

// Leaves enumerates the occupied leaf indices in order.
func (t RatchetTree) Leaves() []LeafIndex {
	var out []LeafIndex
	for i := leafCount(0); i < t.Size(); i++ {
		if t.occupied(LeafIndex(i)) {
			out = append(out, LeafIndex(i))
		}
	}
	return out
}

func (t *RatchetTree) setLeaf(index LeafIndex, leaf LeafNode) {
	n := toNodeIndex(index)
	t.Nodes[n] = OptionalNode{Node: &Node{Leaf: &leaf}}
}

func (t *RatchetTree) grow() {
	if len(t.Nodes) == 0 {
		t.Nodes = []OptionalNode{{}}
		return
	}
	newWidth := int(nodeWidth(leafCount(uint32(t.Size()) * 2)))
	for len(t.Nodes) < newWidth {
		t.Nodes = append(t.Nodes, OptionalNode{})
	}
}

// AddLeaf places the leaf in the lowest blank slot, extending the tree if
// it is full. Non-blank ancestors record the new leaf as unmerged.
func (t *RatchetTree) AddLeaf(leaf LeafNode) LeafIndex {
	index := LeafIndex(t.Size())
	for i := leafCount(0); i < t.Size(); i++ {
		if !t.occupied(LeafIndex(i)) {
			index = LeafIndex(i)
			break
		}
	}

	if uint32(index) == uint32(t.Size()) {
		t.grow()
	}

	t.setLeaf(index, leaf)

	size := t.Size()
	for _, p := range dirpath(toNodeIndex(index), size) {
		n := t.node(p)
		if !n.blank() && n.Node.Parent != nil {
			n.Node.Parent.UnmergedLeaves = append(n.Node.Parent.UnmergedLeaves, index)
		}
	}

	t.clearHashPath(index)
	return index
}

// UpdateLeaf replaces a leaf and blanks its direct path, discarding any
// path keys the old leaf mixed in.
func (t *RatchetTree) UpdateLeaf(index LeafIndex, leaf LeafNode) {
	t.blankDirpath(index)
	t.setLeaf(index, leaf)
	t.clearHashPath(index)
}

// BlankPath removes the leaf entirely.
func (t *RatchetTree) BlankPath(index LeafIndex) {
	t.blankDirpath(index)
	n := toNodeIndex(index)
	t.Nodes[n] = OptionalNode{}
	delete(t.privateKeys, n)
	t.truncate()
	t.clearHashPath(index)
}

func (t *RatchetTree) blankDirpath(index LeafIndex) {
	for _, p := range dirpath(toNodeIndex(index), t.Size()) {
		t.Nodes[p] = OptionalNode{}
		delete(t.privateKeys, p)
	}
}

// Drop empty right-hand subtrees so the tree stays minimal.
func (t *RatchetTree) truncate() {
	for t.Size() > 1 {
		size := t.Size()
		cut := int(nodeWidth(size / 2))
		empty := true
		for i := cut; i < len(t.Nodes); i++ {
			if !t.Nodes[i].blank() {
				empty = false
				break
			}
		}
		if !empty {
			return
		}
		t.Nodes = t.Nodes[:cut]
	}
}

func (t *RatchetTree) setPrivateKey(n NodeIndex, priv HPKEPrivateKey) {
	if t.privateKeys == nil {
		t.privateKeys = map[NodeIndex]HPKEPrivateKey{}
	}
	t.privateKeys[n] = priv
}

func (t RatchetTree) privateKey(n NodeIndex) (HPKEPrivateKey, bool) {
	priv, ok := t.privateKeys[n]
	return priv, ok
}

// MergeLeafPrivate installs the private half for a leaf we own.
func (t *RatchetTree) MergeLeafPrivate(index LeafIndex, priv HPKEPrivateKey) error {
	leaf := t.LeafNodeAt(index)
	if leaf == nil || !leaf.EncryptionKey.Equals(priv.PublicKey) {
		return fmt.Errorf("mls.tree: leaf key mismatch: %w", ErrTreeIntegrity)
	}
	t.setPrivateKey(toNodeIndex(index), priv)
	return nil
}

///
/// Resolution
///

func (t RatchetTree) resolve(n NodeIndex) []NodeIndex {
	node := t.node(n)
	if !node.blank() {
		out := []NodeIndex{n}
		if node.Node.Parent != nil {
			for _, u := range node.Node.Parent.UnmergedLeaves {
				out = append(out, toNodeIndex(u))
			}
		}
		return out
	}

	if level(n) == 0 {
		return nil
	}

	l := t.resolve(left(n))
	r := t.resolve(right(n, t.Size()))
	return append(l, r...)
}

///
/// TreeKEM
///

// struct {
//   HPKEPublicKey public_key;
//   HPKECiphertext encrypted_path_secret<V>;
// } UpdatePathNode;
type UpdatePathNode struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext `tls:"head=4"`
}

// struct {
//   LeafNode leaf_node;
//   UpdatePathNode nodes<V>;
// } UpdatePath;
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

func (t RatchetTree) pathStep(pathSecret []byte) []byte {
	return t.Suite.expandWithLabel(pathSecret, "path", nil, t.Suite.Constants().SecretSize)
}

func (t RatchetTree) nodeKeyPair(pathSecret []byte) (HPKEPrivateKey, error) {
	nodeSecret := t.Suite.expandWithLabel(pathSecret, "node", nil, t.Suite.Constants().SecretSize)
	priv, err := t.Suite.hpke().Derive(nodeSecret)
	zeroize(nodeSecret)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.tree: node key derivation failure: %v", err)
	}
	return priv, nil
}

// Encap freshens our leaf and every node on our direct path, encrypting
// each new path secret to the resolution of the copath sibling. Leaves in
// exclude (joiners added by the same commit) are served path secrets via
// their Welcome instead. Returns the update path, the path secret at each
// rewritten node, and the commit secret.
func (t *RatchetTree) Encap(from LeafIndex, groupID, context, leafSecret []byte, sigPriv *SignaturePrivateKey, exclude []LeafIndex) (*UpdatePath, map[NodeIndex][]byte, []byte, error) {
	leaf := t.LeafNodeAt(from)
	if leaf == nil {
		return nil, nil, nil, fmt.Errorf("mls.tree: encap from blank leaf: %w", ErrTreeIntegrity)
	}

	excluded := map[NodeIndex]bool{}
	for _, l := range exclude {
		excluded[toNodeIndex(l)] = true
	}

	leafPriv, err := t.nodeKeyPair(leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}

	newLeaf := leaf.Clone()
	newLeaf.EncryptionKey = leafPriv.PublicKey
	newLeaf.Source = LeafNodeSourceCommit
	newLeaf.Lifetime = nil

	size := t.Size()
	dp := dirpath(toNodeIndex(from), size)

	// Walk up, giving each path node a fresh key pair.
	path := &UpdatePath{Nodes: make([]UpdatePathNode, len(dp))}
	pathSecrets := map[NodeIndex][]byte{}
	privs := make([]HPKEPrivateKey, len(dp))
	ps := t.pathStep(leafSecret)
	for i, p := range dp {
		pathSecrets[p] = ps
		privs[i], err = t.nodeKeyPair(ps)
		if err != nil {
			return nil, nil, nil, err
		}
		path.Nodes[i].PublicKey = privs[i].PublicKey
		ps = t.pathStep(ps)
	}
	commitSecret := ps

	// Encrypt each path secret to the copath resolution at that level.
	for i, p := range dp {
		var res []NodeIndex
		if i == 0 {
			res = t.resolve(sibling(toNodeIndex(from), size))
		} else {
			res = t.resolve(sibling(dp[i-1], size))
		}

		for _, r := range res {
			if excluded[r] {
				continue
			}
			ct, err := t.Suite.encryptWithLabel(t.node(r).Node.encryptionKey(), "UpdatePathNode", context, pathSecrets[p])
			if err != nil {
				return nil, nil, nil, fmt.Errorf("mls.tree: path secret encryption failure: %v", err)
			}
			path.Nodes[i].EncryptedPathSecrets = append(path.Nodes[i].EncryptedPathSecrets, ct)
		}
	}

	// Install the new nodes and parent hashes, then sign the leaf over
	// the resulting chain.
	for i := len(dp) - 1; i >= 0; i-- {
		p := dp[i]
		parentHash := []byte{}
		if i < len(dp)-1 {
			parentHash = t.node(dp[i+1]).Node.Parent.ParentHash
		}

		sib := sibling(toNodeIndex(from), size)
		if i > 0 {
			sib = sibling(dp[i-1], size)
		}

		t.Nodes[p] = OptionalNode{Node: &Node{Parent: &ParentNode{
			EncryptionKey:  privs[i].PublicKey,
			UnmergedLeaves: []LeafIndex{},
		}}}
		t.Nodes[p].Node.Parent.ParentHash = t.parentHashOver(privs[i].PublicKey, parentHash, sib)
		t.setPrivateKey(p, privs[i])
	}

	if len(dp) > 0 {
		newLeaf.ParentHash = t.node(dp[0]).Node.Parent.ParentHash
	}
	if err = newLeaf.Sign(t.Suite, sigPriv, groupID, from); err != nil {
		return nil, nil, nil, err
	}

	t.setLeaf(from, newLeaf)
	t.setPrivateKey(toNodeIndex(from), leafPriv)
	path.LeafNode = newLeaf

	t.clearHashPath(from)
	return path, pathSecrets, commitSecret, nil
}

// parentHashOver must be computed before the copath sibling changes, so
// sender and receivers agree on the sibling subtree hash.
func (t *RatchetTree) parentHashOver(key HPKEPublicKey, parentHash []byte, sib NodeIndex) []byte {
	sibHash, err := t.hashSubtree(sib)
	if err != nil {
		panic(fmt.Errorf("mls.tree: sibling hash failure: %v", err))
	}
	enc, err := syntax.Marshal(parentHashInput{key, parentHash, sibHash})
	if err != nil {
		panic(fmt.Errorf("mls.tree: parent hash marshal failure: %v", err))
	}
	return t.Suite.Digest(enc)
}

// Decap applies a sender's update path: merge the new public keys, then
// decrypt the path secret at our ancestor with the sender and derive the
// private keys from there to the root.
func (t *RatchetTree) Decap(from, self LeafIndex, context []byte, path UpdatePath, exclude []LeafIndex) ([]byte, error) {
	size := t.Size()
	dp := dirpath(toNodeIndex(from), size)
	if len(path.Nodes) != len(dp) {
		return nil, fmt.Errorf("mls.tree: update path length %d != %d: %w", len(path.Nodes), len(dp), ErrTreeIntegrity)
	}

	excluded := map[NodeIndex]bool{}
	for _, l := range exclude {
		excluded[toNodeIndex(l)] = true
	}

	// Locate the path node covering us and the resolution slot holding a
	// key we possess.
	mergePoint := -1
	var pathSecret []byte
	for i, p := range dp {
		if !inSubtree(toNodeIndex(self), p) {
			continue
		}

		var res []NodeIndex
		if i == 0 {
			res = t.resolve(sibling(toNodeIndex(from), size))
		} else {
			res = t.resolve(sibling(dp[i-1], size))
		}

		slot := 0
		for _, r := range res {
			if excluded[r] {
				continue
			}
			if priv, ok := t.privateKey(r); ok {
				pt, err := t.Suite.decryptWithLabel(priv, "UpdatePathNode", context, path.Nodes[i].EncryptedPathSecrets[slot])
				if err != nil {
					return nil, fmt.Errorf("mls.tree: path secret decryption failure: %w", ErrTreeIntegrity)
				}
				pathSecret = pt
			}
			slot++
			if pathSecret != nil {
				break
			}
		}

		if pathSecret == nil {
			return nil, fmt.Errorf("mls.tree: no decryption key for update path: %w", ErrTreeIntegrity)
		}
		mergePoint = i
		break
	}
	if mergePoint < 0 {
		return nil, fmt.Errorf("mls.tree: sender path does not cover us: %w", ErrTreeIntegrity)
	}

	// Merge public keys and parent hashes, root first.
	for i := len(dp) - 1; i >= 0; i-- {
		p := dp[i]
		parentHash := []byte{}
		if i < len(dp)-1 {
			parentHash = t.node(dp[i+1]).Node.Parent.ParentHash
		}

		sib := sibling(toNodeIndex(from), size)
		if i > 0 {
			sib = sibling(dp[i-1], size)
		}
		ph := t.parentHashOver(path.Nodes[i].PublicKey, parentHash, sib)

		t.Nodes[p] = OptionalNode{Node: &Node{Parent: &ParentNode{
			EncryptionKey:  path.Nodes[i].PublicKey,
			ParentHash:     ph,
			UnmergedLeaves: []LeafIndex{},
		}}}
		delete(t.privateKeys, p)
	}

	if len(dp) > 0 && !bytes.Equal(path.LeafNode.ParentHash, t.node(dp[0]).Node.Parent.ParentHash) {
		return nil, fmt.Errorf("mls.tree: leaf parent hash mismatch: %w", ErrTreeIntegrity)
	}

	t.setLeaf(from, path.LeafNode)
	delete(t.privateKeys, toNodeIndex(from))

	// Derive private keys from the merge point up and verify they match
	// the merged public keys.
	commitSecret, err := t.implant(dp[mergePoint:], pathSecret)
	if err != nil {
		return nil, err
	}

	t.clearHashPath(from)
	return commitSecret, nil
}

// Implant installs the path secret at the ancestor shared with a
// committer, used by welcome joiners who receive the secret directly.
func (t *RatchetTree) Implant(start NodeIndex, pathSecret []byte) error {
	size := t.Size()
	chain := []NodeIndex{start}
	p := start
	for p != root(size) {
		p = parent(p, size)
		chain = append(chain, p)
	}
	_, err := t.implant(chain, pathSecret)
	return err
}

func (t *RatchetTree) implant(chain []NodeIndex, pathSecret []byte) ([]byte, error) {
	ps := pathSecret
	for _, p := range chain {
		priv, err := t.nodeKeyPair(ps)
		if err != nil {
			return nil, err
		}
		n := t.node(p)
		if n.blank() || !n.Node.encryptionKey().Equals(priv.PublicKey) {
			return nil, fmt.Errorf("mls.tree: derived key does not match tree: %w", ErrTreeIntegrity)
		}
		t.setPrivateKey(p, priv)
		ps = t.pathStep(ps)
	}
	return ps, nil
}

///
/// Hashing
///

func (t *RatchetTree) clearHashPath(index LeafIndex) {
	n := toNodeIndex(index)
	if int(n) < len(t.Nodes) {
		t.Nodes[n].Hash = nil
	}
	for _, p := range dirpath(n, t.Size()) {
		t.Nodes[p].Hash = nil
	}
}

func (t *RatchetTree) hashSubtree(n NodeIndex) ([]byte, error) {
	if int(n) < len(t.Nodes) && t.Nodes[n].Hash != nil {
		return t.Nodes[n].Hash, nil
	}

	var input []byte
	var err error
	if level(n) == 0 {
		node := t.node(n)
		in := leafNodeHashInput{LeafIndex: toLeafIndex(n)}
		if !node.blank() {
			in.LeafNode = node.Node.Leaf
		}
		input, err = syntax.Marshal(in)
	} else {
		var lh, rh []byte
		lh, err = t.hashSubtree(left(n))
		if err != nil {
			return nil, err
		}
		rh, err = t.hashSubtree(right(n, t.Size()))
		if err != nil {
			return nil, err
		}

		node := t.node(n)
		in := parentNodeHashInput{LeftHash: lh, RightHash: rh}
		if !node.blank() {
			in.ParentNode = node.Node.Parent
		}
		input, err = syntax.Marshal(in)
	}
	if err != nil {
		return nil, fmt.Errorf("mls.tree: hash input marshal failure: %v", err)
	}

	h := t.Suite.Digest(input)
	if int(n) < len(t.Nodes) {
		t.Nodes[n].Hash = h
	}
	return h, nil
}

// RootHash is the tree hash carried in the group context.
func (t *RatchetTree) RootHash() ([]byte, error) {
	if len(t.Nodes) == 0 {
		return t.Suite.Digest(nil), nil
	}
	return t.hashSubtree(root(t.Size()))
}

// validate checks structural sanity after deserializing a tree from a
// GroupInfo extension or an export.
func (t RatchetTree) validate() error {
	if len(t.Nodes) == 0 {
		return nil
	}
	if len(t.Nodes)%2 == 0 {
		return fmt.Errorf("mls.tree: even node count %d: %w", len(t.Nodes), ErrTreeIntegrity)
	}

	for i, n := range t.Nodes {
		if n.blank() {
			continue
		}
		leafPosition := i%2 == 0
		if leafPosition != (n.Node.Leaf != nil) {
			return fmt.Errorf("mls.tree: node type does not match position %d: %w", i, ErrTreeIntegrity)
		}
		if n.Node.Parent != nil {
			for _, u := range n.Node.Parent.UnmergedLeaves {
				if uint32(u) >= uint32(t.Size()) {
					return fmt.Errorf("mls.tree: unmerged leaf %d out of range: %w", u, ErrTreeIntegrity)
				}
			}
		}
	}
	return nil
}
