package mls

import (
	"fmt"
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

// buildTestTrees constructs one public tree with n occupied leaves, then
// gives each member a private copy with its own leaf key merged in.
func buildTestTrees(t *testing.T, n int) ([]*RatchetTree, []SignaturePrivateKey) {
	public := newRatchetTree(testSuite)
	var sigs []SignaturePrivateKey
	var privs []*KeyPackagePrivate
	for i := 0; i < n; i++ {
		kp, kpPriv, sig := newTestKeyPackage(t, fmt.Sprintf("member-%d", i))
		index := public.AddLeaf(kp.LeafNode)
		require.Equal(t, LeafIndex(i), index)
		sigs = append(sigs, sig)
		privs = append(privs, kpPriv)
	}

	trees := make([]*RatchetTree, n)
	for i := range trees {
		trees[i] = public.Clone()
		require.NoError(t, trees[i].MergeLeafPrivate(LeafIndex(i), privs[i].EncryptionPrivateKey))
	}
	return trees, sigs
}

func TestTreeAddFind(t *testing.T) {
	trees, _ := buildTestTrees(t, 4)
	tree := trees[0]

	require.Equal(t, leafCount(4), tree.Size())
	require.Equal(t, []LeafIndex{0, 1, 2, 3}, tree.Leaves())

	for i := LeafIndex(0); i < 4; i++ {
		leaf := tree.LeafNodeAt(i)
		require.NotNil(t, leaf)
		found, ok := tree.Find(leaf.SignatureKey)
		require.True(t, ok)
		require.Equal(t, i, found)

		id, err := leaf.Credential.Identity()
		require.NoError(t, err)
		byID, ok := tree.FindByIdentity(id)
		require.True(t, ok)
		require.Equal(t, i, byID)
	}

	_, ok := tree.Find(SignaturePublicKey{Data: randomBytes(32)})
	require.False(t, ok)
}

func TestTreeBlankAndReuse(t *testing.T) {
	trees, _ := buildTestTrees(t, 4)
	tree := trees[0]

	tree.BlankPath(1)
	require.False(t, tree.occupied(1))
	require.Equal(t, []LeafIndex{0, 2, 3}, tree.Leaves())

	// The lowest blank slot is reused before the tree grows.
	kp, _, _ := newTestKeyPackage(t, "replacement")
	index := tree.AddLeaf(kp.LeafNode)
	require.Equal(t, LeafIndex(1), index)
	require.Equal(t, leafCount(4), tree.Size())
}

func TestTreeTruncate(t *testing.T) {
	trees, _ := buildTestTrees(t, 4)
	tree := trees[0]

	tree.BlankPath(3)
	tree.BlankPath(2)
	require.Equal(t, leafCount(2), tree.Size())
	require.Equal(t, []LeafIndex{0, 1}, tree.Leaves())
}

func TestTreeRootHashStability(t *testing.T) {
	trees, _ := buildTestTrees(t, 4)

	h0, err := trees[0].RootHash()
	require.NoError(t, err)
	h1, err := trees[1].RootHash()
	require.NoError(t, err)
	require.Equal(t, h0, h1)

	// The hash changes when the tree changes.
	trees[0].BlankPath(2)
	h2, err := trees[0].RootHash()
	require.NoError(t, err)
	require.NotEqual(t, h0, h2)
}

func TestTreeEncapDecap(t *testing.T) {
	for _, n := range []int{2, 3, 4, 5, 8} {
		t.Run(fmt.Sprintf("size-%d", n), func(t *testing.T) {
			trees, sigs := buildTestTrees(t, n)
			context := []byte("group context")

			leafSecret := randomBytes(testSuite.Constants().SecretSize)
			path, pathSecrets, commitSecret, err := trees[0].Encap(0, testGroupID, context, leafSecret, &sigs[0], nil)
			require.NoError(t, err)
			require.NotNil(t, path)
			require.NotEmpty(t, pathSecrets)

			for i := 1; i < n; i++ {
				got, err := trees[i].Decap(0, LeafIndex(i), context, *path, nil)
				require.NoError(t, err)
				require.Equal(t, commitSecret, got, "member %d derived a different commit secret", i)
			}

			// Everyone converges on the same public tree.
			h0, err := trees[0].RootHash()
			require.NoError(t, err)
			for i := 1; i < n; i++ {
				hi, err := trees[i].RootHash()
				require.NoError(t, err)
				require.Equal(t, h0, hi)
				require.True(t, trees[0].Equals(*trees[i]))
			}
		})
	}
}

func TestTreeEncapExclude(t *testing.T) {
	trees, sigs := buildTestTrees(t, 4)
	context := []byte("group context")

	// Exclude leaf 3 from the path encryption, as a commit does for
	// members added in the same commit.
	leafSecret := randomBytes(testSuite.Constants().SecretSize)
	path, _, commitSecret, err := trees[0].Encap(0, testGroupID, context, leafSecret, &sigs[0], []LeafIndex{3})
	require.NoError(t, err)

	got, err := trees[1].Decap(0, 1, context, *path, []LeafIndex{3})
	require.NoError(t, err)
	require.Equal(t, commitSecret, got)

	got, err = trees[2].Decap(0, 2, context, *path, []LeafIndex{3})
	require.NoError(t, err)
	require.Equal(t, commitSecret, got)
}

func TestTreeImplant(t *testing.T) {
	trees, sigs := buildTestTrees(t, 4)
	context := []byte("group context")

	leafSecret := randomBytes(testSuite.Constants().SecretSize)
	_, pathSecrets, _, err := trees[0].Encap(0, testGroupID, context, leafSecret, &sigs[0], nil)
	require.NoError(t, err)

	// A joiner holding the post-path public tree implants the path secret
	// at the ancestor shared with the committer, exactly as Welcome
	// processing does.
	joiner := trees[0].Clone()
	anc := ancestor(2, 0)
	require.NotNil(t, pathSecrets[anc])
	require.NoError(t, joiner.Implant(anc, pathSecrets[anc]))

	// Implanting a wrong secret is detected.
	bad := trees[0].Clone()
	require.Error(t, bad.Implant(anc, randomBytes(testSuite.Constants().SecretSize)))
}

func TestTreeDecapWrongContext(t *testing.T) {
	trees, sigs := buildTestTrees(t, 3)

	leafSecret := randomBytes(testSuite.Constants().SecretSize)
	path, _, _, err := trees[0].Encap(0, testGroupID, []byte("context A"), leafSecret, &sigs[0], nil)
	require.NoError(t, err)

	_, err = trees[1].Decap(0, 1, []byte("context B"), *path, nil)
	require.Error(t, err)
}

func TestTreeMarshal(t *testing.T) {
	trees, _ := buildTestTrees(t, 3)

	enc, err := syntax.Marshal(*trees[0])
	require.NoError(t, err)

	var out RatchetTree
	_, err = syntax.Unmarshal(enc, &out)
	require.NoError(t, err)
	out.Suite = testSuite

	require.NoError(t, out.validate())
	require.True(t, trees[0].Equals(out))

	h0, err := trees[0].RootHash()
	require.NoError(t, err)
	h1, err := out.RootHash()
	require.NoError(t, err)
	require.Equal(t, h0, h1)
}

func TestTreeValidate(t *testing.T) {
	trees, _ := buildTestTrees(t, 3)
	require.NoError(t, trees[0].validate())

	// A parent node in a leaf slot is structurally invalid.
	bad := trees[0].Clone()
	bad.Nodes[0] = OptionalNode{Node: &Node{Parent: &ParentNode{}}}
	require.Error(t, bad.validate())
}
