package mls

import (
	"fmt"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint16

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x0001
)

func (pv ProtocolVersion) ValidForTLS() error {
	return validateEnum(pv, ProtocolVersionMLS10)
}

type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

func (lns LeafNodeSource) ValidForTLS() error {
	return validateEnum(lns, LeafNodeSourceKeyPackage, LeafNodeSourceUpdate, LeafNodeSourceCommit)
}

// struct {
//   ProtocolVersion versions<V>;
//   CipherSuite ciphersuites<V>;
//   ExtensionType extensions<V>;
//   ProposalType proposals<V>;
//   CredentialType credentials<V>;
// } Capabilities;
type Capabilities struct {
	Versions     []ProtocolVersion `tls:"head=1"`
	CipherSuites []CipherSuite     `tls:"head=1"`
	Extensions   []ExtensionType   `tls:"head=1"`
	Proposals    []ProposalType    `tls:"head=1"`
	Credentials  []CredentialType  `tls:"head=1"`
}

func defaultCapabilities() Capabilities {
	return Capabilities{
		Versions: []ProtocolVersion{ProtocolVersionMLS10},
		CipherSuites: []CipherSuite{
			X25519_AES128GCM_SHA256_Ed25519,
			P256_AES128GCM_SHA256_P256,
			X25519_CHACHA20POLY1305_SHA256_Ed25519,
		},
		Credentials: []CredentialType{CredentialTypeBasic, CredentialTypeX509},
	}
}

// struct {
//   uint64 not_before;
//   uint64 not_after;
// } Lifetime;
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func lifetimeSpanning(seconds uint64) Lifetime {
	now := uint64(time.Now().Unix())
	return Lifetime{NotBefore: now - 3600, NotAfter: now + seconds}
}

func (lt Lifetime) contains(t time.Time) bool {
	u := uint64(t.Unix())
	return lt.NotBefore <= u && u <= lt.NotAfter
}

///
/// LeafNode
///

// struct {
//   HPKEPublicKey encryption_key;
//   SignaturePublicKey signature_key;
//   Credential credential;
//   Capabilities capabilities;
//   LeafNodeSource leaf_node_source;
//   select (...) { case key_package: Lifetime; case commit: opaque parent_hash<V>; };
//   Extension extensions<V>;
//   opaque signature<V>;
// } LeafNode;
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Lifetime      *Lifetime `tls:"optional"`
	ParentHash    []byte    `tls:"head=1"`
	Extensions    ExtensionList
	Signature     []byte `tls:"head=2"`
}

type leafNodeTBS struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        LeafNodeSource
	Lifetime      *Lifetime `tls:"optional"`
	ParentHash    []byte    `tls:"head=1"`
	Extensions    ExtensionList

	// Bound for update/commit leaves; empty for key-package leaves, where
	// the group is not yet known.
	GroupID   []byte `tls:"head=1"`
	LeafIndex uint32
}

func (ln LeafNode) toBeSigned(groupID []byte, index LeafIndex) ([]byte, error) {
	tbs := leafNodeTBS{
		EncryptionKey: ln.EncryptionKey,
		SignatureKey:  ln.SignatureKey,
		Credential:    ln.Credential,
		Capabilities:  ln.Capabilities,
		Source:        ln.Source,
		Lifetime:      ln.Lifetime,
		ParentHash:    ln.ParentHash,
		Extensions:    ln.Extensions,
	}
	if ln.Source != LeafNodeSourceKeyPackage {
		tbs.GroupID = groupID
		tbs.LeafIndex = uint32(index)
	}
	return syntax.Marshal(tbs)
}

func (ln *LeafNode) Sign(suite CipherSuite, sigPriv *SignaturePrivateKey, groupID []byte, index LeafIndex) error {
	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return fmt.Errorf("mls.leaf: tbs marshal failure: %v", err)
	}

	ln.Signature, err = suite.signWithLabel(sigPriv, "LeafNodeTBS", tbs)
	return err
}

func (ln LeafNode) Verify(suite CipherSuite, groupID []byte, index LeafIndex) error {
	tbs, err := ln.toBeSigned(groupID, index)
	if err != nil {
		return fmt.Errorf("mls.leaf: tbs marshal failure: %v", err)
	}

	if !suite.verifyWithLabel(&ln.SignatureKey, "LeafNodeTBS", tbs, ln.Signature) {
		return fmt.Errorf("mls.leaf: %w", ErrInvalidSignature)
	}
	return nil
}

func (ln LeafNode) Clone() LeafNode {
	out := ln
	if ln.Lifetime != nil {
		lt := *ln.Lifetime
		out.Lifetime = &lt
	}
	out.ParentHash = dup(ln.ParentHash)
	out.Signature = dup(ln.Signature)
	out.Extensions = ln.Extensions.Clone()
	return out
}

///
/// KeyPackage
///

// struct {
//   ProtocolVersion version;
//   CipherSuite cipher_suite;
//   HPKEPublicKey init_key;
//   LeafNode leaf_node;
//   Extension extensions<V>;
//   opaque signature<V>;
// } KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
	Signature   []byte `tls:"head=2"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	LeafNode    LeafNode
	Extensions  ExtensionList
}

// Private halves produced alongside a key package; the engine persists
// them keyed by the key package's ref until the owner joins a group.
type KeyPackagePrivate struct {
	InitPrivateKey       HPKEPrivateKey
	EncryptionPrivateKey HPKEPrivateKey
}

func (kpp *KeyPackagePrivate) Zeroize() {
	kpp.InitPrivateKey.Zeroize()
	kpp.EncryptionPrivateKey.Zeroize()
}

// KeyPackageOptions mirror what a publisher may tune; zero value gives a
// three-month, single-use package with default capabilities.
type KeyPackageOptions struct {
	LifetimeSeconds      uint64
	LastResort           bool
	Capabilities         *Capabilities
	LeafNodeExtensions   []Extension
	KeyPackageExtensions []Extension
}

const defaultKeyPackageLifetime = 90 * 24 * 3600 // seconds

func NewKeyPackage(suite CipherSuite, sigPriv *SignaturePrivateKey, cred Credential) (*KeyPackage, *KeyPackagePrivate, error) {
	return NewKeyPackageWithOptions(suite, sigPriv, cred, KeyPackageOptions{})
}

func NewKeyPackageWithOptions(suite CipherSuite, sigPriv *SignaturePrivateKey, cred Credential, opts KeyPackageOptions) (*KeyPackage, *KeyPackagePrivate, error) {
	if !suite.Supported() {
		return nil, nil, fmt.Errorf("mls.keypackage: %w", ErrUnsupportedSuite)
	}

	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("mls.keypackage: init key generation failure: %v", err)
	}

	encPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("mls.keypackage: leaf key generation failure: %v", err)
	}

	caps := defaultCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	lifetimeSecs := uint64(defaultKeyPackageLifetime)
	if opts.LifetimeSeconds > 0 {
		lifetimeSecs = opts.LifetimeSeconds
	}
	lifetime := lifetimeSpanning(lifetimeSecs)

	leaf := LeafNode{
		EncryptionKey: encPriv.PublicKey,
		SignatureKey:  sigPriv.PublicKey,
		Credential:    cred,
		Capabilities:  caps,
		Source:        LeafNodeSourceKeyPackage,
		Lifetime:      &lifetime,
		ParentHash:    []byte{},
		Extensions:    NewExtensionList(opts.LeafNodeExtensions...),
	}
	if err = leaf.Sign(suite, sigPriv, nil, 0); err != nil {
		return nil, nil, err
	}

	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		LeafNode:    leaf,
		Extensions:  NewExtensionList(opts.KeyPackageExtensions...),
		Signature:   nil,
	}
	if opts.LastResort {
		if err = kp.Extensions.Add(LastResortExtension{}); err != nil {
			return nil, nil, err
		}
	}

	if err = kp.sign(sigPriv); err != nil {
		return nil, nil, err
	}

	priv := &KeyPackagePrivate{
		InitPrivateKey:       initPriv,
		EncryptionPrivateKey: encPriv,
	}
	return kp, priv, nil
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) sign(sigPriv *SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return fmt.Errorf("mls.keypackage: tbs marshal failure: %v", err)
	}

	kp.Signature, err = kp.CipherSuite.signWithLabel(sigPriv, "KeyPackageTBS", tbs)
	return err
}

// Verify checks the package and leaf signatures, the leaf source, the
// lifetime window (unless skipped), and that init and leaf keys differ.
func (kp KeyPackage) Verify(skipLifetime bool) error {
	if kp.Version != ProtocolVersionMLS10 {
		return fmt.Errorf("mls.keypackage: unsupported version: %w", ErrInvalidKeyPackage)
	}

	if !kp.CipherSuite.Supported() {
		return fmt.Errorf("mls.keypackage: %w", ErrUnsupportedSuite)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return fmt.Errorf("mls.keypackage: tbs marshal failure: %v", err)
	}

	if !kp.CipherSuite.verifyWithLabel(&kp.LeafNode.SignatureKey, "KeyPackageTBS", tbs, kp.Signature) {
		return fmt.Errorf("mls.keypackage: %w", ErrInvalidSignature)
	}

	if err = kp.LeafNode.Verify(kp.CipherSuite, nil, 0); err != nil {
		return err
	}

	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return fmt.Errorf("mls.keypackage: leaf source %d: %w", kp.LeafNode.Source, ErrInvalidKeyPackage)
	}

	if kp.InitKey.Equals(kp.LeafNode.EncryptionKey) {
		return fmt.Errorf("mls.keypackage: init key equals leaf key: %w", ErrInvalidKeyPackage)
	}

	if !skipLifetime && kp.LeafNode.Lifetime != nil && !kp.LeafNode.Lifetime.contains(time.Now()) {
		return fmt.Errorf("mls.keypackage: outside lifetime window: %w", ErrInvalidKeyPackage)
	}

	return nil
}

func (kp KeyPackage) LastResort() bool {
	return kp.Extensions.Has(ExtensionTypeLastResort)
}

// Ref is the content-addressed identifier other members use to refer to
// this package; also the storage key for its private half.
func (kp KeyPackage) Ref() ([]byte, error) {
	enc, err := syntax.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("mls.keypackage: marshal failure: %v", err)
	}
	return kp.CipherSuite.refHash("MLS 1.0 KeyPackage Reference", enc), nil
}
