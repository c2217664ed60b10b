package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

// struct {
//   GroupContext group_context;
//   Extension extensions<V>;
//   MAC confirmation_tag;
//   uint32 signer;
//   opaque signature<V>;
// } GroupInfo;
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          LeafIndex
	Signature       []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{gi.GroupContext, gi.Extensions, gi.ConfirmationTag, gi.Signer})
}

func (gi *GroupInfo) sign(suite CipherSuite, signer LeafIndex, sigPriv *SignaturePrivateKey) error {
	gi.Signer = signer
	tbs, err := gi.toBeSigned()
	if err != nil {
		return fmt.Errorf("mls.welcome: group info marshal failure: %v", err)
	}
	gi.Signature, err = suite.signWithLabel(sigPriv, "GroupInfoTBS", tbs)
	return err
}

func (gi GroupInfo) verify(suite CipherSuite, sigPub *SignaturePublicKey) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return fmt.Errorf("mls.welcome: group info marshal failure: %v", err)
	}
	if !suite.verifyWithLabel(sigPub, "GroupInfoTBS", tbs, gi.Signature) {
		return fmt.Errorf("mls.welcome: %w", ErrInvalidSignature)
	}
	return nil
}

func (gi GroupInfo) ratchetTree(suite CipherSuite) (*RatchetTree, error) {
	ext := RatchetTreeExtension{}
	found, err := gi.Extensions.Find(&ext)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: ratchet tree extension decode failure: %w", ErrMalformedMessage)
	}
	if !found {
		return nil, nil
	}

	tree := ext.Tree
	tree.Suite = suite
	tree.privateKeys = map[NodeIndex]HPKEPrivateKey{}
	if err := tree.validate(); err != nil {
		return nil, err
	}
	return &tree, nil
}

func (gi GroupInfo) externalPub() (*HPKEPublicKey, error) {
	ext := ExternalPubExtension{}
	found, err := gi.Extensions.Find(&ext)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: external pub extension decode failure: %w", ErrMalformedMessage)
	}
	if !found {
		return nil, nil
	}
	return &ext.ExternalPub, nil
}

///
/// GroupSecrets
///

type pathSecretBox struct {
	Secret []byte `tls:"head=1"`
}

// struct {
//   opaque joiner_secret<V>;
//   optional<PathSecret> path_secret;
//   PreSharedKeyID psks<V>;
// } GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte         `tls:"head=1"`
	PathSecret   *pathSecretBox `tls:"optional"`
	PSKs         []PreSharedKeyID `tls:"head=2"`
}

// struct {
//   KeyPackageRef new_member;
//   HPKECiphertext encrypted_group_secrets;
// } EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	NewMember             []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

///
/// Welcome
///

// struct {
//   CipherSuite cipher_suite;
//   EncryptedGroupSecrets secrets<V>;
//   opaque encrypted_group_info<V>;
// } Welcome;
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`

	joinerSecret []byte `tls:"omit"`
	psks         []PreSharedKeyID `tls:"omit"`
}

// newWelcome seals the group info under the welcome secret; per-joiner
// secrets are attached with EncryptTo.
func newWelcome(suite CipherSuite, joinerSecret, welcomeSecret []byte, psks []PreSharedKeyID, gi *GroupInfo) (*Welcome, error) {
	pt, err := syntax.Marshal(gi)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info marshal failure: %v", err)
	}

	keys := welcomeKeyAndNonce(suite, welcomeSecret)
	defer keys.zeroize()
	aead, err := suite.newAEAD(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: aead failure: %v", err)
	}

	return &Welcome{
		CipherSuite:        suite,
		EncryptedGroupInfo: aead.Seal(nil, keys.Nonce, pt, nil),
		joinerSecret:       dup(joinerSecret),
		psks:               psks,
	}, nil
}

// EncryptTo adds one joiner, sealing the joiner secret (and their path
// secret, when the commit carried a path) to the key package's init key.
func (w *Welcome) EncryptTo(kp KeyPackage, pathSecret []byte) error {
	if kp.CipherSuite != w.CipherSuite {
		return fmt.Errorf("mls.welcome: key package suite mismatch: %w", ErrUnsupportedSuite)
	}

	gs := GroupSecrets{
		JoinerSecret: w.joinerSecret,
		PSKs:         w.psks,
	}
	if pathSecret != nil {
		gs.PathSecret = &pathSecretBox{pathSecret}
	}

	pt, err := syntax.Marshal(gs)
	if err != nil {
		return fmt.Errorf("mls.welcome: group secrets marshal failure: %v", err)
	}
	defer zeroize(pt)

	ct, err := w.CipherSuite.encryptWithLabel(kp.InitKey, "Welcome", w.EncryptedGroupInfo, pt)
	if err != nil {
		return fmt.Errorf("mls.welcome: group secrets encryption failure: %v", err)
	}

	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		NewMember:             ref,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// decryptSecrets recovers this joiner's GroupSecrets using the private
// half of the key package the Welcome was addressed to.
func (w Welcome) decryptSecrets(kp KeyPackage, initPriv HPKEPrivateKey) (*GroupSecrets, error) {
	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	var sealed *EncryptedGroupSecrets
	for i := range w.Secrets {
		if bytes.Equal(w.Secrets[i].NewMember, ref) {
			sealed = &w.Secrets[i]
			break
		}
	}
	if sealed == nil {
		return nil, fmt.Errorf("mls.welcome: not addressed to this key package: %w", ErrWelcomeDecryption)
	}

	pt, err := w.CipherSuite.decryptWithLabel(initPriv, "Welcome", w.EncryptedGroupInfo, sealed.EncryptedGroupSecrets)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group secrets decryption failure: %w", ErrWelcomeDecryption)
	}

	var gs GroupSecrets
	if _, err = syntax.Unmarshal(pt, &gs); err != nil {
		return nil, fmt.Errorf("mls.welcome: group secrets decode failure: %w", ErrWelcomeDecryption)
	}
	return &gs, nil
}

// decryptGroupInfo opens the sealed GroupInfo once the welcome secret has
// been derived from the joiner secret and any PSKs.
func (w Welcome) decryptGroupInfo(welcomeSecret []byte) (*GroupInfo, error) {
	keys := welcomeKeyAndNonce(w.CipherSuite, welcomeSecret)
	defer keys.zeroize()

	aead, err := w.CipherSuite.newAEAD(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: aead failure: %v", err)
	}

	pt, err := aead.Open(nil, keys.Nonce, w.EncryptedGroupInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info decryption failure: %w", ErrWelcomeDecryption)
	}

	var gi GroupInfo
	if _, err = syntax.Unmarshal(pt, &gi); err != nil {
		return nil, fmt.Errorf("mls.welcome: group info decode failure: %w", ErrWelcomeDecryption)
	}
	return &gi, nil
}
