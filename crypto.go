package mls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"math/big"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs,
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "MLS_128_DHKEMP256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"
	}
	return fmt.Sprintf("CipherSuite(%04x)", uint16(cs))
}

func (cs CipherSuite) Supported() bool {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return true
	}
	return false
}

type suiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) Constants() suiteConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256:
		return suiteConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 32}
	}
	panic(ErrUnsupportedSuite)
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return Ed25519
	case P256_AES128GCM_SHA256_P256:
		return ECDSA_SECP256R1_SHA256
	}
	panic(ErrUnsupportedSuite)
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New()
	}
	panic(ErrUnsupportedSuite)
}

func (cs CipherSuite) hashFunc() func() hash.Hash {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return sha256.New
	}
	panic(ErrUnsupportedSuite)
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.hashFunc(), key)
}

func (cs CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}
	return nil, ErrUnsupportedSuite
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

///
/// HKDF with the RFC 9420 label discipline
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.hashFunc(), ikm, salt)
}

func (cs CipherSuite) hkdfExpand(prk, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.hashFunc(), prk, info)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf expand failure: %v", err))
	}
	return out
}

// struct {
//   uint16 length;
//   opaque label<V>;
//   opaque context<V>;
// } KDFLabel;
type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, size int) []byte {
	mlsLabel := []byte("MLS 1.0 " + label)
	info, err := syntax.Marshal(kdfLabel{uint16(size), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: kdf label marshal failure: %v", err))
	}
	return cs.hkdfExpand(secret, info, size)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, []byte{}, cs.Constants().SecretSize)
}

// Per-generation derivation for the secret tree ratchets.
func (cs CipherSuite) deriveTreeSecret(secret []byte, label string, generation uint32, size int) []byte {
	context := []byte{
		byte(generation >> 24), byte(generation >> 16),
		byte(generation >> 8), byte(generation),
	}
	return cs.expandWithLabel(secret, label, context, size)
}

// struct {
//   opaque label<V>;
//   opaque value<V>;
// } RefHashInput;
type refHashInput struct {
	Label []byte `tls:"head=1"`
	Value []byte `tls:"head=4"`
}

// Content-addressed references for key packages and proposals.
func (cs CipherSuite) refHash(label string, value []byte) []byte {
	enc, err := syntax.Marshal(refHashInput{[]byte(label), value})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: ref hash marshal failure: %v", err))
	}
	return cs.Digest(enc)
}

///
/// HPKE
///

// opaque HPKEPublicKey<V>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	if len(k.Data) != len(o.Data) {
		return false
	}
	for i := range k.Data {
		if k.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

func (k *HPKEPrivateKey) Zeroize() {
	zeroize(k.Data)
}

// struct {
//   opaque kem_output<V>;
//   opaque ciphertext<V>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	var kem hpke.KEMID
	var aead hpke.AEADID
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		kem, aead = hpke.DHKEM_X25519, hpke.AEAD_AESGCM128
	case P256_AES128GCM_SHA256_P256:
		kem, aead = hpke.DHKEM_P256, hpke.AEAD_AESGCM128
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		kem, aead = hpke.DHKEM_X25519, hpke.AEAD_CHACHA20POLY1305
	default:
		panic(ErrUnsupportedSuite)
	}

	suite, err := hpke.AssembleCipherSuite(kem, hpke.KDF_HKDF_SHA256, aead)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hpke suite assembly failure: %v", err))
	}
	return hpkeInstance{suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, info, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.BaseSuite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.BaseSuite, rand.Reader, pkR, info)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, info, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.BaseSuite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.BaseSuite, skR, ct.KEMOutput, info)
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

// struct {
//   opaque label<V>;
//   opaque context<V>;
// } EncryptContext;
type encryptContext struct {
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) encryptWithLabel(pub HPKEPublicKey, label string, context, pt []byte) (HPKECiphertext, error) {
	info, err := syntax.Marshal(encryptContext{[]byte("MLS 1.0 " + label), context})
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: encrypt context marshal failure: %v", err)
	}
	return cs.hpke().Encrypt(pub, info, nil, pt)
}

func (cs CipherSuite) decryptWithLabel(priv HPKEPrivateKey, label string, context []byte, ct HPKECiphertext) ([]byte, error) {
	info, err := syntax.Marshal(encryptContext{[]byte("MLS 1.0 " + label), context})
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: encrypt context marshal failure: %v", err)
	}
	return cs.hpke().Decrypt(priv, info, nil, ct)
}

// One-sided export used by external commits: the joiner encapsulates to
// external_pub and both sides export the new init secret from the HPKE
// context.
func (h hpkeInstance) ExportS(pub HPKEPublicKey, info []byte, label string, size int) ([]byte, []byte, error) {
	pkR, err := h.BaseSuite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return nil, nil, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.BaseSuite, rand.Reader, pkR, info)
	if err != nil {
		return nil, nil, err
	}

	return enc, ctx.Export([]byte(label), size), nil
}

func (h hpkeInstance) ExportR(priv HPKEPrivateKey, kemOutput, info []byte, label string, size int) ([]byte, error) {
	skR, err := h.BaseSuite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.BaseSuite, skR, kemOutput, info)
	if err != nil {
		return nil, err
	}

	return ctx.Export([]byte(label), size), nil
}

///
/// Signatures
///

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	Ed25519                SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, ECDSA_SECP256R1_SHA256, Ed25519)
}

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case Ed25519:
		return "Ed25519"
	}
	return fmt.Sprintf("SignatureScheme(%04x)", uint16(ss))
}

// opaque SignaturePublicKey<V>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	if len(pub.Data) != len(o.Data) {
		return false
	}
	for i := range pub.Data {
		if pub.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

// Zeroize wipes the private scalar. The key is unusable afterwards.
func (priv *SignaturePrivateKey) Zeroize() {
	zeroize(priv.Data)
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		pubData := elliptic.Marshal(curve, priv.X, priv.Y)
		return SignaturePrivateKey{
			Data:      priv.D.Bytes(),
			PublicKey: SignaturePublicKey{pubData},
		}, nil
	}
	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported scheme %v", ss)
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case Ed25519:
		digest := sha256.Sum256(seed)
		priv := ed25519.NewKeyFromSeed(digest[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		digest := sha256.Sum256(seed)
		d := new(big.Int).SetBytes(digest[:])
		d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
		d.Add(d, big.NewInt(1))

		x, y := curve.ScalarBaseMult(d.Bytes())
		pubData := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{
			Data:      d.Bytes(),
			PublicKey: SignaturePublicKey{pubData},
		}, nil
	}
	return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported scheme %v", ss)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case Ed25519:
		priv25519 := ed25519.PrivateKey(priv.Data)
		return ed25519.Sign(priv25519, message), nil

	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		d := new(big.Int).SetBytes(priv.Data)
		x, y := curve.ScalarBaseMult(d.Bytes())
		ecPriv := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         d,
		}
		h := sha256.Sum256(message)
		return ecPriv.Sign(rand.Reader, h[:], crypto.SHA256)
	}
	return nil, fmt.Errorf("mls.crypto: unsupported scheme %v", ss)
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}
		ecPub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		h := sha256.Sum256(message)
		return ecdsa.VerifyASN1(ecPub, h[:], signature)
	}
	return false
}

// struct {
//   opaque label<V>;
//   opaque content<V>;
// } SignContent;
type signContent struct {
	Label   []byte `tls:"head=1"`
	Content []byte `tls:"head=4"`
}

func (cs CipherSuite) signWithLabel(priv *SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	enc, err := syntax.Marshal(signContent{[]byte("MLS 1.0 " + label), content})
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: sign content marshal failure: %v", err)
	}
	return cs.Scheme().Sign(priv, enc)
}

func (cs CipherSuite) verifyWithLabel(pub *SignaturePublicKey, label string, content, signature []byte) bool {
	enc, err := syntax.Marshal(signContent{[]byte("MLS 1.0 " + label), content})
	if err != nil {
		return false
	}
	return cs.Scheme().Verify(pub, enc, signature)
}

func randomBytesOrPanic(size int) []byte {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		panic(fmt.Errorf("mls.crypto: entropy failure: %v", err))
	}
	return out
}
