package mls

import (
	"bytes"
	"crypto/x509"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 1
	CredentialTypeX509  CredentialType = 2
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic, CredentialTypeX509)
}

// struct {
//   opaque identity<V>;
// } BasicCredential;
type BasicCredential struct {
	Identity []byte `tls:"head=2"`
}

// case x509: Certificate chain<V>;
//
// Certificates are carried leaf-first, each as raw DER. Chain trust
// validation is the caller's responsibility; Verify below only checks
// hop-by-hop signatures against a supplied anchor set.
type X509Credential struct {
	Chain []*x509.Certificate
}

func (cred X509Credential) Equals(other *X509Credential) bool {
	if len(cred.Chain) != len(other.Chain) {
		return false
	}

	for i, cert := range cred.Chain {
		if !cert.Equal(other.Chain[i]) {
			return false
		}
	}

	return true
}

type certChainEntry struct {
	Data []byte `tls:"head=3"`
}

type certChainData struct {
	Certs []certChainEntry `tls:"head=4"`
}

func (cred X509Credential) MarshalTLS() ([]byte, error) {
	chain := certChainData{}
	for _, cert := range cred.Chain {
		chain.Certs = append(chain.Certs, certChainEntry{cert.Raw})
	}
	return syntax.Marshal(chain)
}

func (cred *X509Credential) UnmarshalTLS(data []byte) (int, error) {
	var chain certChainData
	read, err := syntax.Unmarshal(data, &chain)
	if err != nil {
		return 0, err
	}

	cred.Chain = nil
	for _, entry := range chain.Certs {
		cert, err := x509.ParseCertificate(entry.Data)
		if err != nil {
			return 0, fmt.Errorf("mls.credential: certificate parse failure: %w", ErrMalformedMessage)
		}
		cred.Chain = append(cred.Chain, cert)
	}

	if len(cred.Chain) == 0 {
		return 0, fmt.Errorf("mls.credential: empty certificate chain: %w", ErrMalformedMessage)
	}
	return read, nil
}

// This is essentially a copy of what is in crypto/x509, but with things
// exposed that are hidden in that module.
type certPool struct {
	byKeyID map[string]*x509.Certificate
	byName  map[string]*x509.Certificate
}

func newCertPool(trusted []*x509.Certificate) *certPool {
	pool := &certPool{
		byKeyID: map[string]*x509.Certificate{},
		byName:  map[string]*x509.Certificate{},
	}

	for _, cert := range trusted {
		ski := string(cert.SubjectKeyId)
		name := string(cert.RawSubject)

		pool.byName[name] = cert
		if len(ski) > 0 {
			pool.byKeyID[ski] = cert
		}
	}

	return pool
}

func (pool certPool) parent(cert *x509.Certificate) (*x509.Certificate, bool) {
	aki := string(cert.AuthorityKeyId)
	name := string(cert.RawIssuer)

	if parent, ok := pool.byKeyID[aki]; len(aki) > 0 && ok {
		return parent, true
	}

	if parent, ok := pool.byName[name]; ok {
		return parent, true
	}

	return nil, false
}

// Verify walks the chain checking hop-by-hop signatures until it reaches a
// trusted certificate. Name constraints and richer path policy are not
// considered; callers needing them should validate the chain themselves.
func (cred X509Credential) Verify(trusted []*x509.Certificate) error {
	pool := newCertPool(trusted)

	var curr, next *x509.Certificate
	for i := 0; i < len(cred.Chain)-1; i++ {
		curr = cred.Chain[i]
		next = cred.Chain[i+1]

		parent, ok := pool.parent(curr)
		if ok && curr.CheckSignatureFrom(parent) == nil {
			return nil
		}

		if err := curr.CheckSignatureFrom(next); err != nil {
			return err
		}
	}

	last := cred.Chain[len(cred.Chain)-1]
	parent, ok := pool.parent(last)
	if !ok {
		return fmt.Errorf("mls.credential: no candidate trust anchor found")
	}

	return last.CheckSignatureFrom(parent)
}

// struct {
//   CredentialType credential_type;
//   select (Credential.credential_type) {
//     case basic: BasicCredential;
//     case x509:  Certificate chain<V>;
//   };
// } Credential;
type Credential struct {
	Basic *BasicCredential
	X509  *X509Credential
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{Basic: &BasicCredential{Identity: dup(identity)}}
}

func NewX509Credential(chain []*x509.Certificate) (Credential, error) {
	if len(chain) == 0 {
		return Credential{}, fmt.Errorf("mls.credential: at least one certificate is required")
	}
	return Credential{X509: &X509Credential{Chain: chain}}, nil
}

func (c Credential) Type() CredentialType {
	switch {
	case c.Basic != nil:
		return CredentialTypeBasic
	case c.X509 != nil:
		return CredentialTypeX509
	default:
		panic("mls.credential: malformed credential")
	}
}

// Identity is only defined for basic credentials.
func (c Credential) Identity() ([]byte, error) {
	if c.Basic == nil {
		return nil, fmt.Errorf("mls.credential: identity of %v credential: %w", c.Type(), ErrCredentialType)
	}
	return c.Basic.Identity, nil
}

// Certificates is only defined for X.509 credentials.
func (c Credential) Certificates() ([]*x509.Certificate, error) {
	if c.X509 == nil {
		return nil, fmt.Errorf("mls.credential: certificates of %v credential: %w", c.Type(), ErrCredentialType)
	}
	return c.X509.Chain, nil
}

// Compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Type() != o.Type() {
		return false
	}

	switch c.Type() {
	case CredentialTypeBasic:
		return bytes.Equal(c.Basic.Identity, o.Basic.Identity)
	case CredentialTypeX509:
		return c.X509.Equals(o.X509)
	}
	return false
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	case CredentialTypeX509:
		err = s.Write(c.X509)
	default:
		err = fmt.Errorf("mls.credential: credential type not allowed")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		c.X509 = nil
		_, err = s.Read(c.Basic)
	case CredentialTypeX509:
		c.X509 = new(X509Credential)
		c.Basic = nil
		_, err = s.Read(c.X509)
	default:
		err = fmt.Errorf("mls.credential: credential type %d not allowed: %w", credentialType, ErrMalformedMessage)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}
