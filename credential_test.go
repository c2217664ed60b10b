package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestBasicCredential(t *testing.T) {
	identity := []byte("alice@example.com")
	cred := NewBasicCredential(identity)

	require.Equal(t, CredentialTypeBasic, cred.Type())

	id, err := cred.Identity()
	require.NoError(t, err)
	require.Equal(t, identity, id)

	// A basic credential carries no certificates.
	_, err = cred.Certificates()
	require.ErrorIs(t, err, ErrCredentialType)
}

func TestCredentialEquals(t *testing.T) {
	a := NewBasicCredential([]byte("alice"))
	b := NewBasicCredential([]byte("alice"))
	c := NewBasicCredential([]byte("bob"))

	require.True(t, a.Equals(b))
	require.False(t, a.Equals(c))
}

func TestCredentialMarshal(t *testing.T) {
	cred := NewBasicCredential([]byte("alice"))

	enc, err := syntax.Marshal(cred)
	require.NoError(t, err)

	var out Credential
	_, err = syntax.Unmarshal(enc, &out)
	require.NoError(t, err)
	require.True(t, cred.Equals(out))
}
