package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func testGroupContext() GroupContext {
	return GroupContext{
		Version:                 ProtocolVersionMLS10,
		CipherSuite:             testSuite,
		GroupID:                 testGroupID,
		Epoch:                   3,
		TreeHash:                randomBytes(32),
		ConfirmedTranscriptHash: randomBytes(32),
		Extensions:              ExtensionList{},
	}
}

func TestPublicMessageRoundTrip(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()
	membershipKey := randomBytes(testSuite.Constants().SecretSize)

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(1),
		AuthenticatedData: []byte("aad"),
		Proposal:          &Proposal{Remove: &RemoveProposal{Removed: 2}},
	}

	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPublicMessage, content, &ctx)
	require.NoError(t, err)

	pm, err := newPublicMessage(testSuite, ac, membershipKey, &ctx)
	require.NoError(t, err)

	enc, err := syntax.Marshal(*pm)
	require.NoError(t, err)
	var decoded PublicMessage
	_, err = syntax.Unmarshal(enc, &decoded)
	require.NoError(t, err)

	out, err := decoded.authenticatedContent(testSuite, membershipKey, &ctx)
	require.NoError(t, err)
	require.NoError(t, out.verify(testSuite, &sigPriv.PublicKey, &ctx))
	require.Equal(t, ContentTypeProposal, out.Content.ContentType())
	require.Equal(t, LeafIndex(2), out.Content.Proposal.Remove.Removed)

	// A wrong membership key is caught before the signature is even
	// checked.
	_, err = decoded.authenticatedContent(testSuite, randomBytes(32), &ctx)
	require.Error(t, err)
}

func TestPublicMessageSignatureBinding(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(0),
		AuthenticatedData: []byte{},
		Proposal:          &Proposal{Remove: &RemoveProposal{Removed: 1}},
	}

	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPublicMessage, content, &ctx)
	require.NoError(t, err)
	require.NoError(t, ac.verify(testSuite, &sigPriv.PublicKey, &ctx))

	// The signature binds the group context.
	otherCtx := testGroupContext()
	require.Error(t, ac.verify(testSuite, &sigPriv.PublicKey, &otherCtx))

	// And the wire format.
	mutated := ac
	mutated.WireFormat = WireFormatPrivateMessage
	require.Error(t, mutated.verify(testSuite, &sigPriv.PublicKey, &ctx))
}

func TestPrivateMessageRoundTrip(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()
	sender, receiver := newTestEpochPair(t, 4)

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(1),
		AuthenticatedData: []byte("aad"),
		Application:       []byte("hello group"),
	}

	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPrivateMessage, content, &ctx)
	require.NoError(t, err)

	pm, err := encryptPrivateMessage(testSuite, sender, ac, 1, 0)
	require.NoError(t, err)

	// Nothing readable on the wire beyond the envelope.
	require.Equal(t, testGroupID, pm.GroupID)
	require.Equal(t, Epoch(3), pm.Epoch)
	require.Equal(t, ContentTypeApplication, pm.ContentType)

	enc, err := syntax.Marshal(*pm)
	require.NoError(t, err)
	var decoded PrivateMessage
	_, err = syntax.Unmarshal(enc, &decoded)
	require.NoError(t, err)

	out, err := decryptPrivateMessage(testSuite, receiver, 4, decoded)
	require.NoError(t, err)
	require.NoError(t, out.verify(testSuite, &sigPriv.PublicKey, &ctx))
	require.Equal(t, []byte("hello group"), out.Content.Application)
	require.Equal(t, []byte("aad"), out.Content.AuthenticatedData)
	require.Equal(t, uint32(1), out.Content.Sender.Index)
}

func TestPrivateMessagePadding(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()
	sender, receiver := newTestEpochPair(t, 4)

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(0),
		AuthenticatedData: []byte{},
		Application:       []byte("short"),
	}

	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPrivateMessage, content, &ctx)
	require.NoError(t, err)

	pm, err := encryptPrivateMessage(testSuite, sender, ac, 0, 256)
	require.NoError(t, err)
	require.Greater(t, len(pm.Ciphertext), 256)

	out, err := decryptPrivateMessage(testSuite, receiver, 4, *pm)
	require.NoError(t, err)
	require.Equal(t, []byte("short"), out.Content.Application)
}

func TestPrivateMessageTamperRejected(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()
	sender, receiver := newTestEpochPair(t, 4)

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(0),
		AuthenticatedData: []byte{},
		Application:       []byte("payload"),
	}

	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPrivateMessage, content, &ctx)
	require.NoError(t, err)

	pm, err := encryptPrivateMessage(testSuite, sender, ac, 0, 0)
	require.NoError(t, err)

	pm.Ciphertext[len(pm.Ciphertext)-1] ^= 0xff
	_, err = decryptPrivateMessage(testSuite, receiver, 4, *pm)
	require.Error(t, err)
}

func TestMLSMessageMarshal(t *testing.T) {
	sigPriv, err := testSuite.Scheme().Generate()
	require.NoError(t, err)
	ctx := testGroupContext()
	sender, _ := newTestEpochPair(t, 4)

	content := FramedContent{
		GroupID:           testGroupID,
		Epoch:             3,
		Sender:            MemberSender(1),
		AuthenticatedData: []byte{},
		Application:       []byte("app data"),
	}
	ac, err := signContentTBS(testSuite, &sigPriv, WireFormatPrivateMessage, content, &ctx)
	require.NoError(t, err)
	pm, err := encryptPrivateMessage(testSuite, sender, ac, 1, 0)
	require.NoError(t, err)

	msg := MLSMessage{Version: ProtocolVersionMLS10, PrivateMessage: pm}
	require.Equal(t, WireFormatPrivateMessage, msg.WireFormat())

	enc, err := syntax.Marshal(msg)
	require.NoError(t, err)

	info, err := PeekMessage(enc)
	require.NoError(t, err)
	require.Equal(t, WireFormatPrivateMessage, info.WireFormat)
	require.Equal(t, testGroupID, info.GroupID)
	require.Equal(t, Epoch(3), info.Epoch)
	require.Equal(t, ContentTypeApplication, info.ContentType)
}

func TestPeekMessageMalformed(t *testing.T) {
	_, err := PeekMessage([]byte{0x00})
	require.ErrorIs(t, err, ErrMalformedMessage)
}
