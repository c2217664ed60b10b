package mls

import (
	"crypto/hmac"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 0x0001
	WireFormatPrivateMessage WireFormat = 0x0002
	WireFormatWelcome        WireFormat = 0x0003
	WireFormatGroupInfo      WireFormat = 0x0004
	WireFormatKeyPackage     WireFormat = 0x0005
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf,
		WireFormatPublicMessage, WireFormatPrivateMessage,
		WireFormatWelcome, WireFormatGroupInfo, WireFormatKeyPackage)
}

func (wf WireFormat) String() string {
	switch wf {
	case WireFormatPublicMessage:
		return "public_message"
	case WireFormatPrivateMessage:
		return "private_message"
	case WireFormatWelcome:
		return "welcome"
	case WireFormatGroupInfo:
		return "group_info"
	case WireFormatKeyPackage:
		return "key_package"
	}
	return fmt.Sprintf("WireFormat(%04x)", uint16(wf))
}

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

type SenderType uint8

const (
	SenderTypeMember            SenderType = 1
	SenderTypeExternal          SenderType = 2
	SenderTypeNewMemberProposal SenderType = 3
	SenderTypeNewMemberCommit   SenderType = 4
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember, SenderTypeExternal, SenderTypeNewMemberProposal, SenderTypeNewMemberCommit)
}

// struct {
//   SenderType sender_type;
//   select (sender_type) {
//     case member: uint32 leaf_index;
//     case external: uint32 sender_index;
//     case new_member_proposal: struct{};
//     case new_member_commit: struct{};
//   };
// } Sender;
type Sender struct {
	SenderType SenderType
	Index      uint32
}

func MemberSender(index LeafIndex) Sender {
	return Sender{SenderType: SenderTypeMember, Index: uint32(index)}
}

func NewMemberCommitSender() Sender {
	return Sender{SenderType: SenderTypeNewMemberCommit}
}

func (s Sender) MarshalTLS() ([]byte, error) {
	ws := syntax.NewWriteStream()
	err := ws.Write(s.SenderType)
	if err != nil {
		return nil, err
	}

	switch s.SenderType {
	case SenderTypeMember, SenderTypeExternal:
		err = ws.Write(s.Index)
	case SenderTypeNewMemberProposal, SenderTypeNewMemberCommit:
	default:
		err = fmt.Errorf("mls.framing: invalid sender type")
	}
	if err != nil {
		return nil, err
	}
	return ws.Data(), nil
}

func (s *Sender) UnmarshalTLS(data []byte) (int, error) {
	*s = Sender{}
	rs := syntax.NewReadStream(data)
	_, err := rs.Read(&s.SenderType)
	if err != nil {
		return 0, err
	}

	switch s.SenderType {
	case SenderTypeMember, SenderTypeExternal:
		_, err = rs.Read(&s.Index)
	case SenderTypeNewMemberProposal, SenderTypeNewMemberCommit:
	default:
		err = fmt.Errorf("mls.framing: invalid sender type: %w", ErrMalformedMessage)
	}
	if err != nil {
		return 0, err
	}
	return rs.Position(), nil
}

///
/// FramedContent
///

// struct {
//   opaque group_id<V>;
//   uint64 epoch;
//   Sender sender;
//   opaque authenticated_data<V>;
//   ContentType content_type;
//   select (content_type) {
//     case application: opaque application_data<V>;
//     case proposal: Proposal proposal;
//     case commit: Commit commit;
//   };
// } FramedContent;
type FramedContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`

	Application []byte
	Proposal    *Proposal
	Commit      *Commit
}

func (c FramedContent) ContentType() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	}
	panic("mls.framing: malformed content")
}

type framedContentHeader struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
}

func (c FramedContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.ContentType()
	err := s.WriteAll(framedContentHeader{c.GroupID, c.Epoch, c.Sender, c.AuthenticatedData}, contentType)
	if err != nil {
		return nil, err
	}

	switch contentType {
	case ContentTypeApplication:
		err = s.Write(struct {
			Data []byte `tls:"head=4"`
		}{c.Application})
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	*c = FramedContent{}
	s := syntax.NewReadStream(data)
	var header framedContentHeader
	var contentType ContentType
	_, err := s.ReadAll(&header, &contentType)
	if err != nil {
		return 0, err
	}
	c.GroupID = header.GroupID
	c.Epoch = header.Epoch
	c.Sender = header.Sender
	c.AuthenticatedData = header.AuthenticatedData

	switch contentType {
	case ContentTypeApplication:
		var body struct {
			Data []byte `tls:"head=4"`
		}
		_, err = s.Read(&body)
		c.Application = body.Data
		if c.Application == nil {
			c.Application = []byte{}
		}
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(Commit)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("mls.framing: invalid content type: %w", ErrMalformedMessage)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// struct {
//   ProtocolVersion version;
//   WireFormat wire_format;
//   FramedContent content;
//   select (content.sender.sender_type) {
//     case member, new_member_commit: GroupContext context;
//     case external, new_member_proposal: struct{};
//   };
// } FramedContentTBS;
func (c FramedContent) toBeSigned(wireFormat WireFormat, ctx *GroupContext) ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(ProtocolVersionMLS10, wireFormat, c)
	if err != nil {
		return nil, err
	}

	switch c.Sender.SenderType {
	case SenderTypeMember, SenderTypeNewMemberCommit:
		if ctx == nil {
			return nil, fmt.Errorf("mls.framing: group context required for sender type %d", c.Sender.SenderType)
		}
		err = s.Write(ctx)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

// struct {
//   opaque signature<V>;
//   select (content_type) { case commit: MAC confirmation_tag; };
// } FramedContentAuthData;
type FramedContentAuthData struct {
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"`
}

func (a FramedContentAuthData) marshal(contentType ContentType, s *syntax.WriteStream) error {
	err := s.Write(struct {
		Signature []byte `tls:"head=2"`
	}{a.Signature})
	if err != nil {
		return err
	}
	if contentType == ContentTypeCommit {
		err = s.Write(struct {
			ConfirmationTag []byte `tls:"head=1"`
		}{a.ConfirmationTag})
	}
	return err
}

func (a *FramedContentAuthData) unmarshal(contentType ContentType, s *syntax.ReadStream) error {
	var sig struct {
		Signature []byte `tls:"head=2"`
	}
	_, err := s.Read(&sig)
	if err != nil {
		return err
	}
	a.Signature = sig.Signature

	if contentType == ContentTypeCommit {
		var tag struct {
			ConfirmationTag []byte `tls:"head=1"`
		}
		_, err = s.Read(&tag)
		a.ConfirmationTag = tag.ConfirmationTag
	}
	return err
}

// A framed content together with its authentication data, decoupled from
// the wire encoding it arrived in.
type AuthenticatedContent struct {
	WireFormat WireFormat
	Content    FramedContent
	Auth       FramedContentAuthData
}

func signContentTBS(suite CipherSuite, sigPriv *SignaturePrivateKey, wireFormat WireFormat, content FramedContent, ctx *GroupContext) (AuthenticatedContent, error) {
	tbs, err := content.toBeSigned(wireFormat, ctx)
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: tbs marshal failure: %v", err)
	}

	sig, err := suite.signWithLabel(sigPriv, "FramedContentTBS", tbs)
	if err != nil {
		return AuthenticatedContent{}, err
	}

	return AuthenticatedContent{
		WireFormat: wireFormat,
		Content:    content,
		Auth:       FramedContentAuthData{Signature: sig},
	}, nil
}

func (ac AuthenticatedContent) verify(suite CipherSuite, sigPub *SignaturePublicKey, ctx *GroupContext) error {
	tbs, err := ac.Content.toBeSigned(ac.WireFormat, ctx)
	if err != nil {
		return fmt.Errorf("mls.framing: tbs marshal failure: %v", err)
	}
	if !suite.verifyWithLabel(sigPub, "FramedContentTBS", tbs, ac.Auth.Signature) {
		return fmt.Errorf("mls.framing: %w", ErrInvalidSignature)
	}
	return nil
}

// The input to the confirmed transcript hash: everything about a commit
// message except its confirmation tag.
func (ac AuthenticatedContent) confirmedTranscriptInput() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.WriteAll(ac.WireFormat, ac.Content)
	if err != nil {
		return nil, err
	}
	err = s.Write(struct {
		Signature []byte `tls:"head=2"`
	}{ac.Auth.Signature})
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

///
/// PublicMessage
///

// struct {
//   FramedContent content;
//   FramedContentAuthData auth;
//   select (content.sender.sender_type) { case member: MAC membership_tag; };
// } PublicMessage;
type PublicMessage struct {
	Content       FramedContent
	Auth          FramedContentAuthData
	MembershipTag []byte
}

func (pm PublicMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(pm.Content)
	if err != nil {
		return nil, err
	}
	if err = pm.Auth.marshal(pm.Content.ContentType(), s); err != nil {
		return nil, err
	}
	if pm.Content.Sender.SenderType == SenderTypeMember {
		err = s.Write(struct {
			MembershipTag []byte `tls:"head=1"`
		}{pm.MembershipTag})
		if err != nil {
			return nil, err
		}
	}
	return s.Data(), nil
}

func (pm *PublicMessage) UnmarshalTLS(data []byte) (int, error) {
	*pm = PublicMessage{}
	s := syntax.NewReadStream(data)
	_, err := s.Read(&pm.Content)
	if err != nil {
		return 0, err
	}
	if err = pm.Auth.unmarshal(pm.Content.ContentType(), s); err != nil {
		return 0, err
	}
	if pm.Content.Sender.SenderType == SenderTypeMember {
		var tag struct {
			MembershipTag []byte `tls:"head=1"`
		}
		if _, err = s.Read(&tag); err != nil {
			return 0, err
		}
		pm.MembershipTag = tag.MembershipTag
	}
	return s.Position(), nil
}

// The membership tag binds a member's public message to the epoch's
// membership key, so only current members can produce one.
func (pm PublicMessage) membershipMAC(suite CipherSuite, membershipKey []byte, ctx *GroupContext) ([]byte, error) {
	tbs, err := pm.Content.toBeSigned(WireFormatPublicMessage, ctx)
	if err != nil {
		return nil, err
	}

	s := syntax.NewWriteStream()
	if err = s.Write(struct {
		TBS []byte `tls:"head=4"`
	}{tbs}); err != nil {
		return nil, err
	}
	if err = pm.Auth.marshal(pm.Content.ContentType(), s); err != nil {
		return nil, err
	}

	mac := suite.newHMAC(membershipKey)
	mac.Write(s.Data())
	return mac.Sum(nil), nil
}

func newPublicMessage(suite CipherSuite, ac AuthenticatedContent, membershipKey []byte, ctx *GroupContext) (*PublicMessage, error) {
	pm := &PublicMessage{Content: ac.Content, Auth: ac.Auth}
	if ac.Content.Sender.SenderType == SenderTypeMember {
		tag, err := pm.membershipMAC(suite, membershipKey, ctx)
		if err != nil {
			return nil, fmt.Errorf("mls.framing: membership tag failure: %v", err)
		}
		pm.MembershipTag = tag
	}
	return pm, nil
}

func (pm PublicMessage) authenticatedContent(suite CipherSuite, membershipKey []byte, ctx *GroupContext) (AuthenticatedContent, error) {
	if pm.Content.Sender.SenderType == SenderTypeMember {
		tag, err := pm.membershipMAC(suite, membershipKey, ctx)
		if err != nil {
			return AuthenticatedContent{}, fmt.Errorf("mls.framing: membership tag failure: %v", err)
		}
		if !hmac.Equal(tag, pm.MembershipTag) {
			return AuthenticatedContent{}, fmt.Errorf("mls.framing: bad membership tag: %w", ErrInvalidSignature)
		}
	}
	return AuthenticatedContent{
		WireFormat: WireFormatPublicMessage,
		Content:    pm.Content,
		Auth:       pm.Auth,
	}, nil
}

///
/// PrivateMessage
///

// struct {
//   uint32 leaf_index;
//   uint32 generation;
//   opaque reuse_guard[4];
// } SenderData;
type senderData struct {
	LeafIndex  LeafIndex
	Generation uint32
	ReuseGuard [4]byte
}

type senderDataAAD struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       Epoch
	ContentType ContentType
}

type privateContentAAD struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	ContentType       ContentType
	AuthenticatedData []byte `tls:"head=4"`
}

// struct {
//   opaque group_id<V>;
//   uint64 epoch;
//   ContentType content_type;
//   opaque authenticated_data<V>;
//   opaque encrypted_sender_data<V>;
//   opaque ciphertext<V>;
// } PrivateMessage;
type PrivateMessage struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

func applyReuseGuard(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := 0; i < 4; i++ {
		out[i] ^= guard[i]
	}
	return out
}

const senderDataSampleSize = 16

func (pm PrivateMessage) sample() []byte {
	if len(pm.Ciphertext) < senderDataSampleSize {
		return pm.Ciphertext
	}
	return pm.Ciphertext[:senderDataSampleSize]
}

// The inner plaintext carries the content body, the auth data, and then
// zero padding.
func marshalPrivateContent(ac AuthenticatedContent, padding int) ([]byte, error) {
	s := syntax.NewWriteStream()
	var err error
	switch ac.Content.ContentType() {
	case ContentTypeApplication:
		err = s.Write(struct {
			Data []byte `tls:"head=4"`
		}{ac.Content.Application})
	case ContentTypeProposal:
		err = s.Write(ac.Content.Proposal)
	case ContentTypeCommit:
		err = s.Write(ac.Content.Commit)
	}
	if err != nil {
		return nil, err
	}
	if err = ac.Auth.marshal(ac.Content.ContentType(), s); err != nil {
		return nil, err
	}

	out := s.Data()
	if padding > 0 {
		out = append(out, make([]byte, padding)...)
	}
	return out, nil
}

func unmarshalPrivateContent(data []byte, header PrivateMessage, sender Sender) (AuthenticatedContent, error) {
	content := FramedContent{
		GroupID:           header.GroupID,
		Epoch:             header.Epoch,
		Sender:            sender,
		AuthenticatedData: header.AuthenticatedData,
	}

	s := syntax.NewReadStream(data)
	var err error
	switch header.ContentType {
	case ContentTypeApplication:
		var body struct {
			Data []byte `tls:"head=4"`
		}
		_, err = s.Read(&body)
		content.Application = body.Data
		if content.Application == nil {
			content.Application = []byte{}
		}
	case ContentTypeProposal:
		content.Proposal = new(Proposal)
		_, err = s.Read(content.Proposal)
	case ContentTypeCommit:
		content.Commit = new(Commit)
		_, err = s.Read(content.Commit)
	default:
		err = fmt.Errorf("mls.framing: invalid content type: %w", ErrMalformedMessage)
	}
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: inner content decode failure: %w", ErrMalformedMessage)
	}

	var auth FramedContentAuthData
	if err = auth.unmarshal(header.ContentType, s); err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: inner auth decode failure: %w", ErrMalformedMessage)
	}

	// Everything after the auth data must be zero padding.
	for _, b := range data[s.Position():] {
		if b != 0 {
			return AuthenticatedContent{}, fmt.Errorf("mls.framing: nonzero padding: %w", ErrMalformedMessage)
		}
	}

	return AuthenticatedContent{
		WireFormat: WireFormatPrivateMessage,
		Content:    content,
		Auth:       auth,
	}, nil
}

func encryptPrivateMessage(suite CipherSuite, epoch *keyScheduleEpoch, ac AuthenticatedContent, senderIndex LeafIndex, padding int) (*PrivateMessage, error) {
	contentType := ac.Content.ContentType()

	var ratchet *hashRatchet
	var err error
	if contentType == ContentTypeApplication {
		ratchet, err = epoch.applicationRatchet(senderIndex)
	} else {
		ratchet, err = epoch.handshakeRatchet(senderIndex)
	}
	if err != nil {
		return nil, err
	}
	generation, keys := ratchet.Next()

	var guard [4]byte
	copy(guard[:], randomBytesOrPanic(4))

	pt, err := marshalPrivateContent(ac, padding)
	if err != nil {
		return nil, fmt.Errorf("mls.framing: inner content marshal failure: %v", err)
	}

	aad, err := syntax.Marshal(privateContentAAD{
		GroupID:           ac.Content.GroupID,
		Epoch:             ac.Content.Epoch,
		ContentType:       contentType,
		AuthenticatedData: ac.Content.AuthenticatedData,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.framing: aad marshal failure: %v", err)
	}

	aead, err := suite.newAEAD(keys.Key)
	if err != nil {
		return nil, fmt.Errorf("mls.framing: aead failure: %v", err)
	}
	ct := aead.Seal(nil, applyReuseGuard(keys.Nonce, guard), pt, aad)
	keys.zeroize()

	pm := &PrivateMessage{
		GroupID:           ac.Content.GroupID,
		Epoch:             ac.Content.Epoch,
		ContentType:       contentType,
		AuthenticatedData: ac.Content.AuthenticatedData,
		Ciphertext:        ct,
	}

	// Protect the sender data under a key derived from a ciphertext
	// sample.
	sdPT, err := syntax.Marshal(senderData{senderIndex, generation, guard})
	if err != nil {
		return nil, fmt.Errorf("mls.framing: sender data marshal failure: %v", err)
	}
	sdAAD, err := syntax.Marshal(senderDataAAD{pm.GroupID, pm.Epoch, contentType})
	if err != nil {
		return nil, fmt.Errorf("mls.framing: sender data aad marshal failure: %v", err)
	}

	sdKeys := epoch.senderDataKeys(pm.sample())
	sdAEAD, err := suite.newAEAD(sdKeys.Key)
	if err != nil {
		return nil, fmt.Errorf("mls.framing: aead failure: %v", err)
	}
	pm.EncryptedSenderData = sdAEAD.Seal(nil, sdKeys.Nonce, sdPT, sdAAD)
	sdKeys.zeroize()

	return pm, nil
}

func decryptPrivateMessage(suite CipherSuite, epoch *keyScheduleEpoch, treeSize leafCount, pm PrivateMessage) (AuthenticatedContent, error) {
	sdAAD, err := syntax.Marshal(senderDataAAD{pm.GroupID, pm.Epoch, pm.ContentType})
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: sender data aad marshal failure: %v", err)
	}

	sdKeys := epoch.senderDataKeys(pm.sample())
	sdAEAD, err := suite.newAEAD(sdKeys.Key)
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: aead failure: %v", err)
	}
	sdPT, err := sdAEAD.Open(nil, sdKeys.Nonce, pm.EncryptedSenderData, sdAAD)
	sdKeys.zeroize()
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: sender data decryption failure: %w", ErrMalformedMessage)
	}

	var sd senderData
	if _, err = syntax.Unmarshal(sdPT, &sd); err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: sender data decode failure: %w", ErrMalformedMessage)
	}
	if uint32(sd.LeafIndex) >= uint32(treeSize) {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: sender leaf %d out of range: %w", sd.LeafIndex, ErrMalformedMessage)
	}

	var ratchet *hashRatchet
	if pm.ContentType == ContentTypeApplication {
		ratchet, err = epoch.applicationRatchet(sd.LeafIndex)
	} else {
		ratchet, err = epoch.handshakeRatchet(sd.LeafIndex)
	}
	if err != nil {
		return AuthenticatedContent{}, err
	}

	keys, err := ratchet.Get(sd.Generation)
	if err != nil {
		return AuthenticatedContent{}, err
	}

	aad, err := syntax.Marshal(privateContentAAD{
		GroupID:           pm.GroupID,
		Epoch:             pm.Epoch,
		ContentType:       pm.ContentType,
		AuthenticatedData: pm.AuthenticatedData,
	})
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: aad marshal failure: %v", err)
	}

	aead, err := suite.newAEAD(keys.Key)
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: aead failure: %v", err)
	}
	pt, err := aead.Open(nil, applyReuseGuard(keys.Nonce, sd.ReuseGuard), pm.Ciphertext, aad)
	if err != nil {
		return AuthenticatedContent{}, fmt.Errorf("mls.framing: content decryption failure: %w", ErrMalformedMessage)
	}

	// Key is spent whether or not the rest of processing succeeds.
	ratchet.Erase(sd.Generation)

	return unmarshalPrivateContent(pt, pm, MemberSender(sd.LeafIndex))
}

///
/// MLSMessage
///

// struct {
//   ProtocolVersion version;
//   WireFormat wire_format;
//   select (wire_format) { ... };
// } MLSMessage;
type MLSMessage struct {
	Version ProtocolVersion

	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.PublicMessage != nil:
		return WireFormatPublicMessage
	case m.PrivateMessage != nil:
		return WireFormatPrivateMessage
	case m.Welcome != nil:
		return WireFormatWelcome
	case m.GroupInfo != nil:
		return WireFormatGroupInfo
	case m.KeyPackage != nil:
		return WireFormatKeyPackage
	}
	panic("mls.framing: malformed message")
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	version := m.Version
	if version == 0 {
		version = ProtocolVersionMLS10
	}
	err := s.WriteAll(version, m.WireFormat())
	if err != nil {
		return nil, err
	}

	switch m.WireFormat() {
	case WireFormatPublicMessage:
		err = s.Write(m.PublicMessage)
	case WireFormatPrivateMessage:
		err = s.Write(m.PrivateMessage)
	case WireFormatWelcome:
		err = s.Write(m.Welcome)
	case WireFormatGroupInfo:
		err = s.Write(m.GroupInfo)
	case WireFormatKeyPackage:
		err = s.Write(m.KeyPackage)
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	*m = MLSMessage{}
	s := syntax.NewReadStream(data)
	var wireFormat WireFormat
	_, err := s.ReadAll(&m.Version, &wireFormat)
	if err != nil {
		return 0, err
	}
	if m.Version != ProtocolVersionMLS10 {
		return 0, fmt.Errorf("mls.framing: unsupported version %d: %w", m.Version, ErrMalformedMessage)
	}

	switch wireFormat {
	case WireFormatPublicMessage:
		m.PublicMessage = new(PublicMessage)
		_, err = s.Read(m.PublicMessage)
	case WireFormatPrivateMessage:
		m.PrivateMessage = new(PrivateMessage)
		_, err = s.Read(m.PrivateMessage)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	case WireFormatGroupInfo:
		m.GroupInfo = new(GroupInfo)
		_, err = s.Read(m.GroupInfo)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		_, err = s.Read(m.KeyPackage)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// MessageInfo is what a delivery service can learn about a message
// without any group keys.
type MessageInfo struct {
	WireFormat  WireFormat
	GroupID     []byte
	Epoch       Epoch
	ContentType ContentType
	Sender      *Sender
}

// PeekMessage decodes the outer framing only.
func PeekMessage(raw []byte) (*MessageInfo, error) {
	var msg MLSMessage
	if _, err := syntax.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("mls.framing: message decode failure: %w", ErrMalformedMessage)
	}

	info := &MessageInfo{WireFormat: msg.WireFormat()}
	switch {
	case msg.PublicMessage != nil:
		info.GroupID = msg.PublicMessage.Content.GroupID
		info.Epoch = msg.PublicMessage.Content.Epoch
		info.ContentType = msg.PublicMessage.Content.ContentType()
		sender := msg.PublicMessage.Content.Sender
		info.Sender = &sender
	case msg.PrivateMessage != nil:
		info.GroupID = msg.PrivateMessage.GroupID
		info.Epoch = msg.PrivateMessage.Epoch
		info.ContentType = msg.PrivateMessage.ContentType
	case msg.GroupInfo != nil:
		info.GroupID = msg.GroupInfo.GroupContext.GroupID
		info.Epoch = msg.GroupInfo.GroupContext.Epoch
	}
	return info, nil
}
