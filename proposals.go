package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 0x0001
	ProposalTypeUpdate                 ProposalType = 0x0002
	ProposalTypeRemove                 ProposalType = 0x0003
	ProposalTypePreSharedKey           ProposalType = 0x0004
	ProposalTypeReInit                 ProposalType = 0x0005
	ProposalTypeExternalInit           ProposalType = 0x0006
	ProposalTypeGroupContextExtensions ProposalType = 0x0007

	// Application-defined proposal types live outside the IANA range.
	proposalTypeCustomFloor ProposalType = 0xf000
)

///
/// Pre-shared keys
///

type PSKType uint8

const (
	PSKTypeExternal   PSKType = 1
	PSKTypeResumption PSKType = 2
)

func (pt PSKType) ValidForTLS() error {
	return validateEnum(pt, PSKTypeExternal, PSKTypeResumption)
}

type ResumptionPSKUsage uint8

const (
	ResumptionPSKUsageApplication ResumptionPSKUsage = 1
	ResumptionPSKUsageReInit      ResumptionPSKUsage = 2
	ResumptionPSKUsageBranch      ResumptionPSKUsage = 3
)

func (u ResumptionPSKUsage) ValidForTLS() error {
	return validateEnum(u, ResumptionPSKUsageApplication, ResumptionPSKUsageReInit, ResumptionPSKUsageBranch)
}

// struct {
//   PSKType psktype;
//   select (psktype) {
//     case external: opaque psk_id<V>;
//     case resumption: ResumptionPSKUsage usage; opaque psk_group_id<V>; uint64 psk_epoch;
//   };
//   opaque psk_nonce<V>;
// } PreSharedKeyID;
type PreSharedKeyID struct {
	Type     PSKType
	PSKID    []byte             `tls:"head=1"`
	Usage    ResumptionPSKUsage `tls:"omit"`
	GroupID  []byte             `tls:"omit"`
	Epoch    Epoch              `tls:"omit"`
	PSKNonce []byte             `tls:"head=1"`
}

func ExternalPSKID(id, nonce []byte) PreSharedKeyID {
	return PreSharedKeyID{Type: PSKTypeExternal, PSKID: id, PSKNonce: nonce}
}

func ResumptionPSKID(usage ResumptionPSKUsage, groupID []byte, epoch Epoch, nonce []byte) PreSharedKeyID {
	return PreSharedKeyID{
		Type:     PSKTypeResumption,
		Usage:    usage,
		GroupID:  groupID,
		Epoch:    epoch,
		PSKNonce: nonce,
	}
}

type pskIDExternal struct {
	PSKID    []byte `tls:"head=1"`
	PSKNonce []byte `tls:"head=1"`
}

type pskIDResumption struct {
	Usage    ResumptionPSKUsage
	GroupID  []byte `tls:"head=1"`
	Epoch    Epoch
	PSKNonce []byte `tls:"head=1"`
}

func (id PreSharedKeyID) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(id.Type)
	if err != nil {
		return nil, err
	}

	switch id.Type {
	case PSKTypeExternal:
		err = s.Write(pskIDExternal{id.PSKID, id.PSKNonce})
	case PSKTypeResumption:
		err = s.Write(pskIDResumption{id.Usage, id.GroupID, id.Epoch, id.PSKNonce})
	default:
		err = fmt.Errorf("mls.proposals: invalid PSK type")
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (id *PreSharedKeyID) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	_, err := s.Read(&id.Type)
	if err != nil {
		return 0, err
	}

	switch id.Type {
	case PSKTypeExternal:
		var ext pskIDExternal
		_, err = s.Read(&ext)
		id.PSKID = ext.PSKID
		id.PSKNonce = ext.PSKNonce
	case PSKTypeResumption:
		var res pskIDResumption
		_, err = s.Read(&res)
		id.Usage = res.Usage
		id.GroupID = res.GroupID
		id.Epoch = res.Epoch
		id.PSKNonce = res.PSKNonce
	default:
		err = fmt.Errorf("mls.proposals: invalid PSK type: %w", ErrMalformedMessage)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

func (id PreSharedKeyID) Equals(o PreSharedKeyID) bool {
	lhs, err1 := syntax.Marshal(id)
	rhs, err2 := syntax.Marshal(o)
	return err1 == nil && err2 == nil && bytes.Equal(lhs, rhs)
}

///
/// Proposals
///

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	LeafNode LeafNode
}

type RemoveProposal struct {
	Removed LeafIndex
}

type PreSharedKeyProposal struct {
	PSK PreSharedKeyID
}

type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     ProtocolVersion
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

type ExternalInitProposal struct {
	KEMOutput []byte `tls:"head=2"`
}

type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

type CustomProposal struct {
	ProposalType ProposalType
	Data         []byte `tls:"head=4"`
}

type Proposal struct {
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	PreSharedKey           *PreSharedKeyProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
	Custom                 *CustomProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	case p.PreSharedKey != nil:
		return ProposalTypePreSharedKey
	case p.ReInit != nil:
		return ProposalTypeReInit
	case p.ExternalInit != nil:
		return ProposalTypeExternalInit
	case p.GroupContextExtensions != nil:
		return ProposalTypeGroupContextExtensions
	case p.Custom != nil:
		return p.Custom.ProposalType
	}
	panic("mls.proposals: malformed proposal")
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	err := s.Write(proposalType)
	if err != nil {
		return nil, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	case ProposalTypePreSharedKey:
		err = s.Write(p.PreSharedKey)
	case ProposalTypeReInit:
		err = s.Write(p.ReInit)
	case ProposalTypeExternalInit:
		err = s.Write(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		err = s.Write(p.GroupContextExtensions)
	default:
		err = s.Write(struct {
			Data []byte `tls:"head=4"`
		}{p.Custom.Data})
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	*p = Proposal{}
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	_, err := s.Read(&proposalType)
	if err != nil {
		return 0, err
	}

	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	case ProposalTypePreSharedKey:
		p.PreSharedKey = new(PreSharedKeyProposal)
		_, err = s.Read(p.PreSharedKey)
	case ProposalTypeReInit:
		p.ReInit = new(ReInitProposal)
		_, err = s.Read(p.ReInit)
	case ProposalTypeExternalInit:
		p.ExternalInit = new(ExternalInitProposal)
		_, err = s.Read(p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		p.GroupContextExtensions = new(GroupContextExtensionsProposal)
		_, err = s.Read(p.GroupContextExtensions)
	default:
		if proposalType < proposalTypeCustomFloor {
			return 0, fmt.Errorf("mls.proposals: invalid proposal type %d: %w", proposalType, ErrMalformedMessage)
		}
		var body struct {
			Data []byte `tls:"head=4"`
		}
		_, err = s.Read(&body)
		p.Custom = &CustomProposal{proposalType, body.Data}
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// Path-required proposal lists force the committer to supply an UpdatePath.
func (p Proposal) requiresPath() bool {
	switch p.Type() {
	case ProposalTypeUpdate, ProposalTypeRemove, ProposalTypeExternalInit, ProposalTypeGroupContextExtensions:
		return true
	}
	return false
}

///
/// Proposal references
///

type ProposalRef struct {
	Hash []byte `tls:"head=1"`
}

func (r ProposalRef) Equals(o ProposalRef) bool {
	return bytes.Equal(r.Hash, o.Hash)
}

func makeProposalRef(suite CipherSuite, p Proposal) (ProposalRef, error) {
	enc, err := syntax.Marshal(p)
	if err != nil {
		return ProposalRef{}, fmt.Errorf("mls.proposals: marshal failure: %v", err)
	}
	return ProposalRef{suite.refHash("MLS 1.0 Proposal Reference", enc)}, nil
}

type ProposalOrRefType uint8

const (
	ProposalOrRefTypeProposal  ProposalOrRefType = 1
	ProposalOrRefTypeReference ProposalOrRefType = 2
)

func (t ProposalOrRefType) ValidForTLS() error {
	return validateEnum(t, ProposalOrRefTypeProposal, ProposalOrRefTypeReference)
}

type ProposalOrRef struct {
	Proposal  *Proposal
	Reference *ProposalRef
}

func (por ProposalOrRef) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	var err error
	switch {
	case por.Proposal != nil:
		err = s.WriteAll(ProposalOrRefTypeProposal, por.Proposal)
	case por.Reference != nil:
		err = s.WriteAll(ProposalOrRefTypeReference, por.Reference)
	default:
		err = fmt.Errorf("mls.proposals: malformed ProposalOrRef")
	}
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (por *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	*por = ProposalOrRef{}
	s := syntax.NewReadStream(data)
	var typ ProposalOrRefType
	_, err := s.Read(&typ)
	if err != nil {
		return 0, err
	}

	switch typ {
	case ProposalOrRefTypeProposal:
		por.Proposal = new(Proposal)
		_, err = s.Read(por.Proposal)
	case ProposalOrRefTypeReference:
		por.Reference = new(ProposalRef)
		_, err = s.Read(por.Reference)
	}
	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Commit
///

// struct {
//   ProposalOrRef proposals<V>;
//   optional<UpdatePath> path;
// } Commit;
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath     `tls:"optional"`
}

// A proposal queued by this member but not yet committed, kept with its
// ref so handlers and the committer agree on identity.
type pendingProposal struct {
	Ref      ProposalRef
	Proposal Proposal
	Sender   LeafIndex
}
