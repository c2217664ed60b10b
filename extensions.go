package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeApplicationID        ExtensionType = 0x0001
	ExtensionTypeRatchetTree          ExtensionType = 0x0002
	ExtensionTypeRequiredCapabilities ExtensionType = 0x0003
	ExtensionTypeExternalPub          ExtensionType = 0x0004
	ExtensionTypeExternalSenders      ExtensionType = 0x0005
	ExtensionTypeLastResort           ExtensionType = 0x000a
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func NewExtensionList(entries ...Extension) ExtensionList {
	return ExtensionList{Entries: entries}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("mls.extensions: extension failed to consume all data: %w", ErrMalformedMessage)
			}

			return true, nil
		}
	}
	return false, nil
}

func (el ExtensionList) Has(t ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == t {
			return true
		}
	}
	return false
}

func (el ExtensionList) Clone() ExtensionList {
	out := ExtensionList{Entries: make([]Extension, len(el.Entries))}
	for i, ext := range el.Entries {
		out.Entries[i] = Extension{ext.ExtensionType, dup(ext.ExtensionData)}
	}
	return out
}

//////////

// An application-chosen identifier for the holder of a leaf, carried
// opaquely alongside the credential.
type ApplicationIDExtension struct {
	ID []byte `tls:"head=1"`
}

func (ext ApplicationIDExtension) Type() ExtensionType {
	return ExtensionTypeApplicationID
}

// Carries the full public tree inside GroupInfo so that joiners do not
// need an out-of-band tree download.
type RatchetTreeExtension struct {
	Tree RatchetTree
}

func (ext RatchetTreeExtension) Type() ExtensionType {
	return ExtensionTypeRatchetTree
}

// The HPKE public key external joiners encapsulate to. Present in a
// GroupInfo only when the exporter allows external commits against it.
type ExternalPubExtension struct {
	ExternalPub HPKEPublicKey
}

func (ext ExternalPubExtension) Type() ExtensionType {
	return ExtensionTypeExternalPub
}

// Marks a key package as reusable. Everything else is single-use.
type LastResortExtension struct{}

func (ext LastResortExtension) Type() ExtensionType {
	return ExtensionTypeLastResort
}

type RequiredCapabilitiesExtension struct {
	ExtensionTypes  []ExtensionType  `tls:"head=1"`
	ProposalTypes   []ProposalType   `tls:"head=1"`
	CredentialTypes []CredentialType `tls:"head=1"`
}

func (ext RequiredCapabilitiesExtension) Type() ExtensionType {
	return ExtensionTypeRequiredCapabilities
}
