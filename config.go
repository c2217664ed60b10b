package mls

// GroupConfig tunes per-group behavior. The zero value is not valid; use
// DefaultGroupConfig and override what you need.
type GroupConfig struct {
	CipherSuite CipherSuite

	// Wire format for outgoing handshake messages. Application messages
	// are always private.
	HandshakeWireFormat WireFormat

	// Carry the full ratchet tree inside GroupInfo so joiners need no
	// out-of-band tree delivery.
	UseRatchetTreeExtension bool

	// Publish an external_pub extension in exported GroupInfo, allowing
	// external commits against it.
	AllowExternalCommit bool

	// How many past epochs stay decryptable for late application
	// messages. 0 means only the current epoch.
	MaxPastEpochs uint32

	// Zero-byte padding appended inside each private message.
	PaddingSize uint32

	// Sender ratchet tolerances for reordered ciphertexts.
	OutOfOrderWindow   uint32
	MaxForwardDistance uint32

	// How many past epochs' resumption secrets stay available as PSKs.
	ResumptionPSKCount uint32
}

func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		CipherSuite:             X25519_AES128GCM_SHA256_Ed25519,
		HandshakeWireFormat:     WireFormatPrivateMessage,
		UseRatchetTreeExtension: true,
		AllowExternalCommit:     true,
		MaxPastEpochs:           0,
		PaddingSize:             0,
		OutOfOrderWindow:        defaultOutOfOrderWindow,
		MaxForwardDistance:      defaultMaxForwardDistance,
		ResumptionPSKCount:      0,
	}
}

func (c GroupConfig) validate() error {
	if !c.CipherSuite.Supported() {
		return ErrUnsupportedSuite
	}
	switch c.HandshakeWireFormat {
	case WireFormatPublicMessage, WireFormatPrivateMessage:
		return nil
	}
	return ErrMalformedMessage
}
