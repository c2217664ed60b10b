package mls

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Protocol errors mean the input was
// bad (possibly attacker-controlled); contract errors mean the caller
// misused the API. Storage errors pass through from the Store untouched.
// Error text never echoes key material or the bytes that failed to verify.
var (
	// Protocol validation errors. The operation fails, state is unchanged.
	ErrMalformedMessage  = errors.New("malformed message")
	ErrInvalidSignature  = errors.New("signature verification failed")
	ErrEpochMismatch     = errors.New("epoch mismatch")
	ErrGroupIDMismatch   = errors.New("group id mismatch")
	ErrReplayDetected    = errors.New("message replay detected")
	ErrGenerationBounds  = errors.New("message generation outside permitted window")
	ErrTreeIntegrity     = errors.New("ratchet tree integrity violation")
	ErrTreeHashMismatch  = errors.New("tree hash mismatch")
	ErrWelcomeDecryption = errors.New("welcome decryption failed")
	ErrInvalidCommit     = errors.New("invalid commit")
	ErrInvalidProposal   = errors.New("invalid proposal")
	ErrInvalidKeyPackage = errors.New("invalid key package")
	ErrUnknownPSK        = errors.New("unknown pre-shared key")

	// Contract errors.
	ErrCredentialType   = errors.New("credential type mismatch")
	ErrGroupNotFound    = errors.New("group not found in storage")
	ErrNoPendingCommit  = errors.New("no pending commit")
	ErrUnsupportedSuite = errors.New("unsupported ciphersuite")
	ErrEpochOverflow    = errors.New("epoch counter overflow")

	// Terminal. The local member was removed or left; the state remains
	// readable so the caller can observe that fact and delete it.
	ErrGroupInactive = errors.New("group is inactive")

	// Storage.
	ErrNotFound = errors.New("key not found")
)

type Epoch uint64

// maxEpoch is the largest epoch a group may reach. A commit at this epoch
// fails with ErrEpochOverflow rather than wrapping.
const maxEpoch = Epoch(^uint64(0))

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("unknown enum value: %v", v)
}
