package decryption

import "github.com/chuycepeda/parity/types"

// Kind tags which of the six wire message variants a Message carries
// (SPEC_FULL.md §6.1). A single flat struct with a superset of fields,
// dispatched on Kind, carries every variant rather than a schema
// compiler this module can't invoke.
type Kind int

const (
	KindInitializeConsensus Kind = iota
	KindConfirmConsensus
	KindRequestPartialDecryption
	KindPartialDecryption
	KindSessionError
	KindSessionCompleted
)

func (k Kind) String() string {
	switch k {
	case KindInitializeConsensus:
		return "initialize_consensus_session"
	case KindConfirmConsensus:
		return "confirm_consensus_initialization"
	case KindRequestPartialDecryption:
		return "request_partial_decryption"
	case KindPartialDecryption:
		return "partial_decryption"
	case KindSessionError:
		return "decryption_session_error"
	case KindSessionCompleted:
		return "decryption_session_completed"
	default:
		return "unknown"
	}
}

// Message is the envelope every decryption-session wire message travels
// in. session/sub_session route it to the right Session (§6.1); the
// remaining fields are populated according to Kind.
type Message struct {
	SessionID types.SessionID
	AccessKey types.AccessKeyHex
	Kind      Kind

	// phase A
	RequesterSignature []byte
	IsConfirmed        bool

	// phase B
	RequestID               string
	OtherNodeIDs             []types.NodeID
	IsShadowDecryption       bool
	RequesterECIESPublicKey []byte
	ShadowPoint             []byte
	DecryptShadow           []byte

	// error
	ErrorMessage string
}
