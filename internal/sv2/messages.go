// Package sv2 implements the Stratum V2 mining sub-protocol messages used
// between the proxy and downstream devices, together with their binary
// frame codec and a typed dispatcher.
package sv2

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Message type identifiers of the mining sub-protocol
const (
	MsgSetupConnection                  uint8 = 0x00
	MsgSetupConnectionSuccess           uint8 = 0x01
	MsgSetupConnectionError             uint8 = 0x02
	MsgOpenStandardMiningChannel        uint8 = 0x10
	MsgOpenStandardMiningChannelSuccess uint8 = 0x11
	MsgOpenMiningChannelError           uint8 = 0x12
	MsgNewMiningJob                     uint8 = 0x15
	MsgUpdateChannel                    uint8 = 0x16
	MsgCloseChannel                     uint8 = 0x18
	MsgSubmitSharesStandard             uint8 = 0x1a
	MsgSubmitSharesSuccess              uint8 = 0x1c
	MsgSubmitSharesError                uint8 = 0x1d
	MsgSetNewPrevHash                   uint8 = 0x20
	MsgSetTarget                        uint8 = 0x21
)

// ProtocolMining is the SetupConnection protocol discriminant for mining
const ProtocolMining uint8 = 0

// ProtocolVersion is the only protocol version this implementation speaks
const ProtocolVersion uint16 = 2

// SetupConnection flags for the mining protocol
const (
	FlagRequiresStandardJobs   uint32 = 1 << 0
	FlagRequiresWorkSelection  uint32 = 1 << 1
	FlagRequiresVersionRolling uint32 = 1 << 2
)

// SetupConnectionSuccess flags for the mining protocol. They share no
// meaning with the SetupConnection flags of the same bit position.
const (
	SuccessFlagRequiresFixedVersion     uint32 = 1 << 0
	SuccessFlagRequiresExtendedChannels uint32 = 1 << 1
)

// Error codes carried in the error_code string fields
const (
	ErrCodeUnsupportedProtocol     = "unsupported-protocol"
	ErrCodeProtocolVersionMismatch = "protocol-version-mismatch"
	ErrCodeUnsupportedFeatureFlags = "unsupported-feature-flags"
	ErrCodeUpstreamRejected        = "upstream-rejected"
	ErrCodeUpstreamDisconnected    = "upstream-disconnected"
	ErrCodeUnknownUser             = "unknown-user"
	ErrCodeInvalidChannelID        = "invalid-channel-id"
	ErrCodeJobNotFound             = "job-not-found"
	ErrCodeDuplicateShare          = "duplicate-share"
	ErrCodeDifficultyTooLow        = "difficulty-too-low"
	ErrCodeUnauthorized            = "unauthorized"
	ErrCodeNotSubscribed           = "not-subscribed"
	ErrCodeInvalidState            = "invalid-state"
)

// Message is implemented by every mining sub-protocol message
type Message interface {
	// MsgType returns the wire message type identifier
	MsgType() uint8
	// ChannelMsg reports whether the frame carries the channel_msg bit
	ChannelMsg() bool

	encode(e *encoder)
	decode(d *decoder)
}

// U256 is a 256-bit unsigned integer in little-endian wire order
type U256 [32]byte

// U256FromBig converts a target to its little-endian wire form.
// Values wider than 256 bits are truncated to the low 256 bits.
func U256FromBig(v *big.Int) U256 {
	var be [32]byte
	if v != nil && v.Sign() > 0 {
		b := v.Bytes()
		if len(b) > 32 {
			b = b[len(b)-32:]
		}
		copy(be[32-len(b):], b)
	}

	var u U256
	for i := 0; i < 32; i++ {
		u[i] = be[31-i]
	}
	return u
}

// Big returns the value as a big integer
func (u U256) Big() *big.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = u[31-i]
	}
	return new(big.Int).SetBytes(be[:])
}

// U256FromHash stores a hash in header byte order
func U256FromHash(h chainhash.Hash) U256 {
	return U256(h)
}

// Hash returns the value as a hash in header byte order
func (u U256) Hash() chainhash.Hash {
	return chainhash.Hash(u)
}

// SetupConnection opens a connection and negotiates the protocol
type SetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string
	EndpointPort    uint16
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

// SetupConnectionSuccess accepts a SetupConnection
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

// SetupConnectionError rejects a SetupConnection
type SetupConnectionError struct {
	Flags     uint32
	ErrorCode string
}

// OpenStandardMiningChannel requests a standard mining channel
type OpenStandardMiningChannel struct {
	RequestID       uint32
	UserIdentity    string
	NominalHashRate float32
	MaxTarget       U256
}

// OpenStandardMiningChannelSuccess confirms a standard channel
type OpenStandardMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           U256
	ExtranoncePrefix []byte
	GroupChannelID   uint32
}

// OpenMiningChannelError rejects a channel open request
type OpenMiningChannelError struct {
	RequestID uint32
	ErrorCode string
}

// UpdateChannel reports a changed hash rate or maximum target
type UpdateChannel struct {
	ChannelID       uint32
	NominalHashRate float32
	MaximumTarget   U256
}

// CloseChannel ends a channel
type CloseChannel struct {
	ChannelID  uint32
	ReasonCode string
}

// NewMiningJob delivers a job for a standard channel
type NewMiningJob struct {
	ChannelID  uint32
	JobID      uint32
	FutureJob  bool
	Version    uint32
	MerkleRoot U256
}

// SetNewPrevHash activates a job on a new block
type SetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  U256
	MinNTime  uint32
	NBits     uint32
}

// SetTarget changes the channel share target
type SetTarget struct {
	ChannelID     uint32
	MaximumTarget U256
}

// SubmitSharesStandard submits a share on a standard channel
type SubmitSharesStandard struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
}

// SubmitSharesSuccess acknowledges accepted shares
type SubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

// SubmitSharesError rejects a share
type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string
}

// Unknown carries a frame whose message type is not recognised
type Unknown struct {
	Type    uint8
	Channel bool
	Payload []byte
}

func (*SetupConnection) MsgType() uint8                  { return MsgSetupConnection }
func (*SetupConnectionSuccess) MsgType() uint8           { return MsgSetupConnectionSuccess }
func (*SetupConnectionError) MsgType() uint8             { return MsgSetupConnectionError }
func (*OpenStandardMiningChannel) MsgType() uint8        { return MsgOpenStandardMiningChannel }
func (*OpenStandardMiningChannelSuccess) MsgType() uint8 { return MsgOpenStandardMiningChannelSuccess }
func (*OpenMiningChannelError) MsgType() uint8           { return MsgOpenMiningChannelError }
func (*UpdateChannel) MsgType() uint8                    { return MsgUpdateChannel }
func (*CloseChannel) MsgType() uint8                     { return MsgCloseChannel }
func (*NewMiningJob) MsgType() uint8                     { return MsgNewMiningJob }
func (*SetNewPrevHash) MsgType() uint8                   { return MsgSetNewPrevHash }
func (*SetTarget) MsgType() uint8                        { return MsgSetTarget }
func (*SubmitSharesStandard) MsgType() uint8             { return MsgSubmitSharesStandard }
func (*SubmitSharesSuccess) MsgType() uint8              { return MsgSubmitSharesSuccess }
func (*SubmitSharesError) MsgType() uint8                { return MsgSubmitSharesError }
func (m *Unknown) MsgType() uint8                        { return m.Type }

func (*SetupConnection) ChannelMsg() bool                  { return false }
func (*SetupConnectionSuccess) ChannelMsg() bool           { return false }
func (*SetupConnectionError) ChannelMsg() bool             { return false }
func (*OpenStandardMiningChannel) ChannelMsg() bool        { return false }
func (*OpenStandardMiningChannelSuccess) ChannelMsg() bool { return false }
func (*OpenMiningChannelError) ChannelMsg() bool           { return false }
func (*UpdateChannel) ChannelMsg() bool                    { return true }
func (*CloseChannel) ChannelMsg() bool                     { return true }
func (*NewMiningJob) ChannelMsg() bool                     { return true }
func (*SetNewPrevHash) ChannelMsg() bool                   { return true }
func (*SetTarget) ChannelMsg() bool                        { return true }
func (*SubmitSharesStandard) ChannelMsg() bool             { return true }
func (*SubmitSharesSuccess) ChannelMsg() bool              { return true }
func (*SubmitSharesError) ChannelMsg() bool                { return true }
func (m *Unknown) ChannelMsg() bool                        { return m.Channel }

// Name returns a human readable message name for logs
func Name(msg Message) string {
	switch msg.(type) {
	case *SetupConnection:
		return "SetupConnection"
	case *SetupConnectionSuccess:
		return "SetupConnectionSuccess"
	case *SetupConnectionError:
		return "SetupConnectionError"
	case *OpenStandardMiningChannel:
		return "OpenStandardMiningChannel"
	case *OpenStandardMiningChannelSuccess:
		return "OpenStandardMiningChannelSuccess"
	case *OpenMiningChannelError:
		return "OpenMiningChannelError"
	case *UpdateChannel:
		return "UpdateChannel"
	case *CloseChannel:
		return "CloseChannel"
	case *NewMiningJob:
		return "NewMiningJob"
	case *SetNewPrevHash:
		return "SetNewPrevHash"
	case *SetTarget:
		return "SetTarget"
	case *SubmitSharesStandard:
		return "SubmitSharesStandard"
	case *SubmitSharesSuccess:
		return "SubmitSharesSuccess"
	case *SubmitSharesError:
		return "SubmitSharesError"
	default:
		return "Unknown"
	}
}
