package sv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the frame header:
// extension_type (u16) | msg_type (u8) | msg_length (u24)
const HeaderSize = 6

// MaxPayloadSize is the largest payload a u24 length can describe
const MaxPayloadSize = 1<<24 - 1

const channelMsgBit uint16 = 0x8000

var (
	// ErrPayloadTooLarge is returned when a payload does not fit a frame
	ErrPayloadTooLarge = errors.New("sv2: payload exceeds frame limit")
	// ErrMalformed is returned when a payload cannot be decoded
	ErrMalformed = errors.New("sv2: malformed payload")
	// ErrFieldTooLong is returned when a variable length field exceeds its bound
	ErrFieldTooLong = errors.New("sv2: field exceeds length bound")
)

// Frame is a single unencrypted protocol frame
type Frame struct {
	ExtensionType uint16
	ChannelMsg    bool
	MsgType       uint8
	Payload       []byte
}

// ReadFrame reads one frame from r
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	ext := binary.LittleEndian.Uint16(hdr[0:2])
	length := uint32(hdr[3]) | uint32(hdr[4])<<8 | uint32(hdr[5])<<16

	f := &Frame{
		ExtensionType: ext &^ channelMsgBit,
		ChannelMsg:    ext&channelMsgBit != 0,
		MsgType:       hdr[2],
		Payload:       make([]byte, length),
	}

	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	return f, nil
}

// MarshalBinary serializes the frame header and payload
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	ext := f.ExtensionType &^ channelMsgBit
	if f.ChannelMsg {
		ext |= channelMsgBit
	}

	out := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint16(out[0:2], ext)
	out[2] = f.MsgType
	n := len(f.Payload)
	out[3], out[4], out[5] = byte(n), byte(n>>8), byte(n>>16)

	return append(out, f.Payload...), nil
}

// WriteFrame writes one frame to w
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Encode serializes a message into a frame
func Encode(msg Message) (*Frame, error) {
	e := &encoder{}
	msg.encode(e)
	if e.err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", Name(msg), e.err)
	}

	return &Frame{
		ChannelMsg: msg.ChannelMsg(),
		MsgType:    msg.MsgType(),
		Payload:    e.buf,
	}, nil
}

// Decode parses a frame into a typed message. Frames of unknown type or of
// a non-zero extension are returned as *Unknown rather than as an error.
func Decode(f *Frame) (Message, error) {
	msg := newMessage(f)

	d := &decoder{buf: f.Payload}
	msg.decode(d)
	if d.err == nil && d.off != len(d.buf) {
		d.err = fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.off)
	}
	if d.err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", Name(msg), d.err)
	}

	return msg, nil
}

// WriteMessage encodes msg and writes it as one frame
func WriteMessage(w io.Writer, msg Message) error {
	f, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, f)
}

// ReadMessage reads and decodes one frame
func ReadMessage(r io.Reader) (Message, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(f)
}

func newMessage(f *Frame) Message {
	if f.ExtensionType != 0 {
		return &Unknown{Type: f.MsgType, Channel: f.ChannelMsg}
	}

	switch f.MsgType {
	case MsgSetupConnection:
		return &SetupConnection{}
	case MsgSetupConnectionSuccess:
		return &SetupConnectionSuccess{}
	case MsgSetupConnectionError:
		return &SetupConnectionError{}
	case MsgOpenStandardMiningChannel:
		return &OpenStandardMiningChannel{}
	case MsgOpenStandardMiningChannelSuccess:
		return &OpenStandardMiningChannelSuccess{}
	case MsgOpenMiningChannelError:
		return &OpenMiningChannelError{}
	case MsgUpdateChannel:
		return &UpdateChannel{}
	case MsgCloseChannel:
		return &CloseChannel{}
	case MsgNewMiningJob:
		return &NewMiningJob{}
	case MsgSetNewPrevHash:
		return &SetNewPrevHash{}
	case MsgSetTarget:
		return &SetTarget{}
	case MsgSubmitSharesStandard:
		return &SubmitSharesStandard{}
	case MsgSubmitSharesSuccess:
		return &SubmitSharesSuccess{}
	case MsgSubmitSharesError:
		return &SubmitSharesError{}
	default:
		return &Unknown{Type: f.MsgType, Channel: f.ChannelMsg}
	}
}

// encoder appends little-endian primitives, remembering the first error
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}
func (e *encoder) u256(v U256) { e.buf = append(e.buf, v[:]...) }

func (e *encoder) boolean(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// bytes writes a u8 length-prefixed field (STR0_255, STR0_32, B0_32)
func (e *encoder) bytes(v []byte, limit int) {
	if len(v) > limit {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %d > %d", ErrFieldTooLong, len(v), limit)
		}
		return
	}
	e.u8(uint8(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string, limit int) { e.bytes([]byte(v), limit) }

// decoder consumes little-endian primitives, remembering the first error
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) u256() U256 {
	var v U256
	if b := d.take(32); b != nil {
		copy(v[:], b)
	}
	return v
}

func (d *decoder) boolean() bool {
	switch d.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: invalid bool", ErrMalformed)
		}
		return false
	}
}

func (d *decoder) bytes(limit int) []byte {
	n := int(d.u8())
	if d.err == nil && n > limit {
		d.err = fmt.Errorf("%w: %d > %d", ErrFieldTooLong, n, limit)
		return nil
	}
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *decoder) str(limit int) string { return string(d.bytes(limit)) }

func (d *decoder) rest() []byte {
	b := d.take(len(d.buf) - d.off)
	return append([]byte(nil), b...)
}

func (m *SetupConnection) encode(e *encoder) {
	e.u8(m.Protocol)
	e.u16(m.MinVersion)
	e.u16(m.MaxVersion)
	e.u32(m.Flags)
	e.str(m.EndpointHost, 255)
	e.u16(m.EndpointPort)
	e.str(m.Vendor, 255)
	e.str(m.HardwareVersion, 255)
	e.str(m.Firmware, 255)
	e.str(m.DeviceID, 255)
}

func (m *SetupConnection) decode(d *decoder) {
	m.Protocol = d.u8()
	m.MinVersion = d.u16()
	m.MaxVersion = d.u16()
	m.Flags = d.u32()
	m.EndpointHost = d.str(255)
	m.EndpointPort = d.u16()
	m.Vendor = d.str(255)
	m.HardwareVersion = d.str(255)
	m.Firmware = d.str(255)
	m.DeviceID = d.str(255)
}

func (m *SetupConnectionSuccess) encode(e *encoder) {
	e.u16(m.UsedVersion)
	e.u32(m.Flags)
}

func (m *SetupConnectionSuccess) decode(d *decoder) {
	m.UsedVersion = d.u16()
	m.Flags = d.u32()
}

func (m *SetupConnectionError) encode(e *encoder) {
	e.u32(m.Flags)
	e.str(m.ErrorCode, 255)
}

func (m *SetupConnectionError) decode(d *decoder) {
	m.Flags = d.u32()
	m.ErrorCode = d.str(255)
}

func (m *OpenStandardMiningChannel) encode(e *encoder) {
	e.u32(m.RequestID)
	e.str(m.UserIdentity, 255)
	e.f32(m.NominalHashRate)
	e.u256(m.MaxTarget)
}

func (m *OpenStandardMiningChannel) decode(d *decoder) {
	m.RequestID = d.u32()
	m.UserIdentity = d.str(255)
	m.NominalHashRate = d.f32()
	m.MaxTarget = d.u256()
}

func (m *OpenStandardMiningChannelSuccess) encode(e *encoder) {
	e.u32(m.RequestID)
	e.u32(m.ChannelID)
	e.u256(m.Target)
	e.bytes(m.ExtranoncePrefix, 32)
	e.u32(m.GroupChannelID)
}

func (m *OpenStandardMiningChannelSuccess) decode(d *decoder) {
	m.RequestID = d.u32()
	m.ChannelID = d.u32()
	m.Target = d.u256()
	m.ExtranoncePrefix = d.bytes(32)
	m.GroupChannelID = d.u32()
}

func (m *OpenMiningChannelError) encode(e *encoder) {
	e.u32(m.RequestID)
	e.str(m.ErrorCode, 32)
}

func (m *OpenMiningChannelError) decode(d *decoder) {
	m.RequestID = d.u32()
	m.ErrorCode = d.str(32)
}

func (m *UpdateChannel) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.f32(m.NominalHashRate)
	e.u256(m.MaximumTarget)
}

func (m *UpdateChannel) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.NominalHashRate = d.f32()
	m.MaximumTarget = d.u256()
}

func (m *CloseChannel) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.str(m.ReasonCode, 32)
}

func (m *CloseChannel) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.ReasonCode = d.str(32)
}

func (m *NewMiningJob) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u32(m.JobID)
	e.boolean(m.FutureJob)
	e.u32(m.Version)
	e.u256(m.MerkleRoot)
}

func (m *NewMiningJob) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.JobID = d.u32()
	m.FutureJob = d.boolean()
	m.Version = d.u32()
	m.MerkleRoot = d.u256()
}

func (m *SetNewPrevHash) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u32(m.JobID)
	e.u256(m.PrevHash)
	e.u32(m.MinNTime)
	e.u32(m.NBits)
}

func (m *SetNewPrevHash) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.JobID = d.u32()
	m.PrevHash = d.u256()
	m.MinNTime = d.u32()
	m.NBits = d.u32()
}

func (m *SetTarget) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u256(m.MaximumTarget)
}

func (m *SetTarget) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.MaximumTarget = d.u256()
}

func (m *SubmitSharesStandard) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u32(m.SequenceNumber)
	e.u32(m.JobID)
	e.u32(m.Nonce)
	e.u32(m.NTime)
	e.u32(m.Version)
}

func (m *SubmitSharesStandard) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.SequenceNumber = d.u32()
	m.JobID = d.u32()
	m.Nonce = d.u32()
	m.NTime = d.u32()
	m.Version = d.u32()
}

func (m *SubmitSharesSuccess) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u32(m.LastSequenceNumber)
	e.u32(m.NewSubmitsAcceptedCount)
	e.u64(m.NewSharesSum)
}

func (m *SubmitSharesSuccess) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.LastSequenceNumber = d.u32()
	m.NewSubmitsAcceptedCount = d.u32()
	m.NewSharesSum = d.u64()
}

func (m *SubmitSharesError) encode(e *encoder) {
	e.u32(m.ChannelID)
	e.u32(m.SequenceNumber)
	e.str(m.ErrorCode, 32)
}

func (m *SubmitSharesError) decode(d *decoder) {
	m.ChannelID = d.u32()
	m.SequenceNumber = d.u32()
	m.ErrorCode = d.str(32)
}

func (m *Unknown) encode(e *encoder) { e.buf = append(e.buf, m.Payload...) }
func (m *Unknown) decode(d *decoder) { m.Payload = d.rest() }
