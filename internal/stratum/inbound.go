package stratum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomproxy/internal/bitcoin"
)

var (
	// ErrUnsupportedMessage is returned by Dispatch for variants the proxy does not act on
	ErrUnsupportedMessage = errors.New("stratum: unsupported message")
	// ErrMalformed is returned by Decode for messages with invalid parameters
	ErrMalformed = errors.New("stratum: malformed message")
)

// Inbound is a message received from the upstream pool, decoded into one of
// the variants below.
type Inbound interface {
	inbound()
}

// Response is the reply to a request previously sent upstream
type Response struct {
	ID     uint64
	Result any
	Error  *Error
}

// Notify is a decoded mining.notify job
type Notify struct {
	JobID        string
	PrevHash     chainhash.Hash
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch []chainhash.Hash
	Version      uint32
	NBits        uint32
	NTime        uint32
	CleanJobs    bool
}

// SetDifficulty is mining.set_difficulty
type SetDifficulty struct {
	Difficulty float64
}

// SetVersionMask is mining.set_version_mask
type SetVersionMask struct {
	Mask uint32
}

// Reconnect is client.reconnect
type Reconnect struct {
	Host string
	Port int
	Wait int
}

// Unknown is any other method
type Unknown struct {
	Method string
	Params []any
}

func (*Response) inbound()       {}
func (*Notify) inbound()         {}
func (*SetDifficulty) inbound()  {}
func (*SetVersionMask) inbound() {}
func (*Reconnect) inbound()      {}
func (*Unknown) inbound()        {}

// Decode converts a generic JSON-RPC message into its typed variant
func Decode(msg *Message) (Inbound, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	if msg.Method == "" {
		id, ok := msg.RequestID()
		if !ok {
			return nil, fmt.Errorf("%w: response id %v is not numeric", ErrMalformed, msg.ID)
		}
		return &Response{ID: id, Result: msg.Result, Error: msg.Error}, nil
	}

	switch msg.Method {
	case MethodNotify:
		params, err := ParseNotifyParams(msg.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Method, err)
		}
		n, err := decodeNotify(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Method, err)
		}
		return n, nil

	case MethodSetDifficulty:
		d, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Method, err)
		}
		return &SetDifficulty{Difficulty: d}, nil

	case MethodSetVersionMask:
		if len(msg.Params) < 1 {
			return nil, fmt.Errorf("%w: %s: insufficient parameters", ErrMalformed, msg.Method)
		}
		s, ok := msg.Params[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: mask must be string", ErrMalformed, msg.Method)
		}
		mask, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.Method, err)
		}
		return &SetVersionMask{Mask: uint32(mask)}, nil

	case MethodReconnect:
		r := &Reconnect{}
		if len(msg.Params) > 0 {
			r.Host, _ = msg.Params[0].(string)
		}
		if len(msg.Params) > 1 {
			r.Port, _ = toInt(msg.Params[1])
		}
		if len(msg.Params) > 2 {
			r.Wait, _ = toInt(msg.Params[2])
		}
		return r, nil

	default:
		return &Unknown{Method: msg.Method, Params: msg.Params}, nil
	}
}

func decodeNotify(p *NotifyParams) (*Notify, error) {
	n := &Notify{JobID: p.JobID, CleanJobs: p.CleanJobs}

	var err error
	if n.PrevHash, err = bitcoin.ParseStratumPrevHash(p.PrevHash); err != nil {
		return nil, err
	}
	if n.Coinb1, err = hex.DecodeString(p.Coinb1); err != nil {
		return nil, fmt.Errorf("invalid coinb1: %w", err)
	}
	if n.Coinb2, err = hex.DecodeString(p.Coinb2); err != nil {
		return nil, fmt.Errorf("invalid coinb2: %w", err)
	}

	n.MerkleBranch = make([]chainhash.Hash, 0, len(p.MerkleBranch))
	for _, b := range p.MerkleBranch {
		h, err := bitcoin.ParseBranchHash(b)
		if err != nil {
			return nil, err
		}
		n.MerkleBranch = append(n.MerkleBranch, h)
	}

	if n.Version, err = bitcoin.ParseHexUint32(p.Version); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if n.NBits, err = bitcoin.ParseHexUint32(p.NBits); err != nil {
		return nil, fmt.Errorf("invalid nbits: %w", err)
	}
	if n.NTime, err = bitcoin.ParseHexUint32(p.NTime); err != nil {
		return nil, fmt.Errorf("invalid ntime: %w", err)
	}

	return n, nil
}

// Handler receives the upstream variants the proxy acts on
type Handler interface {
	HandleResponse(ctx context.Context, msg *Response) error
	HandleNotify(ctx context.Context, msg *Notify) error
	HandleSetDifficulty(ctx context.Context, msg *SetDifficulty) error
	HandleSetVersionMask(ctx context.Context, msg *SetVersionMask) error
}

// Dispatch routes an inbound variant to its Handler method. Reconnect,
// Unknown and nil yield an error wrapping ErrUnsupportedMessage.
func Dispatch(ctx context.Context, h Handler, msg Inbound) error {
	switch m := msg.(type) {
	case *Response:
		return h.HandleResponse(ctx, m)
	case *Notify:
		return h.HandleNotify(ctx, m)
	case *SetDifficulty:
		return h.HandleSetDifficulty(ctx, m)
	case *SetVersionMask:
		return h.HandleSetVersionMask(ctx, m)
	case *Reconnect:
		return fmt.Errorf("%w: %s to %s:%d", ErrUnsupportedMessage, MethodReconnect, m.Host, m.Port)
	case *Unknown:
		return fmt.Errorf("%w: method %q", ErrUnsupportedMessage, m.Method)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}
