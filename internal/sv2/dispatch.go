package sv2

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedMessage is returned by Dispatch for variants the handler
// does not accept.
var ErrUnsupportedMessage = errors.New("sv2: unsupported message")

// Handler receives the messages a downstream device may send to the proxy.
// Each method corresponds to exactly one message variant.
type Handler interface {
	HandleSetupConnection(ctx context.Context, msg *SetupConnection) error
	HandleOpenStandardMiningChannel(ctx context.Context, msg *OpenStandardMiningChannel) error
	HandleUpdateChannel(ctx context.Context, msg *UpdateChannel) error
	HandleCloseChannel(ctx context.Context, msg *CloseChannel) error
	HandleSubmitSharesStandard(ctx context.Context, msg *SubmitSharesStandard) error
}

// Dispatch routes msg to the matching Handler method. Any other variant,
// including *Unknown, yields an error wrapping ErrUnsupportedMessage.
func Dispatch(ctx context.Context, h Handler, msg Message) error {
	switch m := msg.(type) {
	case *SetupConnection:
		return h.HandleSetupConnection(ctx, m)
	case *OpenStandardMiningChannel:
		return h.HandleOpenStandardMiningChannel(ctx, m)
	case *UpdateChannel:
		return h.HandleUpdateChannel(ctx, m)
	case *CloseChannel:
		return h.HandleCloseChannel(ctx, m)
	case *SubmitSharesStandard:
		return h.HandleSubmitSharesStandard(ctx, m)
	case nil:
		return fmt.Errorf("%w: nil message", ErrUnsupportedMessage)
	default:
		return fmt.Errorf("%w: %s (type 0x%02x)", ErrUnsupportedMessage, Name(msg), msg.MsgType())
	}
}
