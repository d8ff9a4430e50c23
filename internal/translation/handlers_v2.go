package translation

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bardlex/gomproxy/internal/bitcoin"
	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	proxyErrors "github.com/bardlex/gomproxy/pkg/errors"
)

var _ sv2.Handler = (*Translator)(nil)

// HandleSetupConnection validates the downstream connection request and
// starts the upstream handshake with mining.configure.
func (t *Translator) HandleSetupConnection(ctx context.Context, msg *sv2.SetupConnection) error {
	if t.state == StateClosed {
		return t.closedError("setup_connection")
	}
	t.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

	reject := func(flags uint32, code string) error {
		t.logger.Warn("setup connection rejected",
			"error_code", code,
			"protocol", msg.Protocol,
			"min_version", msg.MinVersion,
			"max_version", msg.MaxVersion,
			"flags", msg.Flags,
		)
		return t.sendDownstream(ctx, &sv2.SetupConnectionError{Flags: flags, ErrorCode: code})
	}

	switch {
	case t.state != StateUninitialized:
		return reject(0, sv2.ErrCodeInvalidState)
	case msg.Protocol != sv2.ProtocolMining:
		return reject(0, sv2.ErrCodeUnsupportedProtocol)
	case msg.MinVersion > sv2.ProtocolVersion || msg.MaxVersion < sv2.ProtocolVersion:
		return reject(0, sv2.ErrCodeProtocolVersionMismatch)
	}

	if unsupported := msg.Flags &^ t.cfg.CapabilityFlags; unsupported != 0 {
		return reject(unsupported, sv2.ErrCodeUnsupportedFeatureFlags)
	}

	t.setupFlags = msg.Flags
	t.setState(StateAwaitingConfigure, "setup_connection")

	var mask uint32
	if msg.Flags&sv2.FlagRequiresVersionRolling != 0 {
		mask = t.cfg.VersionRollingMask
	}

	id := t.request(requestConfigure, nil)
	return t.sendUpstream(ctx, stratum.NewConfigureRequest(id, mask))
}

// HandleOpenStandardMiningChannel sends mining.subscribe and
// mining.authorize for a configured connection. Channel success is deferred
// until the first job arrives.
func (t *Translator) HandleOpenStandardMiningChannel(ctx context.Context, msg *sv2.OpenStandardMiningChannel) error {
	if t.state == StateClosed {
		return t.closedError("open_standard_mining_channel")
	}
	t.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

	if t.state != StateAwaitingConfigure || !t.configured {
		t.logger.Warn("channel open rejected", "state", t.state.String(), "configured", t.configured)
		return t.sendDownstream(ctx, &sv2.OpenMiningChannelError{
			RequestID: msg.RequestID,
			ErrorCode: sv2.ErrCodeInvalidState,
		})
	}

	upstreamUser := t.cfg.UpstreamUser
	if upstreamUser == "" {
		upstreamUser = msg.UserIdentity
	}
	if upstreamUser == "" {
		return t.sendDownstream(ctx, &sv2.OpenMiningChannelError{
			RequestID: msg.RequestID,
			ErrorCode: sv2.ErrCodeUnknownUser,
		})
	}

	t.openRequestID = msg.RequestID
	t.user = msg.UserIdentity
	t.upstreamUser = upstreamUser
	t.logger = t.logger.WithChannel(ChannelID, t.user)
	t.setState(StateAwaitingHandshake, "open_standard_mining_channel")

	subscribeID := t.request(requestSubscribe, nil)
	authorizeID := t.request(requestAuthorize, nil)

	if err := t.sendUpstream(ctx, stratum.NewSubscribeRequest(subscribeID, t.cfg.UserAgent)); err != nil {
		return err
	}
	return t.sendUpstream(ctx, stratum.NewAuthorizeRequest(authorizeID, t.upstreamUser, t.cfg.UpstreamPassword))
}

// HandleUpdateChannel is not supported: the channel target follows the
// upstream difficulty only.
func (t *Translator) HandleUpdateChannel(_ context.Context, msg *sv2.UpdateChannel) error {
	if t.state == StateClosed {
		return t.closedError("update_channel")
	}
	t.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

	return proxyErrors.Wrap(sv2.ErrUnsupportedMessage, proxyErrors.ErrorTypeUnsupported, "update_channel",
		"channel updates are not forwarded upstream").
		WithContext("channel_id", msg.ChannelID)
}

// HandleCloseChannel closes the translator without emitting anything
func (t *Translator) HandleCloseChannel(_ context.Context, msg *sv2.CloseChannel) error {
	if t.state == StateClosed {
		return t.closedError("close_channel")
	}
	t.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

	t.setState(StateClosed, "close_channel")
	t.pendingOpen = false
	t.bufferedNotify = nil
	clear(t.pending)

	t.logger.Info("channel closed by downstream", "channel_id", msg.ChannelID, "reason", msg.ReasonCode)
	t.observer.Closed(CloseEvent{User: t.user, Reason: msg.ReasonCode, Time: time.Now()})
	return nil
}

// HandleSubmitSharesStandard rebuilds a mining.submit for a share on a known
// job. Shares on unknown or evicted jobs are rejected without contacting the
// pool.
func (t *Translator) HandleSubmitSharesStandard(ctx context.Context, msg *sv2.SubmitSharesStandard) error {
	if t.state == StateClosed {
		return t.closedError("submit_shares_standard")
	}
	t.logger.LogProtocolMessage("received", "v2", sv2.Name(msg))

	reject := func(code string) error {
		return t.sendDownstream(ctx, &sv2.SubmitSharesError{
			ChannelID:      msg.ChannelID,
			SequenceNumber: msg.SequenceNumber,
			ErrorCode:      code,
		})
	}

	if t.state != StateChannelOpen {
		t.logger.Warn("share rejected", "error_code", sv2.ErrCodeInvalidState, "state", t.state.String())
		return reject(sv2.ErrCodeInvalidState)
	}
	if msg.ChannelID != ChannelID {
		t.logger.Warn("share rejected", "error_code", sv2.ErrCodeInvalidChannelID, "channel_id", msg.ChannelID)
		return reject(sv2.ErrCodeInvalidChannelID)
	}

	event := ShareEvent{
		User:            t.user,
		UpstreamUser:    t.upstreamUser,
		ChannelID:       msg.ChannelID,
		SequenceNumber:  msg.SequenceNumber,
		DownstreamJobID: msg.JobID,
		Difficulty:      t.difficulty,
		Time:            time.Now(),
	}

	entry, ok := t.jobs.Lookup(msg.JobID)
	if !ok {
		event.ErrorCode = sv2.ErrCodeJobNotFound
		t.logger.LogShareSubmission(t.user, "", msg.SequenceNumber, t.difficulty, sv2.ErrCodeJobNotFound)
		t.observer.ShareResolved(event)
		return reject(sv2.ErrCodeJobNotFound)
	}
	event.UpstreamJobID = entry.UpstreamJobID

	ntime := msg.NTime
	if ntime == 0 {
		ntime = entry.Time
	}

	req := &stratum.SubmitRequest{
		Username:    t.upstreamUser,
		JobID:       entry.UpstreamJobID,
		ExtraNonce2: hex.EncodeToString(make([]byte, t.extraNonce2Size)),
		NTime:       bitcoin.FormatHexUint32(ntime),
		Nonce:       bitcoin.FormatHexUint32(msg.Nonce),
	}
	if t.versionRolling {
		req.VersionBits = bitcoin.FormatHexUint32(msg.Version & t.versionMask)
	}

	id := t.request(requestSubmit, &pendingShare{event: event, submittedAt: time.Now()})
	t.observer.ShareSubmitted(event)

	return t.sendUpstream(ctx, stratum.NewSubmitRequest(id, req))
}
