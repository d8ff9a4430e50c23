package translation

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/bardlex/gomproxy/internal/bitcoin"
	"github.com/bardlex/gomproxy/internal/stratum"
	"github.com/bardlex/gomproxy/internal/sv2"
	proxyErrors "github.com/bardlex/gomproxy/pkg/errors"
)

var _ stratum.Handler = (*Translator)(nil)

// HandleResponse correlates an upstream response with the request that
// produced it.
func (t *Translator) HandleResponse(ctx context.Context, msg *stratum.Response) error {
	if t.state == StateClosed {
		return t.closedError("handle_response")
	}

	req, ok := t.pending[msg.ID]
	if !ok {
		return proxyErrors.New(proxyErrors.ErrorTypeValidation, "handle_response", "response to unknown request").
			WithContext("id", msg.ID)
	}
	delete(t.pending, msg.ID)
	t.logger.LogProtocolMessage("received", "v1", req.kind.String()+" response")

	switch req.kind {
	case requestConfigure:
		return t.handleConfigureResult(ctx, msg)
	case requestSubscribe:
		return t.handleSubscribeResult(ctx, msg)
	case requestAuthorize:
		return t.handleAuthorizeResult(ctx, msg)
	default:
		return t.handleSubmitResult(ctx, msg, req.share)
	}
}

func (t *Translator) handleConfigureResult(ctx context.Context, msg *stratum.Response) error {
	required := t.setupFlags&sv2.FlagRequiresVersionRolling != 0

	result := &stratum.ConfigureResult{}
	if msg.Error != nil {
		// Pools predating BIP 310 answer method-not-found; that only matters
		// when the device needs version rolling.
		if msg.Error.Code != stratum.ErrorMethodNotFound || required {
			return t.fail(ctx, "configure", sv2.ErrCodeUpstreamRejected, msg.Error)
		}
	} else {
		parsed, err := stratum.ParseConfigureResult(msg.Result)
		if err != nil {
			return t.fail(ctx, "configure", sv2.ErrCodeUpstreamRejected, err)
		}
		result = parsed
	}

	if required && (!result.VersionRolling || result.VersionRollingMask == 0) {
		return t.fail(ctx, "configure", sv2.ErrCodeUnsupportedFeatureFlags,
			fmt.Errorf("upstream refused version rolling"))
	}

	t.configured = true
	t.versionRolling = required && result.VersionRolling
	t.versionMask = result.VersionRollingMask

	// Without version rolling upstream, rolled version bits cannot be forwarded.
	var flags uint32
	if !t.versionRolling {
		flags |= sv2.SuccessFlagRequiresFixedVersion
	}

	t.logger.Info("upstream configured",
		"version_rolling", t.versionRolling,
		"version_mask", bitcoin.FormatHexUint32(t.versionMask),
	)

	return t.sendDownstream(ctx, &sv2.SetupConnectionSuccess{
		UsedVersion: sv2.ProtocolVersion,
		Flags:       flags,
	})
}

func (t *Translator) handleSubscribeResult(ctx context.Context, msg *stratum.Response) error {
	if msg.Error != nil {
		return t.fail(ctx, "subscribe", sv2.ErrCodeUpstreamRejected, msg.Error)
	}

	sub, err := stratum.ParseSubscribeResult(msg.Result)
	if err != nil {
		return t.fail(ctx, "subscribe", sv2.ErrCodeUpstreamRejected, err)
	}

	en1, err := hex.DecodeString(sub.ExtraNonce1)
	if err != nil {
		return t.fail(ctx, "subscribe", sv2.ErrCodeUpstreamRejected, fmt.Errorf("invalid extranonce1: %w", err))
	}
	if sub.ExtraNonce2Size > t.cfg.ExtranonceSize || len(en1)+sub.ExtraNonce2Size > 32 {
		return t.fail(ctx, "subscribe", sv2.ErrCodeUpstreamRejected,
			fmt.Errorf("extranonce sizes %d+%d exceed limit %d", len(en1), sub.ExtraNonce2Size, t.cfg.ExtranonceSize))
	}

	t.extraNonce1 = en1
	t.extraNonce2Size = sub.ExtraNonce2Size
	t.subscriptionID = sub.SubscriptionID()
	t.subscribed = true

	t.logger.Info("upstream subscribed",
		"subscription_id", t.subscriptionID,
		"extranonce1", sub.ExtraNonce1,
		"extranonce2_size", t.extraNonce2Size,
	)

	return t.maybeCompleteHandshake(ctx)
}

func (t *Translator) handleAuthorizeResult(ctx context.Context, msg *stratum.Response) error {
	if msg.Error != nil {
		return t.fail(ctx, "authorize", sv2.ErrCodeUpstreamRejected, msg.Error)
	}

	ok, err := stratum.ParseBoolResult(msg.Result)
	if err != nil {
		return t.fail(ctx, "authorize", sv2.ErrCodeUpstreamRejected, err)
	}
	if !ok {
		return t.fail(ctx, "authorize", sv2.ErrCodeUnknownUser,
			fmt.Errorf("upstream refused user %q", t.upstreamUser))
	}

	t.authorized = true
	t.logger.Info("upstream authorized", "upstream_user", t.upstreamUser)

	return t.maybeCompleteHandshake(ctx)
}

// maybeCompleteHandshake moves to ChannelOpening once subscribe and
// authorize have both succeeded, replaying any job that arrived early.
func (t *Translator) maybeCompleteHandshake(ctx context.Context) error {
	if !t.subscribed || !t.authorized || t.state != StateAwaitingHandshake {
		return nil
	}

	t.setState(StateChannelOpening, "handshake_complete")
	t.pendingOpen = true

	if t.bufferedNotify == nil {
		return nil
	}
	notify := t.bufferedNotify
	t.bufferedNotify = nil
	return t.processNotify(ctx, notify)
}

func (t *Translator) handleSubmitResult(ctx context.Context, msg *stratum.Response, share *pendingShare) error {
	event := share.event
	event.Latency = time.Since(share.submittedAt)

	switch {
	case msg.Error != nil:
		event.ErrorCode = submitErrorCode(msg.Error.Code)
	default:
		accepted, err := stratum.ParseBoolResult(msg.Result)
		if err != nil || !accepted {
			event.ErrorCode = sv2.ErrCodeUpstreamRejected
		} else {
			event.Accepted = true
		}
	}

	t.observer.ShareResolved(event)

	if !event.Accepted {
		t.logger.LogShareSubmission(event.User, event.UpstreamJobID, event.SequenceNumber, event.Difficulty, event.ErrorCode)
		return t.sendDownstream(ctx, &sv2.SubmitSharesError{
			ChannelID:      event.ChannelID,
			SequenceNumber: event.SequenceNumber,
			ErrorCode:      event.ErrorCode,
		})
	}

	t.logger.LogShareSubmission(event.User, event.UpstreamJobID, event.SequenceNumber, event.Difficulty, "accepted")
	return t.sendDownstream(ctx, &sv2.SubmitSharesSuccess{
		ChannelID:               event.ChannelID,
		LastSequenceNumber:      event.SequenceNumber,
		NewSubmitsAcceptedCount: 1,
		NewSharesSum:            sharesSum(event.Difficulty),
	})
}

// submitErrorCode maps a Stratum error code to a share rejection reason
func submitErrorCode(code int) string {
	switch code {
	case stratum.ErrorJobNotFound:
		return sv2.ErrCodeJobNotFound
	case stratum.ErrorDuplicateShare:
		return sv2.ErrCodeDuplicateShare
	case stratum.ErrorLowDifficulty:
		return sv2.ErrCodeDifficultyTooLow
	case stratum.ErrorUnauthorized:
		return sv2.ErrCodeUnauthorized
	case stratum.ErrorNotSubscribed:
		return sv2.ErrCodeNotSubscribed
	default:
		return sv2.ErrCodeUpstreamRejected
	}
}

// HandleSetDifficulty records the new share difficulty and, on an open
// channel, pushes the matching target downstream.
func (t *Translator) HandleSetDifficulty(ctx context.Context, msg *stratum.SetDifficulty) error {
	if t.state == StateClosed {
		return t.closedError("set_difficulty")
	}
	t.logger.LogProtocolMessage("received", "v1", stratum.MethodSetDifficulty)

	if err := t.setDifficulty(msg.Difficulty); err != nil {
		if !t.hasDifficulty {
			return t.fail(ctx, "set_difficulty", sv2.ErrCodeUpstreamRejected, err)
		}
		t.logger.WithError(err).Warn("keeping previous difficulty",
			"received", msg.Difficulty,
			"difficulty", t.difficulty,
		)
		return nil
	}

	t.logger.Debug("difficulty updated", "difficulty", t.difficulty, "state", t.state.String())

	if t.state != StateChannelOpen {
		return nil
	}
	return t.sendDownstream(ctx, &sv2.SetTarget{
		ChannelID:     ChannelID,
		MaximumTarget: sv2.U256FromBig(t.target),
	})
}

// HandleSetVersionMask replaces the negotiated version rolling mask
func (t *Translator) HandleSetVersionMask(_ context.Context, msg *stratum.SetVersionMask) error {
	if t.state == StateClosed {
		return t.closedError("set_version_mask")
	}
	t.logger.LogProtocolMessage("received", "v1", stratum.MethodSetVersionMask)

	t.versionMask = msg.Mask
	t.logger.Info("version mask updated", "version_mask", bitcoin.FormatHexUint32(msg.Mask))
	return nil
}

// HandleNotify translates an upstream job. Jobs received before the
// handshake completes are buffered, keeping only the latest.
func (t *Translator) HandleNotify(ctx context.Context, msg *stratum.Notify) error {
	t.logger.LogProtocolMessage("received", "v1", stratum.MethodNotify)

	switch t.state {
	case StateClosed:
		return t.closedError("notify")
	case StateAwaitingHandshake:
		t.bufferedNotify = msg
		return nil
	case StateChannelOpening, StateChannelOpen:
		return t.processNotify(ctx, msg)
	default:
		return proxyErrors.New(proxyErrors.ErrorTypeSequencing, "notify", "job received before channel open").
			WithContext("state", t.state.String()).
			WithContext("job_id", msg.JobID)
	}
}

func (t *Translator) processNotify(ctx context.Context, msg *stratum.Notify) error {
	if !t.hasDifficulty {
		if err := t.setDifficulty(t.cfg.DefaultDifficulty); err != nil {
			return t.fail(ctx, "notify", sv2.ErrCodeUpstreamRejected, err)
		}
		t.logger.Debug("using default difficulty", "difficulty", t.difficulty)
	}

	extraNonce2 := make([]byte, t.extraNonce2Size)
	root := bitcoin.CoinbaseMerkleRoot(msg.Coinb1, t.extraNonce1, extraNonce2, msg.Coinb2, msg.MerkleBranch)
	jobID := t.jobs.Insert(msg.JobID, msg.NTime, msg.Version)

	opening := t.pendingOpen
	if opening {
		t.pendingOpen = false
		t.setState(StateChannelOpen, "first_job")
	}

	t.logger.LogJobTranslation(msg.JobID, jobID, msg.CleanJobs)

	if opening {
		prefix := make([]byte, 0, len(t.extraNonce1)+len(extraNonce2))
		prefix = append(prefix, t.extraNonce1...)
		prefix = append(prefix, extraNonce2...)

		if err := t.sendDownstream(ctx, &sv2.OpenStandardMiningChannelSuccess{
			RequestID:        t.openRequestID,
			ChannelID:        ChannelID,
			Target:           sv2.U256FromBig(t.target),
			ExtranoncePrefix: prefix,
		}); err != nil {
			return err
		}
	}

	if err := t.sendDownstream(ctx, &sv2.NewMiningJob{
		ChannelID:  ChannelID,
		JobID:      jobID,
		FutureJob:  false,
		Version:    msg.Version,
		MerkleRoot: sv2.U256FromHash(root),
	}); err != nil {
		return err
	}

	if err := t.sendDownstream(ctx, &sv2.SetNewPrevHash{
		ChannelID: ChannelID,
		JobID:     jobID,
		PrevHash:  sv2.U256FromHash(msg.PrevHash),
		MinNTime:  msg.NTime,
		NBits:     msg.NBits,
	}); err != nil {
		return err
	}

	t.observer.JobTranslated(JobEvent{
		User:              t.user,
		UpstreamJobID:     msg.JobID,
		DownstreamJobID:   jobID,
		CleanJobs:         msg.CleanJobs,
		Version:           msg.Version,
		NBits:             msg.NBits,
		NTime:             msg.NTime,
		Difficulty:        t.difficulty,
		NetworkDifficulty: bitcoin.NetworkDifficulty(msg.NBits),
		Time:              time.Now(),
	})

	return nil
}

// sharesSum converts an accepted share's difficulty into the whole-share
// credit reported downstream, saturating at both ends of the uint64 range.
func sharesSum(difficulty float64) uint64 {
	switch {
	case difficulty >= math.MaxUint64:
		return math.MaxUint64
	case !(difficulty >= 1):
		return 1
	}
	return uint64(difficulty)
}
