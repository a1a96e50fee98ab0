package scope

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// maxDrainReads caps one drain pass in case the instrument keeps talking.
const maxDrainReads = 256

// HandshakeStatus is the verdict of Establisher.Handshake.
type HandshakeStatus uint8

const (
	HandshakeFailed HandshakeStatus = iota
	HandshakeVerified
	HandshakeVerifiedWithWarning
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeVerified:
		return "verified"
	case HandshakeVerifiedWithWarning:
		return "verified-with-warning"
	}
	return "failed"
}

// AttemptOutcome classifies one identity exchange.
type AttemptOutcome uint8

const (
	AttemptBufferDirty AttemptOutcome = iota
	AttemptVerified
	AttemptTransportError
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptVerified:
		return "verified"
	case AttemptTransportError:
		return "transport-error"
	}
	return "buffer-dirty"
}

// HandshakeAttempt records one pass of the flush-and-identify loop.
type HandshakeAttempt struct {
	Ordinal  int
	Outcome  AttemptOutcome
	Response string
	Drained  int
	Err      error
}

// HandshakeResult is returned by Handshake. Identity holds the last response
// that was read, verified or not.
type HandshakeResult struct {
	Status   HandshakeStatus
	Identity string
	Attempts []HandshakeAttempt
}

// Verified reports whether the vendor marker was seen.
func (r HandshakeResult) Verified() bool { return r.Status == HandshakeVerified }

// Establisher brings an instrument from an unknown buffer state to a
// verified, reset state.
type Establisher struct {
	session *visa.Session
	cfg     Config
	clock   Clock
	logger  *logrus.Entry
}

// NewEstablisher returns an Establisher using cfg's retry and timing
// settings. A nil clock uses SystemClock.
func NewEstablisher(session *visa.Session, cfg Config, clock Clock) *Establisher {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Establisher{
		session: session,
		cfg:     cfg,
		clock:   clock,
		logger:  logrus.WithField("component", "ConnectionEstablisher"),
	}
}

// Handshake flushes stale output and checks the identity for the vendor
// marker, up to RetryBound times. Exhausting the bound is not an error: the
// result carries HandshakeVerifiedWithWarning and the caller decides. A
// disconnected transport or a cancelled ctx ends the loop with
// HandshakeFailed and an error.
func (e *Establisher) Handshake(ctx context.Context) (HandshakeResult, error) {
	var result HandshakeResult

	e.session.SetTimeout(e.cfg.FlushTimeout.Duration)
	if err := e.session.Advance(visa.StateSyncingBuffer); err != nil {
		return result, err
	}

	marker := strings.ToUpper(e.cfg.VendorMarker)
	for i := 1; i <= e.cfg.RetryBound; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		attempt := HandshakeAttempt{Ordinal: i}
		e.logger.WithField("attempt", i).Infof("Connection attempt %d/%d: flushing buffer", i, e.cfg.RetryBound)

		drained, err := e.drain()
		attempt.Drained = drained
		if err != nil {
			attempt.Outcome, attempt.Err = AttemptTransportError, err
			result.Attempts = append(result.Attempts, attempt)
			return result, fmt.Errorf("scope: flush buffer: %w", err)
		}

		idn, err := e.identify()
		attempt.Response = idn
		switch {
		case err != nil:
			attempt.Outcome, attempt.Err = AttemptTransportError, err
			result.Attempts = append(result.Attempts, attempt)
			if visa.IsDisconnected(err) {
				return result, fmt.Errorf("scope: identify: %w", err)
			}
			e.logger.WithError(err).Debug("Identity query failed, retrying")
		case strings.Contains(strings.ToUpper(idn), marker):
			attempt.Outcome = AttemptVerified
			result.Attempts = append(result.Attempts, attempt)
			result.Status = HandshakeVerified
			result.Identity = idn
			e.logger.WithField("identity", idn).Info("Connected")
			return result, e.session.Advance(visa.StateVerified)
		default:
			attempt.Outcome = AttemptBufferDirty
			result.Attempts = append(result.Attempts, attempt)
			result.Identity = idn
			e.logger.WithField("response", idn).Warn("Buffer dirty, flushing again")
		}

		if i < e.cfg.RetryBound {
			if err := e.clock.Sleep(ctx, e.cfg.FlushBackoff.Duration); err != nil {
				return result, err
			}
		}
	}

	result.Status = HandshakeVerifiedWithWarning
	e.logger.WithField("attempts", e.cfg.RetryBound).
		Warn("Could not verify instrument identity, comms might be out of sync")
	return result, e.session.Advance(visa.StateVerified)
}

// Finish switches the session to working settings and resets the
// instrument: working timeout, chunk size, *RST and the post-reset settle.
func (e *Establisher) Finish(ctx context.Context) error {
	e.session.SetTimeout(e.cfg.WorkingTimeout.Duration)
	e.session.SetChunkSize(e.cfg.ChunkSize)

	if err := e.session.Write("*RST"); err != nil {
		return fmt.Errorf("scope: reset: %w", err)
	}
	e.logger.WithField("settle", e.cfg.ResetSettle.Duration).Debug("Waiting for reset to settle")
	return e.clock.Sleep(ctx, e.cfg.ResetSettle.Duration)
}

// Establish runs Handshake, applies the allow-unverified policy and then
// Finish.
func (e *Establisher) Establish(ctx context.Context) (HandshakeResult, error) {
	result, err := e.Handshake(ctx)
	if err != nil {
		result.Status = HandshakeFailed
		return result, err
	}
	if result.Status == HandshakeVerifiedWithWarning && !e.cfg.AllowUnverified {
		return result, &ProtocolError{
			Command:  "*IDN?",
			Response: result.Identity,
			Reason:   fmt.Sprintf("identity lacks %q after %d attempts", e.cfg.VendorMarker, len(result.Attempts)),
		}
	}
	if err := e.Finish(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// drain clears the device and reads until a read fails. Only a
// disconnected transport is reported.
func (e *Establisher) drain() (int, error) {
	if err := e.session.Clear(); err != nil {
		if visa.IsDisconnected(err) {
			return 0, err
		}
		e.logger.WithError(err).Debug("Device clear failed")
	}

	n := 0
	for ; n < maxDrainReads; n++ {
		stale, err := e.session.Read()
		if err != nil {
			if visa.IsDisconnected(err) {
				return n, err
			}
			break
		}
		e.logger.WithField("stale", stale).Trace("Discarded stale response")
	}
	if n > 0 {
		e.logger.WithField("count", n).Debug("Discarded stale responses")
	}
	return n, nil
}

func (e *Establisher) identify() (string, error) {
	if err := e.session.Write("*CLS"); err != nil {
		return "", err
	}
	return e.session.Query("*IDN?")
}
