package scope

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// AcquisitionController starts an acquisition and waits for the instrument
// to go idle.
type AcquisitionController struct {
	session *visa.Session
	cfg     Config
	clock   Clock
	logger  *logrus.Entry
}

func NewAcquisitionController(session *visa.Session, cfg Config, clock Clock) *AcquisitionController {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AcquisitionController{
		session: session,
		cfg:     cfg,
		clock:   clock,
		logger:  logrus.WithField("component", "AcquisitionController"),
	}
}

// Start arms a single acquisition.
func (a *AcquisitionController) Start() error {
	if err := a.session.Write("ACQuire:STATE ON"); err != nil {
		return fmt.Errorf("scope: start acquisition: %w", err)
	}
	a.logger.Info("Acquisition started, waiting for trigger")
	return a.session.Advance(visa.StateAcquiring)
}

// AwaitCompletion polls the acquisition state every PollInterval until it
// reads 0. Failed or unparseable polls are retried. It gives up when the
// transport disconnects, ctx is done or AcquisitionDeadline (if set) passes.
func (a *AcquisitionController) AwaitCompletion(ctx context.Context) error {
	var deadline time.Time
	if a.cfg.AcquisitionDeadline.Duration > 0 {
		deadline = a.clock.Now().Add(a.cfg.AcquisitionDeadline.Duration)
	}

	for polls := 1; ; polls++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := a.poll()
		switch {
		case err == nil && state == 0:
			a.logger.WithField("polls", polls).Info("Acquisition complete")
			return a.session.Advance(visa.StateIdle)
		case err != nil && visa.IsDisconnected(err):
			return fmt.Errorf("scope: poll acquisition state: %w", err)
		case err != nil:
			a.logger.WithError(err).WithField("poll", polls).Debug("Poll failed, retrying")
		}

		if !deadline.IsZero() && !a.clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %d polls", ErrAcquisitionDeadline, polls)
		}
		if err := a.clock.Sleep(ctx, a.cfg.PollInterval.Duration); err != nil {
			return err
		}
	}
}

func (a *AcquisitionController) poll() (int, error) {
	resp, err := a.session.Query("ACQuire:STATE?")
	if err != nil {
		return 0, err
	}
	state, err := strconv.Atoi(resp)
	if err != nil {
		return 0, &ProtocolError{Command: "ACQuire:STATE?", Response: resp, Reason: "not an integer"}
	}
	return state, nil
}
