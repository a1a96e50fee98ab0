package scope

import (
	"context"
	"errors"
	"time"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// fakeClock advances its notion of now on every Sleep instead of blocking.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Resource = "SIM"
	return cfg
}

func newSimSession(cfg visa.SimConfig) (*visa.Session, *visa.SimInstrument) {
	sim := visa.NewSimInstrument(cfg)
	return visa.NewSession(sim), sim
}

func disconnected() error {
	return &visa.TransportError{Op: "write", Kind: visa.KindDisconnected, Err: errors.New("cable pulled")}
}

func timedOut() error {
	return &visa.TransportError{Op: "write", Kind: visa.KindTimeout, Err: errors.New("no ack")}
}

func countCommands(sim *visa.SimInstrument, cmd string) int {
	n := 0
	for _, c := range sim.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}
