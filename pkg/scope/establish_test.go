package scope

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

func TestHandshakeVerifiedFirstAttempt(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	clock := newFakeClock()

	result, err := NewEstablisher(s, testConfig(), clock).Handshake(context.Background())
	require.NoError(t, err)

	assert.Equal(t, HandshakeVerified, result.Status)
	assert.True(t, result.Verified())
	assert.Contains(t, result.Identity, "TEKTRONIX")
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, AttemptVerified, result.Attempts[0].Outcome)
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, visa.StateVerified, s.State())
	assert.Equal(t, 1, sim.Clears())
	assert.Equal(t, []string{"*CLS", "*IDN?"}, sim.Commands())
	assert.Equal(t, 500*time.Millisecond, s.Timeout())
}

func TestHandshakeMarkerMatch(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		want     HandshakeStatus
	}{
		{"mixed case at start", "Tektronix,MSO58,B010101,CF:91.1CT", HandshakeVerified},
		{"lower case mid string", "model XYZ (tektronix inc)", HandshakeVerified},
		{"marker absent", "KEYSIGHT TECHNOLOGIES,DSOX1204G", HandshakeVerifiedWithWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := visa.DefaultSimConfig()
			cfg.Identity = tt.identity
			s, _ := newSimSession(cfg)

			result, err := NewEstablisher(s, testConfig(), newFakeClock()).Handshake(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.identity, result.Identity)
		})
	}
}

func TestHandshakeRetriesDirtyBuffer(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.DirtyIdentities = 2
	simCfg.Stale = [][]byte{[]byte("1\n"), []byte("0\n")}
	s, sim := newSimSession(simCfg)
	clock := newFakeClock()

	result, err := NewEstablisher(s, testConfig(), clock).Handshake(context.Background())
	require.NoError(t, err)

	assert.Equal(t, HandshakeVerified, result.Status)
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, 2, result.Attempts[0].Drained)
	assert.Equal(t, AttemptBufferDirty, result.Attempts[0].Outcome)
	assert.Equal(t, "1", result.Attempts[0].Response)
	assert.Equal(t, AttemptBufferDirty, result.Attempts[1].Outcome)
	assert.Equal(t, AttemptVerified, result.Attempts[2].Outcome)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.sleeps)
	assert.Equal(t, 3, sim.Clears())
}

func TestHandshakeBoundExhausted(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Identity = "KEYSIGHT TECHNOLOGIES,DSOX1204G,CN5901,2.12"
	s, sim := newSimSession(simCfg)
	clock := newFakeClock()

	result, err := NewEstablisher(s, testConfig(), clock).Handshake(context.Background())
	require.NoError(t, err)

	assert.Equal(t, HandshakeVerifiedWithWarning, result.Status)
	assert.Len(t, result.Attempts, 5)
	assert.Equal(t, 5, countCommands(sim, "*IDN?"))
	assert.Len(t, clock.sleeps, 4)
	assert.Equal(t, visa.StateVerified, s.State())
}

func TestHandshakeTransportErrorRetried(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	calls := 0
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		if cmd == "*IDN?" {
			calls++
			if calls == 1 {
				return nil, true, timedOut()
			}
		}
		return nil, false, nil
	}

	result, err := NewEstablisher(s, testConfig(), newFakeClock()).Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HandshakeVerified, result.Status)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, AttemptTransportError, result.Attempts[0].Outcome)
	assert.True(t, visa.IsTimeout(result.Attempts[0].Err))
}

func TestHandshakeDisconnectedFails(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	sim.OnWrite = func(cmd string) ([]byte, bool, error) {
		return nil, true, disconnected()
	}

	result, err := NewEstablisher(s, testConfig(), newFakeClock()).Handshake(context.Background())
	require.Error(t, err)
	assert.True(t, visa.IsDisconnected(err))
	assert.Equal(t, HandshakeFailed, result.Status)
	assert.Len(t, result.Attempts, 1)
}

func TestHandshakeHonoursCancellation(t *testing.T) {
	s, _ := newSimSession(visa.DefaultSimConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEstablisher(s, testConfig(), newFakeClock()).Handshake(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEstablishFinishes(t *testing.T) {
	s, sim := newSimSession(visa.DefaultSimConfig())
	clock := newFakeClock()

	result, err := NewEstablisher(s, testConfig(), clock).Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HandshakeVerified, result.Status)

	assert.Equal(t, 60*time.Second, s.Timeout())
	assert.Equal(t, 1024*1024, sim.ChunkSize())
	assert.Equal(t, "*RST", sim.Commands()[len(sim.Commands())-1])
	assert.Equal(t, []time.Duration{4 * time.Second}, clock.sleeps)
}

func TestEstablishRejectsUnverified(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Identity = "RIGOL TECHNOLOGIES,DS1104Z"
	s, sim := newSimSession(simCfg)
	cfg := testConfig()
	cfg.RetryBound = 2
	cfg.AllowUnverified = false

	result, err := NewEstablisher(s, cfg, newFakeClock()).Establish(context.Background())
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "*IDN?", perr.Command)
	assert.True(t, strings.HasPrefix(perr.Response, "RIGOL"))
	assert.Equal(t, HandshakeVerifiedWithWarning, result.Status)
	assert.Zero(t, countCommands(sim, "*RST"), "reset must not be sent to an unverified device")
}

func TestEstablishAllowsUnverifiedByDefault(t *testing.T) {
	simCfg := visa.DefaultSimConfig()
	simCfg.Identity = "RIGOL TECHNOLOGIES,DS1104Z"
	s, sim := newSimSession(simCfg)

	result, err := NewEstablisher(s, testConfig(), newFakeClock()).Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HandshakeVerifiedWithWarning, result.Status)
	assert.Equal(t, 1, countCommands(sim, "*RST"))
}
