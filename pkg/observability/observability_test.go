package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every recording path must be safe without initialized instruments.
	p.RecordDecision(ctx, contracts.ActionDeny, contracts.TierSandbox, 5*time.Millisecond)
	p.RecordChainAppend(ctx)

	_, done := p.TrackDecision(ctx, "agent-1")
	done(contracts.ActionAllow, contracts.TierProvisional, nil)
	done2ctx, done2 := p.TrackDecision(ctx, "agent-2")
	assert.NotNil(t, done2ctx)
	done2(contracts.ActionDeny, contracts.TierSandbox, errors.New("denied"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "cognigate", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestTracerAvailableWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}
