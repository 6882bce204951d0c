package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledStillTracks(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "budget.lock")
	assert.NotNil(t, ctx)
	done(errors.New("boom"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "budget.present")
	assert.NotNil(t, ctx)
	done(nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "budget_id", "b1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"budget_id":"b1"`)

	buf.Reset()
	NewLogger(&buf, "debug", "text").Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
