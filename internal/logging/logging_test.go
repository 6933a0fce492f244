package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestFromSettings(t *testing.T) {
	tests := []struct {
		name      string
		settings  config.LoggingConfig
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"defaults", config.LoggingConfig{}, zapcore.InfoLevel, false},
		{"debug console", config.LoggingConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel, false},
		{"trace", config.LoggingConfig{Level: "trace"}, TraceLevel, false},
		{"bad level", config.LoggingConfig{Level: "loud"}, 0, true},
		{"bad format", config.LoggingConfig{Format: "xml"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromSettings(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, cfg.Level)
		})
	}
}

func TestNewLogger_RequiresAnOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestNewLogger_OTELOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	l, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	l.Info(context.Background(), "bridged")
	assert.NoError(t, l.Sync())
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithCaseID(ctx, "case-9")
	tl.Info(ctx, "turn processed", zap.Int("iterations", 2))

	tl.AssertLogged(t, zapcore.InfoLevel, "turn processed")
	tl.AssertField(t, "turn processed", "session.id", "sess-1")
	tl.AssertField(t, "turn processed", "case.id", "case-9")
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "kept")
	tl.AssertLogged(t, zapcore.WarnLevel, "kept")
}

func TestRedactingEncoder(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "call", Time: time.Unix(0, 0)}, []zapcore.Field{
		zap.String("api_key", "sk-live-123"),
		zap.String("header", "Bearer abc.def"),
		zap.String("phase", "scope_definition"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "scope_definition")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("token", "abcdef")
	assert.Equal(t, "[REDACTED:6]", f.String)
}
