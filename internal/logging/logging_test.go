package logging

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestSelectWriterHonorsFormat(t *testing.T) {
	orig := isTerminalFn
	defer func() { isTerminalFn = orig }()

	isTerminalFn = func(*os.File) bool { return false }
	assert.Equal(t, os.Stderr, selectWriter("auto"), "non-tty auto should emit JSON to stderr")
	assert.Equal(t, os.Stderr, selectWriter("json"))

	isTerminalFn = func(*os.File) bool { return true }
	assert.IsType(t, zerolog.ConsoleWriter{}, selectWriter("auto"))
	assert.IsType(t, zerolog.ConsoleWriter{}, selectWriter("console"))
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx, id = WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", id)
	assert.Equal(t, "req-123", RequestID(ctx))
}
