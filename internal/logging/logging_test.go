package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	Init(Config{Level: "debug"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.True(t, IsLevelEnabled(zerolog.DebugLevel))

	Init(Config{Level: "error"})
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
	assert.False(t, IsLevelEnabled(zerolog.InfoLevel))

	// Unknown levels fall back to info rather than failing startup.
	Init(Config{Level: "loud"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestParseLevelAliases(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.Disabled, parseLevel("disabled"))
}

func TestWithRequestIDGenerates(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFrom(ctx))

	// A caller-supplied ID is honoured verbatim.
	ctx, id = WithRequestID(context.Background(), "  req-42  ")
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "req-42", RequestIDFrom(ctx))
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
	assert.Empty(t, RequestIDFrom(nil)) //nolint:staticcheck // nil ctx is tolerated
}

func TestSelectWriterHonoursFormat(t *testing.T) {
	prev := isTerminalFn
	t.Cleanup(func() { isTerminalFn = prev })

	isTerminalFn = func(int) bool { return true }
	_, isConsole := selectWriter("auto").(zerolog.ConsoleWriter)
	assert.True(t, isConsole, "auto on a terminal should pick the console writer")

	isTerminalFn = func(int) bool { return false }
	_, isConsole = selectWriter("auto").(zerolog.ConsoleWriter)
	assert.False(t, isConsole, "auto without a terminal should stay on json")

	_, isConsole = selectWriter("console").(zerolog.ConsoleWriter)
	assert.True(t, isConsole)

	_, isConsole = selectWriter("json").(zerolog.ConsoleWriter)
	assert.False(t, isConsole)
}
