package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefault_IsUsableBeforeInitialize(t *testing.T) {
	assert.NotNil(t, Default())
	assert.NotPanics(t, func() {
		Info("hello")
		ErrorCtx(context.Background(), nil)
	})
}

func TestSet_RoutesPackageFunctions(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	InfoCtx(context.Background(), "punch recorded", zap.String("client_id", "c-1"))
	Error(errors.New("disk full"))
	Debug("hint ignored")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "punch recorded", entries[0].Message)
	assert.Equal(t, "c-1", entries[0].ContextMap()["client_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "disk full", entries[1].Message)
}

func TestInitialize_WithoutSentry(t *testing.T) {
	t.Cleanup(func() { Set(nil) })

	require.NoError(t, Initialize(Config{Debug: true}))
	assert.True(t, Default().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Initialize(Config{}))
	assert.False(t, Default().Core().Enabled(zapcore.DebugLevel))
}
