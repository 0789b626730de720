package main

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewScheduler(t *testing.T) {
	runs := 0
	c, err := newScheduler(context.Background(), "0 6 * * *", func(context.Context) { runs++ })
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)

	c.Entries()[0].Job.Run()
	assert.Equal(t, 1, runs)
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := newScheduler(context.Background(), "every day", func(context.Context) {})
	assert.ErrorContains(t, err, "invalid spec")
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := cronLogger{zap.New(core).Sugar()}

	l.Info("schedule", "entry", 1)
	l.Error(eris.New("boom"), "panic", "entry", 1)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Contains(t, entries[1].ContextMap(), "error")
}
