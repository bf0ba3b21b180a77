package health

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/engine"
)

func TestEngineChecker(t *testing.T) {
	cfg := config.Default()
	cfg.Compensator.AutoDetectSystemLatency = false

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	eng := engine.New(cfg, log)

	checker := NewEngineChecker(eng)
	assert.Equal(t, "sync_engine", checker.Name())

	// Not started yet
	assert.Error(t, checker.Check(context.Background()))

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	assert.NoError(t, checker.Check(context.Background()))
}
