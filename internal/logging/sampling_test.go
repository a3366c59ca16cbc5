package logging

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    2,
		Thereafter: 0,
	})
	logger := zap.New(sampled)

	for i := 0; i < 10; i++ {
		logger.Info("same message")
		logger.Error("same failure")
	}

	assert.Equal(t, 2, observed.FilterMessage("same message").Len())
	assert.Equal(t, 10, observed.FilterMessage("same failure").Len())
}

func TestSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestLevelFilterCore_InfoBoundary(t *testing.T) {
	core, _ := observer.New(TraceLevel)
	below := &levelFilterCore{Core: core, max: zapcore.WarnLevel, hasMax: true}
	above := &levelFilterCore{Core: core, min: zapcore.ErrorLevel, hasMin: true}

	assert.True(t, below.Enabled(zapcore.InfoLevel))
	assert.False(t, below.Enabled(zapcore.ErrorLevel))
	assert.False(t, above.Enabled(zapcore.InfoLevel))
	assert.True(t, above.Enabled(zapcore.ErrorLevel))
}
