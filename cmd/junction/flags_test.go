package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction.control/internal/config"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, ":9090", *grpcListen)
	assert.Equal(t, config.DefaultConfigPath, *configPath)
	assert.Equal(t, "junction.db", *dbPath)
	assert.Equal(t, uint64(0), *seed)
	assert.Equal(t, 5*time.Minute, *checkpointEvery)
	assert.Equal(t, 7*24*time.Hour, *retention)
	assert.Empty(t, *kafkaBrokers, "kafka is opt-in")
	assert.Empty(t, *mqttBroker, "mqtt is opt-in")
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:9092", []string{"a:9092"}},
		{" a:9092 , b:9092,,", []string{"a:9092", "b:9092"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitList(tt.in), "splitList(%q)", tt.in)
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.GetMinGreenSecs())

	cfg, err = loadConfig("../../" + config.DefaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, config.WeatherClear, cfg.GetWeather())

	_, err = loadConfig("../../config/missing.json")
	assert.Error(t, err)
}

func TestNewAgentWithoutCheckpoint(t *testing.T) {
	q, res, err := newAgent(config.EmptySimConfig())
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Same(t, q, res.Inner())
	assert.False(t, res.Degraded())
}

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		runEvery(ctx, time.Millisecond, func(context.Context) { calls.Add(1) })
		close(done)
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	// A non-positive interval returns immediately.
	runEvery(context.Background(), 0, func(context.Context) { t.Fatal("should not run") })
}
