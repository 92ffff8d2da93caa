package docker

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCPUPercent(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.CPUStats.CPUUsage.TotalUsage = 10
	stats.CPUStats.SystemUsage = 10
	stats.CPUStats.OnlineCPUs = 1
	stats.PreCPUStats.CPUUsage.TotalUsage = 5
	stats.PreCPUStats.SystemUsage = 2

	assert.EqualValues(t, 62.5, calculateCPUPercent(stats))
}

func TestCalculateCPUPercentNoDelta(t *testing.T) {
	stats := &container.StatsResponse{}
	assert.Zero(t, calculateCPUPercent(stats))
}

func TestCalculateCPUPercentScalesByCPUs(t *testing.T) {
	stats := &container.StatsResponse{}
	stats.CPUStats.CPUUsage.TotalUsage = 10
	stats.CPUStats.SystemUsage = 20
	stats.CPUStats.OnlineCPUs = 4

	assert.EqualValues(t, 200, calculateCPUPercent(stats))
}

func TestDecodeStatsMemoryAndNetwork(t *testing.T) {
	stats := &container.StatsResponse{Read: time.Now()}
	stats.MemoryStats.Usage = 512 << 20
	stats.MemoryStats.Limit = 1 << 30
	stats.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 100, TxBytes: 200},
		"eth1": {RxBytes: 10, TxBytes: 20},
	}

	sample := decodeStats("c-1", stats)
	assert.Equal(t, "c-1", sample.ContainerID)
	assert.EqualValues(t, 50, sample.MemoryPercent)
	assert.EqualValues(t, 110, sample.NetworkRx)
	assert.EqualValues(t, 220, sample.NetworkTx)
}

func TestDemuxSeparatesStreams(t *testing.T) {
	var muxed bytes.Buffer
	outW := stdcopy.NewStdWriter(&muxed, stdcopy.Stdout)
	errW := stdcopy.NewStdWriter(&muxed, stdcopy.Stderr)
	_, err := outW.Write([]byte("hello stdout"))
	require.NoError(t, err)
	_, err = errW.Write([]byte("hello stderr"))
	require.NoError(t, err)

	stdout, stderr, done := demux(&muxed)

	outData := make(chan string, 1)
	errData := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(stdout)
		outData <- string(b)
	}()
	go func() {
		b, _ := io.ReadAll(stderr)
		errData <- string(b)
	}()

	assert.Equal(t, "hello stdout", <-outData)
	assert.Equal(t, "hello stderr", <-errData)
	assert.NoError(t, <-done)
}
