package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
)

// StatsSample is one decoded point of container resource usage.
type StatsSample struct {
	ContainerID   string
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryLimit   uint64
	MemoryPercent float64
	NetworkRx     uint64
	NetworkTx     uint64
	ReadAt        time.Time
}

// Stats streams resource usage samples for a container. The returned
// channel closes when the container exits, the stream errors, or ctx is
// cancelled. The stream is restartable: callers re-invoke Stats after it
// ends.
func (g *Gateway) Stats(ctx context.Context, containerID string) (<-chan StatsSample, error) {
	resp, err := g.cli.ContainerStats(ctx, containerID, true)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("failed to stream stats for %s", containerID))
	}

	out := make(chan StatsSample)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		dec := json.NewDecoder(resp.Body)
		for {
			var stats container.StatsResponse
			if err := dec.Decode(&stats); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					g.logger.Debug("Stats stream ended")
				}
				return
			}

			sample := decodeStats(containerID, &stats)

			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func decodeStats(containerID string, stats *container.StatsResponse) StatsSample {
	sample := StatsSample{
		ContainerID: containerID,
		CPUPercent:  calculateCPUPercent(stats),
		MemoryUsed:  stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
		ReadAt:      stats.Read,
	}

	if sample.MemoryLimit > 0 {
		sample.MemoryPercent = float64(sample.MemoryUsed) / float64(sample.MemoryLimit) * 100.0
	}

	for _, nw := range stats.Networks {
		sample.NetworkRx += nw.RxBytes
		sample.NetworkTx += nw.TxBytes
	}

	return sample
}

// calculateCPUPercent computes CPU usage the same way the docker CLI
// does: usage delta over system delta, scaled by online CPUs.
func calculateCPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)

	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0.0
	}

	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}

	return (cpuDelta / systemDelta) * onlineCPUs * 100.0
}
