package router

import (
	"sync"
	"time"

	"github.com/kalifun/fleetlink/pkg/types"
)

// Metrics tracks router performance
type Metrics struct {
	mu                    sync.Mutex
	packetsProcessed      int64
	packetsFailed         int64
	decodeFailures        int64
	unhandledPackets      int64
	averageProcessingTime time.Duration
	processorStats        map[types.PacketType]*ProcessorMetrics
}

// ProcessorMetrics tracks individual processor performance
type ProcessorMetrics struct {
	PacketsProcessed int64
	PacketsFailed    int64
	AverageTime      time.Duration
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	PacketsProcessed      int64
	PacketsFailed         int64
	DecodeFailures        int64
	UnhandledPackets      int64
	AverageProcessingTime time.Duration
	Processors            map[types.PacketType]ProcessorMetrics
}

func newMetrics() *Metrics {
	return &Metrics{processorStats: make(map[types.PacketType]*ProcessorMetrics)}
}

func (m *Metrics) record(packetType types.PacketType, err error, processingTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.packetsProcessed++
	if err != nil {
		m.packetsFailed++
	}
	m.averageProcessingTime = runningAverage(m.averageProcessingTime, m.packetsProcessed, processingTime)

	stats, exists := m.processorStats[packetType]
	if !exists {
		stats = &ProcessorMetrics{}
		m.processorStats[packetType] = stats
	}
	stats.PacketsProcessed++
	if err != nil {
		stats.PacketsFailed++
	}
	stats.AverageTime = runningAverage(stats.AverageTime, stats.PacketsProcessed, processingTime)
}

func (m *Metrics) decodeFailed() {
	m.mu.Lock()
	m.decodeFailures++
	m.mu.Unlock()
}

func (m *Metrics) unhandled() {
	m.mu.Lock()
	m.unhandledPackets++
	m.mu.Unlock()
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Snapshot{
		PacketsProcessed:      m.packetsProcessed,
		PacketsFailed:         m.packetsFailed,
		DecodeFailures:        m.decodeFailures,
		UnhandledPackets:      m.unhandledPackets,
		AverageProcessingTime: m.averageProcessingTime,
		Processors:            make(map[types.PacketType]ProcessorMetrics, len(m.processorStats)),
	}
	for t, stats := range m.processorStats {
		out.Processors[t] = *stats
	}
	return out
}

// runningAverage folds sample into avg, where n counts sample.
func runningAverage(avg time.Duration, n int64, sample time.Duration) time.Duration {
	if n <= 1 {
		return sample
	}
	total := avg*time.Duration(n-1) + sample
	return total / time.Duration(n)
}
