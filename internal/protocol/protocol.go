// internal/protocol/protocol.go
package protocol

import (
	"time"
)

// ProtocolStats provides session-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	EmptyReads     int64         `json:"empty_reads"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// updateAverageLatency updates the running average latency
func (s *ProtocolStats) updateAverageLatency(newLatency time.Duration) {
	if s.AverageLatency == 0 {
		s.AverageLatency = newLatency
	} else {
		s.AverageLatency = (s.AverageLatency + newLatency) / 2
	}
}

func (s *ProtocolStats) recordWrite(n int, latency time.Duration) {
	s.BytesWritten += int64(n)
	s.OperationCount++
	s.LastActivity = time.Now()
	s.updateAverageLatency(latency)
}

func (s *ProtocolStats) recordRead(n int) {
	if n == 0 {
		s.EmptyReads++
		return
	}
	s.BytesRead += int64(n)
	s.LastActivity = time.Now()
}
