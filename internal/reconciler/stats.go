package reconciler

import (
	"fmt"
	"time"
)

// PingStats is the aggregate of a set of addresses' ping history.
type PingStats struct {
	TotalRTT time.Duration // sum of round trips over successful samples
	Samples  int           // total samples, successful or not
	Lost     int           // failed samples
}

// Average returns the mean round-trip time. ok is false when there is
// no successful sample to average over, which covers both "no samples
// yet" (Samples == 0) and "all lost" (Samples == Lost); callers that
// care which one it was check Samples directly.
func (s PingStats) Average() (avg time.Duration, ok bool) {
	valid := s.Samples - s.Lost
	if valid <= 0 {
		return 0, false
	}
	return s.TotalRTT / time.Duration(valid), true
}

// LossPercent returns the packet loss percentage. ok is false when
// there are no samples at all.
func (s PingStats) LossPercent() (loss float64, ok bool) {
	if s.Samples == 0 {
		return 0, false
	}
	return float64(s.Lost) / float64(s.Samples) * 100, true
}

// String renders the stats the way the status table shows them.
func (s PingStats) String() string {
	avg, avgOK := s.Average()
	loss, lossOK := s.LossPercent()
	if !lossOK {
		return "NA"
	}
	if !avgOK {
		return fmt.Sprintf("NA (%.2f%% loss)", loss)
	}
	return fmt.Sprintf("%.2f ms (%.2f%% loss)", float64(avg.Microseconds())/1000, loss)
}
