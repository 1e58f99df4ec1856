package infra

import (
	"time"
)

// TimeKeeper records when a transaction passed each stage of the pipeline
type TimeKeeper struct {
	ProposedTime  int64
	EndorsedTime  int64
	BroadcastTime int64
	ObservedTime  int64
}

func (tk *TimeKeeper) keepProposedTime() {
	tk.ProposedTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepEndorsedTime() {
	tk.EndorsedTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepBroadcastTime() {
	tk.BroadcastTime = time.Now().UnixNano()
}

func (tk *TimeKeeper) keepObservedTime() {
	tk.ObservedTime = time.Now().UnixNano()
}

// EndorseLatency is the time spent collecting endorsements
func (tk *TimeKeeper) EndorseLatency() time.Duration {
	return latency(tk.ProposedTime, tk.EndorsedTime)
}

// SubmitLatency is the time between the end of endorsement and the orderer acknowledgement
func (tk *TimeKeeper) SubmitLatency() time.Duration {
	return latency(tk.EndorsedTime, tk.BroadcastTime)
}

// OrderCommitLatency is the time between the orderer acknowledgement and the commit confirmation
func (tk *TimeKeeper) OrderCommitLatency() time.Duration {
	return latency(tk.BroadcastTime, tk.ObservedTime)
}

// TotalLatency is the time from proposal to commit confirmation
func (tk *TimeKeeper) TotalLatency() time.Duration {
	return latency(tk.ProposedTime, tk.ObservedTime)
}

// latency is zero when either stage was never reached
func latency(from, to int64) time.Duration {
	if from == 0 || to == 0 || to < from {
		return 0
	}
	return time.Duration(to - from)
}
