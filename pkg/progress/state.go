package progress

import "time"

// State accumulates transfer progress for a single operation. It is not
// safe for concurrent use; each operation owns its own State.
type State struct {
	TotalBytes       int64
	BytesTransferred int64
	StartTime        time.Time
	LastSampleBytes  int64
	LastSampleTime   time.Time

	op  string
	now func() time.Time
}

// NewState starts tracking an operation of total bytes. A nil now uses
// time.Now.
func NewState(op string, total int64, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	if total < 0 {
		total = 0
	}
	start := now()
	return &State{
		TotalBytes:     total,
		StartTime:      start,
		LastSampleTime: start,
		op:             op,
		now:            now,
	}
}

// Advance records n more bytes and returns the resulting progress event.
// BytesTransferred never exceeds TotalBytes.
func (s *State) Advance(n int64) Event {
	if n > 0 {
		s.BytesTransferred += n
	}
	if s.BytesTransferred > s.TotalBytes {
		s.BytesTransferred = s.TotalBytes
	}

	now := s.now()
	var throughput float64
	if elapsed := now.Sub(s.LastSampleTime).Seconds(); elapsed > 0 {
		throughput = float64(s.BytesTransferred-s.LastSampleBytes) / elapsed
	}
	s.LastSampleBytes = s.BytesTransferred
	s.LastSampleTime = now

	eta := float64(ETAUnknown)
	if throughput > 0 {
		eta = float64(s.TotalBytes-s.BytesTransferred) / throughput
	}

	return Event{
		Op:             s.op,
		Kind:           KindProgress,
		Percent:        s.Percent(),
		BytesPerSecond: throughput,
		ETASeconds:     eta,
		BytesDone:      s.BytesTransferred,
		BytesTotal:     s.TotalBytes,
		Time:           now,
	}
}

// Percent is floor(transferred*100/total) clamped to [0, 100]. An empty
// transfer is complete by definition.
func (s *State) Percent() int {
	if s.TotalBytes <= 0 {
		return 100
	}
	p := s.BytesTransferred * 100 / s.TotalBytes
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return int(p)
}
