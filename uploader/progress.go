package uploader

import (
	"sync"
	"time"
)

// ProgressUpdate is published periodically and once on completion.
type ProgressUpdate struct {
	Total           int64
	Uploaded        int64
	Progress        float64
	Speed           float64 // bytes/sec
	ETA             time.Duration
	ActiveChunks    int
	TotalChunks     int
	CompletedChunks int
}

type sample struct {
	at    time.Time
	total int64
}

// Tracker holds the three progress counters of §4.6 plus a sliding
// 2-second-window speed calculator: completed_bytes (sum over chunks
// fully done), in_flight_bytes (cumulative across active streaming
// chunks, additive as bytes are read off the wire and subtracted on
// retry reset so retries never double-count), and active_chunks.
type Tracker struct {
	mu sync.Mutex

	total           int64
	totalChunks     int
	completedBytes  int64
	inFlightBytes   int64
	activeChunks    int
	completedChunks int

	samples []sample
}

// NewTracker creates a Tracker for an upload of the given total size and
// chunk count, seeded with any bytes/chunks already durably completed
// from a resumed session.
func NewTracker(total int64, totalChunks int, seedCompletedBytes int64, seedCompletedChunks int) *Tracker {
	return &Tracker{
		total:           total,
		totalChunks:     totalChunks,
		completedBytes:  seedCompletedBytes,
		completedChunks: seedCompletedChunks,
	}
}

func (t *Tracker) BeginChunk() {
	t.mu.Lock()
	t.activeChunks++
	t.mu.Unlock()
}

// AddInFlight records bytes read off a chunk's stream before the
// transport has acknowledged them.
func (t *Tracker) AddInFlight(n int64) {
	t.mu.Lock()
	t.inFlightBytes += n
	t.mu.Unlock()
}

// ResetInFlight subtracts the in-flight byte count for a chunk that
// failed and is about to be retried, so the retry's own reads aren't
// double-counted against what was already attributed.
func (t *Tracker) ResetInFlight(n int64) {
	t.mu.Lock()
	t.inFlightBytes -= n
	if t.inFlightBytes < 0 {
		t.inFlightBytes = 0
	}
	t.activeChunks--
	if t.activeChunks < 0 {
		t.activeChunks = 0
	}
	t.mu.Unlock()
}

// CompleteChunk moves a chunk's bytes from in-flight to completed.
func (t *Tracker) CompleteChunk(n int64) {
	t.mu.Lock()
	t.inFlightBytes -= n
	if t.inFlightBytes < 0 {
		t.inFlightBytes = 0
	}
	t.completedBytes += n
	t.completedChunks++
	t.activeChunks--
	if t.activeChunks < 0 {
		t.activeChunks = 0
	}
	t.mu.Unlock()
}

// Snapshot computes the current ProgressUpdate, recording a new
// (timestamp, uploaded) sample and trimming samples older than the
// 2-second window.
func (t *Tracker) Snapshot() ProgressUpdate {
	return t.snapshotAt(time.Now())
}

func (t *Tracker) snapshotAt(now time.Time) ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	uploaded := t.completedBytes + t.inFlightBytes
	t.samples = append(t.samples, sample{at: now, total: uploaded})

	cutoff := now.Add(-2 * time.Second)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]

	var speed float64
	if len(t.samples) >= 2 {
		first := t.samples[0]
		dt := now.Sub(first.at).Seconds()
		if dt > 0 {
			speed = float64(uploaded-first.total) / dt
		}
	}

	var eta time.Duration
	if speed > 0 {
		remaining := t.total - uploaded
		if remaining < 0 {
			remaining = 0
		}
		eta = time.Duration(float64(remaining) / speed * float64(time.Second))
	}

	var progress float64
	if t.total > 0 {
		progress = float64(uploaded) / float64(t.total)
	} else {
		progress = 1
	}

	return ProgressUpdate{
		Total:           t.total,
		Uploaded:        uploaded,
		Progress:        progress,
		Speed:           speed,
		ETA:             eta,
		ActiveChunks:    t.activeChunks,
		TotalChunks:     t.totalChunks,
		CompletedChunks: t.completedChunks,
	}
}

// Reporter publishes Snapshot() every interval until done is closed, plus
// a final snapshot before returning.
func Reporter(done <-chan struct{}, tracker *Tracker, interval time.Duration, onProgress func(ProgressUpdate)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			onProgress(tracker.Snapshot())
			return
		case <-ticker.C:
			onProgress(tracker.Snapshot())
		}
	}
}
