package web

import (
	"sync"
)

// DefaultBufferSize is the default maximum number of events to keep in the buffer.
const DefaultBufferSize = 10000

// Buffer is a thread-safe ring buffer for storing events with session indexing.
// supports quick filtering by session for clients that join late.
type Buffer struct {
	mu       sync.RWMutex
	events   []Event
	maxSize  int
	writePos int // next position to write (wraps around)
	count    int // total events written (for full detection)

	// session indexes store positions of events by session id for quick filtering
	sessionIndex map[string][]int
}

// NewBuffer creates a new ring buffer with the specified max size.
// if maxSize is 0, DefaultBufferSize is used.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffer{
		events:       make([]Event, maxSize),
		maxSize:      maxSize,
		sessionIndex: make(map[string][]int),
	}
}

// Add appends an event to the buffer, overwriting oldest if full.
func (b *Buffer) Add(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// if buffer is full, clean up old index entry BEFORE overwriting
	if b.count >= b.maxSize {
		b.cleanOldIndexEntry(b.writePos)
	}

	// store event at current write position
	b.events[b.writePos] = e

	// update session index
	b.sessionIndex[e.SessionID] = append(b.sessionIndex[e.SessionID], b.writePos)

	// advance write position (wrap around)
	b.writePos = (b.writePos + 1) % b.maxSize
	b.count++
}

// cleanOldIndexEntry removes stale index entries for the position being overwritten.
// must be called with lock held.
func (b *Buffer) cleanOldIndexEntry(pos int) {
	oldEvent := b.events[pos]
	if indices, ok := b.sessionIndex[oldEvent.SessionID]; ok {
		newIndices := make([]int, 0, len(indices))
		for _, idx := range indices {
			if idx != pos {
				newIndices = append(newIndices, idx)
			}
		}
		if len(newIndices) == 0 {
			delete(b.sessionIndex, oldEvent.SessionID)
		} else {
			b.sessionIndex[oldEvent.SessionID] = newIndices
		}
	}
}

// All returns all events in chronological order.
func (b *Buffer) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return nil
	}

	actualCount := min(b.count, b.maxSize)
	result := make([]Event, actualCount)

	if b.count <= b.maxSize {
		// buffer not full yet, just copy from start
		copy(result, b.events[:b.count])
	} else {
		// buffer wrapped, read from writePos to end, then start to writePos
		tailLen := b.maxSize - b.writePos
		copy(result[:tailLen], b.events[b.writePos:])
		copy(result[tailLen:], b.events[:b.writePos])
	}

	return result
}

// BySession returns all events for the given session in chronological order.
func (b *Buffer) BySession(sessionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	indices, ok := b.sessionIndex[sessionID]
	if !ok || len(indices) == 0 {
		return nil
	}

	result := make([]Event, len(indices))
	for i, idx := range indices {
		result[i] = b.events[idx]
	}

	// sort by timestamp to ensure chronological order (handles wraparound correctly)
	// using simple insertion sort as arrays are typically small
	for i := 1; i < len(result); i++ {
		j := i
		for j > 0 && result[j].Timestamp.Before(result[j-1].Timestamp) {
			result[j], result[j-1] = result[j-1], result[j]
			j--
		}
	}

	return result
}

// DropSession removes the session's index so its events are no longer served
// to late joiners. buffered slots are reclaimed by normal ring overwrite.
func (b *Buffer) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessionIndex, sessionID)
}

// Count returns the total number of events currently in the buffer.
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count > b.maxSize {
		return b.maxSize
	}
	return b.count
}

// Clear removes all events from the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make([]Event, b.maxSize)
	b.writePos = 0
	b.count = 0
	b.sessionIndex = make(map[string][]int)
}
