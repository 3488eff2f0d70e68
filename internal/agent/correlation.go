package agent

import (
	"container/list"
	"sync"
	"time"
)

// CallRecord is what a status poll needs to interpret the call it concerns.
// RepliedSeen flips once a poll for the call resolves Replied, which is how a
// later Done observation proves it did not miss the reply.
type CallRecord struct {
	CanisterID  string `json:"canister_id"`
	Method      string `json:"method"`
	RepliedSeen bool   `json:"replied_seen,omitempty"`
}

// CorrelationStore maps a message identifier (hex) to its CallRecord. Put
// unconditionally overwrites. The call-decode path commits its Put before any
// argument decoding can suspend the task, so a concurrently decoded poll
// always observes the record; implementations only have to make the
// individual operations safe under concurrent goroutines.
type CorrelationStore interface {
	Put(id string, rec CallRecord)
	Get(id string) (CallRecord, bool)
}

// MemoryStore is a bounded in-memory CorrelationStore. Capacity is enforced
// by evicting the oldest insertion; entries older than maxAge are swept by a
// background ticker. A capture session that never sees a call's polls would
// otherwise accumulate one record per call forever.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	maxAge   time.Duration
	records  map[string]*list.Element
	order    *list.List // front = oldest

	done      chan struct{}
	closeOnce sync.Once
}

type storeEntry struct {
	id  string
	rec CallRecord
	at  time.Time
}

// NewMemoryStore creates a store holding at most capacity records (0 means
// unbounded). If maxAge is positive a sweeper goroutine drops older entries;
// Close stops it.
func NewMemoryStore(capacity int, maxAge time.Duration) *MemoryStore {
	s := &MemoryStore{
		capacity: capacity,
		maxAge:   maxAge,
		records:  make(map[string]*list.Element),
		order:    list.New(),
		done:     make(chan struct{}),
	}
	if maxAge > 0 {
		go s.sweepLoop()
	}
	return s
}

func (s *MemoryStore) Put(id string, rec CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.records[id]; ok {
		entry := elem.Value.(*storeEntry)
		entry.rec = rec
		entry.at = time.Now()
		s.order.MoveToBack(elem)
		return
	}

	s.records[id] = s.order.PushBack(&storeEntry{id: id, rec: rec, at: time.Now()})
	for s.capacity > 0 && s.order.Len() > s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.records, oldest.Value.(*storeEntry).id)
	}
}

func (s *MemoryStore) Get(id string) (CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.records[id]
	if !ok {
		return CallRecord{}, false
	}
	return elem.Value.(*storeEntry).rec, true
}

// Len reports the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close stops the age sweeper.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired(now time.Time) {
	threshold := now.Add(-s.maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		oldest := s.order.Front()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*storeEntry)
		if !entry.at.Before(threshold) {
			return
		}
		s.order.Remove(oldest)
		delete(s.records, entry.id)
	}
}
