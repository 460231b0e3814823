package notify

import (
	"container/list"
	"sync"
	"time"
)

// SeenSet remembers keys for a while, evicting the least recently added
// key once it holds maxSize of them.
type SeenSet struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type seenItem struct {
	key       string
	expiresAt time.Time
}

func NewSeenSet(maxSize int, ttl time.Duration) *SeenSet {
	return &SeenSet{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Add records key and reports whether it was new (or had expired).
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.items[key]; ok {
		item := elem.Value.(*seenItem)
		if now.Before(item.expiresAt) {
			return false
		}
		item.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(elem)
		return true
	}

	s.items[key] = s.order.PushFront(&seenItem{key: key, expiresAt: now.Add(s.ttl)})
	if s.maxSize > 0 && s.order.Len() > s.maxSize {
		s.remove(s.order.Back())
	}
	return true
}

// Contains reports whether key was added and has not expired.
func (s *SeenSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	if !s.now().Before(elem.Value.(*seenItem).expiresAt) {
		s.remove(elem)
		return false
	}
	return true
}

// CleanExpired drops expired keys and returns how many were dropped.
func (s *SeenSet) CleanExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if !now.Before(elem.Value.(*seenItem).expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		s.remove(elem)
	}
	return len(expired)
}

func (s *SeenSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *SeenSet) remove(elem *list.Element) {
	delete(s.items, elem.Value.(*seenItem).key)
	s.order.Remove(elem)
}
