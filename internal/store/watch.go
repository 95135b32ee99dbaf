package store

import (
	"context"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/queue"
)

type watchKey struct {
	field, target string
}

// allKey matches every saved object.
var allKey = watchKey{}

// fieldHeader keys header watches. It is not a reference field.
const fieldHeader = "#header"

type watcher struct {
	q      *queue.Queue[string]
	cancel context.CancelFunc
}

// WatchReferences delivers the hash of every object saved after the call
// that names target in field. Delivery never blocks Save. The channel is
// closed once stop is called or the store is closed.
func (s *Store) WatchReferences(field, target string) (<-chan string, func()) {
	return s.watch(watchKey{field: field, target: target})
}

// WatchHeaders delivers the hash of every op of target whose header is
// computed after the call, in causal order. An op saved before its prevs
// is delivered once its last prev's header is computed.
func (s *Store) WatchHeaders(target string) (<-chan string, func()) {
	return s.watch(watchKey{field: fieldHeader, target: target})
}

// WatchAll delivers the hash of every object saved after the call.
func (s *Store) WatchAll() (<-chan string, func()) {
	return s.watch(allKey)
}

func (s *Store) watch(key watchKey) (<-chan string, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{q: queue.New[string](), cancel: cancel}
	out := w.q.Pipe(ctx)

	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		w.q.Close()
		return out, cancel
	}
	set, ok := s.watchers[key]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[key] = set
	}
	set[w] = struct{}{}
	s.watchMu.Unlock()

	stop := func() {
		s.watchMu.Lock()
		if set, ok := s.watchers[key]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(s.watchers, key)
			}
		}
		s.watchMu.Unlock()
		w.q.Close()
		cancel()
	}
	return out, stop
}

func (s *Store) notify(hash string, refs []reference) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for w := range s.watchers[allKey] {
		w.q.Enqueue(hash)
	}
	seen := make(map[watchKey]bool, len(refs))
	for _, r := range refs {
		key := watchKey{field: r.field, target: r.target}
		if seen[key] {
			continue
		}
		seen[key] = true
		for w := range s.watchers[key] {
			w.q.Enqueue(hash)
		}
	}
}

func (s *Store) notifyHeaders(target string, headers []*history.Header) {
	if len(headers) == 0 {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for w := range s.watchers[watchKey{field: fieldHeader, target: target}] {
		for _, h := range headers {
			w.q.Enqueue(h.OpHash)
		}
	}
}

// closeWatchers closes every watch queue. Pending hashes are still
// delivered before the channels close.
func (s *Store) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for key, set := range s.watchers {
		for w := range set {
			w.q.Close()
		}
		delete(s.watchers, key)
	}
}
