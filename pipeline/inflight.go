package pipeline

import "sync"

// inflight tracks the instrument ids a history batch is fetching and
// persisting. A scraper and its forced copy share one, so overlapping
// batches never stage or remove the same file.
type inflight struct {
	mu  sync.Mutex
	ids map[string]chan struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]chan struct{})}
}

// claim takes every free id in ids. Ids held by another batch are returned
// with the channel that closes when that batch releases them.
func (f *inflight) claim(ids []string) (owned []string, busy map[string]<-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		if done, ok := f.ids[id]; ok {
			if busy == nil {
				busy = make(map[string]<-chan struct{})
			}
			busy[id] = done
			continue
		}
		f.ids[id] = make(chan struct{})
		owned = append(owned, id)
	}
	return owned, busy
}

// release frees ids and wakes their waiters. Ids not held are ignored.
func (f *inflight) release(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		if done, ok := f.ids[id]; ok {
			close(done)
			delete(f.ids, id)
		}
	}
}

// exclusive runs fn while no id can be claimed. held reports the ids currently
// owned by a batch.
func (f *inflight) exclusive(fn func(held func(id string) bool) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return fn(func(id string) bool {
		_, ok := f.ids[id]
		return ok
	})
}
