package topology

import (
	"fmt"
	"log/slog"
	"sync"

	"gridkv/internal/future"

	"go.uber.org/atomic"
)

// ErrStaleView is returned by Install for a view that is not newer than the
// current one.
type ErrStaleView struct {
	Current   uint64
	Installed uint64
}

func (e *ErrStaleView) Error() string {
	return fmt.Sprintf("topology version %d is not newer than %d", e.Installed, e.Current)
}

// Holder publishes the current View of one node. Readers load the pointer
// without locking; writers swap in a whole new View.
type Holder struct {
	current atomic.Pointer[View]
	stable  atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]*future.Future[struct{}]
}

func NewHolder(initial *View) *Holder {
	h := &Holder{waiters: make(map[uint64]*future.Future[struct{}])}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Current returns the installed view, nil before the first Install.
func (h *Holder) Current() *View {
	return h.current.Load()
}

// Version returns the installed version, 0 before the first Install.
func (h *Holder) Version() uint64 {
	if v := h.current.Load(); v != nil {
		return v.Version()
	}
	return 0
}

// Install replaces the current view when v is strictly newer.
func (h *Holder) Install(v *View) error {
	for {
		cur := h.current.Load()
		if cur != nil && v.Version() <= cur.Version() {
			return &ErrStaleView{Current: cur.Version(), Installed: v.Version()}
		}
		if h.current.CompareAndSwap(cur, v) {
			slog.Debug("topology installed", "version", v.Version(), "partitions", v.Partitions())
			return nil
		}
	}
}

// StableVersion is the highest version at which this node finished
// rebalancing.
func (h *Holder) StableVersion() uint64 {
	return h.stable.Load()
}

// MarkStable records that rebalancing for version finished and releases every
// waiter at or below it.
func (h *Holder) MarkStable(version uint64) {
	h.mu.Lock()
	if version <= h.stable.Load() {
		h.mu.Unlock()
		return
	}
	h.stable.Store(version)

	var ready []*future.Future[struct{}]
	for v, f := range h.waiters {
		if v <= version {
			ready = append(ready, f)
			delete(h.waiters, v)
		}
	}
	h.mu.Unlock()

	for _, f := range ready {
		f.Complete(struct{}{})
	}
	slog.Debug("topology stable", "version", version)
}

// AwaitStable returns a future completed once the node is stable at version or
// any later version.
func (h *Holder) AwaitStable(version uint64) *future.Future[struct{}] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if version <= h.stable.Load() {
		return future.Completed(struct{}{})
	}
	f, ok := h.waiters[version]
	if !ok {
		f = future.New[struct{}]()
		h.waiters[version] = f
	}
	return f
}

// Stabilized is AwaitStable for the current version.
func (h *Holder) Stabilized() *future.Future[struct{}] {
	return h.AwaitStable(h.Version())
}
