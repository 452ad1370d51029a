package relay

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/peer-signal-relay/internal/logging"
	"github.com/omochice/peer-signal-relay/internal/metrics"
)

// Registry maps peer identifiers to the outboxes of their live sessions.
//
// Each mutation and the broadcast it triggers happen under one lock, so every
// outbox receives peers_update messages in the order mutations were applied.
type Registry struct {
	mu          sync.Mutex
	peers       map[string]Outbox
	order       []string
	broadcaster *Broadcaster
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty Registry publishing through b.
func NewRegistry(b *Broadcaster, log *zap.Logger, m *metrics.Metrics) *Registry {
	if b == nil {
		b = NewBroadcaster(nil, log, m)
	}
	log = logging.OrNop(log)
	return &Registry{
		peers:       make(map[string]Outbox),
		broadcaster: b,
		log:         log,
		metrics:     m,
	}
}

// Register binds id to o, replacing any previous binding, and broadcasts the
// new directory. It returns the outbox previously bound to id, if any; the
// caller decides what happens to it.
func (r *Registry) Register(id string, o Outbox) Outbox {
	prev, _ := r.insert(id, o, false, nil)
	return prev
}

// TryRegister binds id to o only if id is free or already bound to o.
func (r *Registry) TryRegister(id string, o Outbox) error {
	_, err := r.insert(id, o, true, nil)
	return err
}

// insert is the single registration path. greeting, when set, is delivered
// to o before the broadcast so the acknowledgement precedes the directory.
func (r *Registry) insert(id string, o Outbox, exclusive bool, greeting []byte) (Outbox, error) {
	if id == "" {
		return nil, ErrEmptyPeerID
	}

	r.mu.Lock()
	prev, exists := r.peers[id]
	if exclusive && exists && prev != o {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}
	if greeting != nil {
		o.Deliver(greeting)
	}
	r.peers[id] = o
	if !exists {
		r.order = append(r.order, id)
	}
	failed := r.publishLocked()
	r.mu.Unlock()

	if exists && prev != o {
		r.log.Info("peer registration replaced", zap.String("peer_id", id))
	} else {
		r.log.Info("peer registered", zap.String("peer_id", id))
	}

	r.evict(failed)
	if prev == o {
		return nil, nil
	}
	return prev, nil
}

// Unregister removes id. Removing an absent id is a no-op and sends nothing.
func (r *Registry) Unregister(id string) bool {
	return r.remove(id, nil)
}

// Release removes id only while it is still bound to o, so a displaced
// session cannot remove the registration that replaced it.
func (r *Registry) Release(id string, o Outbox) bool {
	if o == nil {
		return false
	}
	return r.remove(id, o)
}

func (r *Registry) remove(id string, o Outbox) bool {
	r.mu.Lock()
	if !r.removeLocked(id, o) {
		r.mu.Unlock()
		return false
	}
	failed := r.publishLocked()
	r.mu.Unlock()

	r.log.Info("peer unregistered", zap.String("peer_id", id))
	r.evict(failed)
	return true
}

// evict releases members whose delivery failed. Every release may fail more
// deliveries; the loop ends because each member can only be removed once.
func (r *Registry) evict(failed []Member) {
	for len(failed) > 0 {
		m := failed[0]
		failed = failed[1:]

		r.mu.Lock()
		if !r.removeLocked(m.ID, m.Outbox) {
			r.mu.Unlock()
			continue
		}
		failed = append(failed, r.publishLocked()...)
		r.mu.Unlock()

		r.log.Info("peer unregistered after failed delivery", zap.String("peer_id", m.ID))
	}
}

func (r *Registry) removeLocked(id string, o Outbox) bool {
	cur, ok := r.peers[id]
	if !ok || (o != nil && cur != o) {
		return false
	}
	delete(r.peers, id)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	return true
}

func (r *Registry) publishLocked() []Member {
	r.metrics.SetPeers(len(r.order))

	members := make([]Member, len(r.order))
	for i, id := range r.order {
		members[i] = Member{ID: id, Outbox: r.peers[id]}
	}
	return r.broadcaster.Broadcast(members)
}

// Snapshot returns the registered identifiers in registration order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Lookup returns the outbox bound to id.
func (r *Registry) Lookup(id string) (Outbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.peers[id]
	return o, ok
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
