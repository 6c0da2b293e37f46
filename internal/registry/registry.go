package registry

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/metrics"
	"github.com/cowprotocol/watch-tower/internal/store"
	"github.com/ethereum/go-ethereum/common"
)

// CurrentVersion is the on-disk schema version written by this build.
const CurrentVersion uint32 = 1

// Registry is the per-chain in-memory model of owner -> conditional orders,
// loaded once at chain-watcher start and persisted after each processed
// block. All mutations go through Registry methods, which serialise behind a
// single mutex.
type Registry struct {
	mu sync.Mutex

	network            string
	version            uint32
	ownerOrders        map[common.Address][]*ConditionalOrder
	lastProcessedBlock *RegistryBlock
	lastNotifiedError  *time.Time

	store *store.Store
	log   *logger.Logger
}

// Load reads the registry for the given network from the store. A missing
// version key means an empty registry at the current schema version; a lower
// stored version triggers an explicit migration.
func Load(s *store.Store, network string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		network:     network,
		version:     CurrentVersion,
		ownerOrders: make(map[common.Address][]*ConditionalOrder),
		store:       s,
		log:         log.WithComponent("registry").WithNetwork(network),
	}

	version, found, err := r.loadVersion()
	if err != nil {
		return nil, err
	}
	if !found {
		r.log.Info("no persisted registry found, starting empty")
		return r, nil
	}

	if version != CurrentVersion {
		if err := r.migrate(version); err != nil {
			return nil, err
		}
	}

	if err := r.loadOwnerOrders(); err != nil {
		return nil, err
	}
	if err := r.loadCursors(); err != nil {
		return nil, err
	}

	r.log.Infow("registry loaded",
		"version", version,
		"owners", len(r.ownerOrders),
		"orders", r.numOrdersLocked(),
	)

	return r, nil
}

// Network returns the network name the registry is namespaced under.
func (r *Registry) Network() string {
	return r.network
}

// Add inserts a conditional order under owner, unless an order with bytewise
// identical params is already present for that owner.
// Returns true when the order was inserted.
func (r *Registry) Add(owner common.Address, order *ConditionalOrder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ownerKnown := r.ownerOrders[owner]
	for _, o := range existing {
		if o.Params.Equal(order.Params) {
			r.log.Debugw("conditional order already registered",
				"owner", owner.Hex(),
				"id", order.Params.ID().Hex(),
			)
			return false
		}
	}

	r.ownerOrders[owner] = append(existing, order)
	r.log.Debugw("conditional order added",
		"owner", owner.Hex(),
		"id", order.Params.ID().Hex(),
		"new_owner", !ownerKnown,
	)

	return true
}

// Flush removes every conditional order for owner whose proof is non-nil and
// whose merkle root differs from newRoot. Called when a merkle-root-set event
// supersedes the owner's published batch.
func (r *Registry) Flush(owner common.Address, newRoot common.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders, ok := r.ownerOrders[owner]
	if !ok {
		return 0
	}

	kept := orders[:0]
	removed := 0
	for _, o := range orders {
		if o.Proof != nil && o.Proof.MerkleRoot != newRoot {
			removed++
			continue
		}
		kept = append(kept, o)
	}

	if len(kept) == 0 {
		delete(r.ownerOrders, owner)
	} else {
		r.ownerOrders[owner] = kept
	}

	if removed > 0 {
		r.log.Debugw("flushed stale merkle orders",
			"owner", owner.Hex(),
			"new_root", newRoot.Hex(),
			"removed", removed,
		)
	}

	return removed
}

// Delete removes a single conditional order from its owner's set. Used for
// DONT_TRY_AGAIN poll results and DROP filter actions.
func (r *Registry) Delete(owner common.Address, order *ConditionalOrder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders, ok := r.ownerOrders[owner]
	if !ok {
		return false
	}

	for i, o := range orders {
		if o.Params.Equal(order.Params) {
			r.ownerOrders[owner] = append(orders[:i], orders[i+1:]...)
			if len(r.ownerOrders[owner]) == 0 {
				delete(r.ownerOrders, owner)
			}
			return true
		}
	}

	return false
}

// RecordDiscreteOrder marks a discrete order UID under the conditional order.
// A UID, once recorded, is never removed; its status may only advance.
func (r *Registry) RecordDiscreteOrder(order *ConditionalOrder, uid OrderUID, status OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := order.Orders[uid]; ok && current >= status {
		return
	}
	order.Orders[uid] = status
}

// HasDiscreteOrder reports whether a UID has already been emitted for the
// conditional order.
func (r *Registry) HasDiscreteOrder(order *ConditionalOrder, uid OrderUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := order.Orders[uid]
	return ok
}

// RecordPoll stores the outcome of the latest poll attempt for the order.
func (r *Registry) RecordPoll(order *ConditionalOrder, rec PollRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order.LastPoll = &rec
}

// NumOrders returns the total number of conditional orders across all owners.
func (r *Registry) NumOrders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numOrdersLocked()
}

func (r *Registry) numOrdersLocked() int {
	total := 0
	for _, orders := range r.ownerOrders {
		total += len(orders)
	}
	return total
}

// NumOwners returns the number of owners with at least one conditional order.
func (r *Registry) NumOwners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ownerOrders)
}

// Snapshot returns a copy of the owner -> orders mapping. The slices are
// copies; the order pointers are shared, so mutations still go through
// Registry methods.
func (r *Registry) Snapshot() map[common.Address][]*ConditionalOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := make(map[common.Address][]*ConditionalOrder, len(r.ownerOrders))
	for owner, orders := range r.ownerOrders {
		cp := make([]*ConditionalOrder, len(orders))
		copy(cp, orders)
		snap[owner] = cp
	}
	return snap
}

// OrdersFor returns a copy of the conditional orders registered for owner.
func (r *Registry) OrdersFor(owner common.Address) []*ConditionalOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	orders := r.ownerOrders[owner]
	cp := make([]*ConditionalOrder, len(orders))
	copy(cp, orders)
	return cp
}

// LastProcessedBlock returns the persisted cursor, or nil before the first
// successful write.
func (r *Registry) LastProcessedBlock() *RegistryBlock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastProcessedBlock == nil {
		return nil
	}
	cp := *r.lastProcessedBlock
	return &cp
}

// SetLastProcessedBlock updates the in-memory cursor. The next Write persists
// it.
func (r *Registry) SetLastProcessedBlock(block RegistryBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastProcessedBlock != nil && block.Number < r.lastProcessedBlock.Number {
		r.log.Warnw("last processed block moved backwards",
			"from", r.lastProcessedBlock.Number,
			"to", block.Number,
		)
	}
	r.lastProcessedBlock = &block
}

// LastNotifiedError returns the timestamp of the last error notification, or
// nil when none was ever sent.
func (r *Registry) LastNotifiedError() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastNotifiedError == nil {
		return nil
	}
	cp := *r.lastNotifiedError
	return &cp
}

// SetLastNotifiedError updates the notification cursor. Passing nil clears
// it, which translates to a key delete on the next Write.
func (r *Registry) SetLastNotifiedError(ts *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNotifiedError = ts
}

// Write persists the registry as one atomic batch: schema version, owner
// orders, the last processed block, and the last notified error (deleted
// when nil).
func (r *Registry) Write() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordersJSON, err := marshalOwnerOrders(r.ownerOrders)
	if err != nil {
		return fmt.Errorf("failed to serialise registry: %w", err)
	}

	batch := r.store.NewBatch()
	batch.Put(store.Key(store.KeyRegistryVersion, r.network), []byte(strconv.FormatUint(uint64(r.version), 10)))
	batch.Put(store.Key(store.KeyRegistry, r.network), ordersJSON)

	if r.lastProcessedBlock != nil {
		blockJSON, err := marshalRegistryBlock(r.lastProcessedBlock)
		if err != nil {
			return fmt.Errorf("failed to serialise last processed block: %w", err)
		}
		batch.Put(store.Key(store.KeyLastProcessed, r.network), blockJSON)
	} else {
		batch.Delete(store.Key(store.KeyLastProcessed, r.network))
	}

	if r.lastNotifiedError != nil {
		batch.Put(store.Key(store.KeyLastNotified, r.network), []byte(r.lastNotifiedError.UTC().Format(time.RFC3339)))
	} else {
		batch.Delete(store.Key(store.KeyLastNotified, r.network))
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to persist registry: %w", err)
	}

	metrics.ActiveOwnersSet(r.network, len(r.ownerOrders))
	metrics.ActiveOrdersSet(r.network, r.numOrdersLocked())

	return nil
}

// migrate upgrades persisted data from an older schema version. Each version
// bump adds an explicit case here; unknown versions are fatal rather than
// silently discarded.
func (r *Registry) migrate(from uint32) error {
	switch {
	case from > CurrentVersion:
		return fmt.Errorf("registry version %d is newer than supported version %d", from, CurrentVersion)
	default:
		return fmt.Errorf("no migration path from registry version %d", from)
	}
}

func (r *Registry) loadVersion() (uint32, bool, error) {
	raw, err := r.store.Get(store.Key(store.KeyRegistryVersion, r.network))
	if err == store.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	version, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid registry version %q: %w", raw, err)
	}
	return uint32(version), true, nil
}

func (r *Registry) loadOwnerOrders() error {
	raw, err := r.store.Get(store.Key(store.KeyRegistry, r.network))
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	ownerOrders, err := unmarshalOwnerOrders(raw)
	if err != nil {
		return fmt.Errorf("failed to deserialise registry: %w", err)
	}
	r.ownerOrders = ownerOrders
	return nil
}

func (r *Registry) loadCursors() error {
	raw, err := r.store.Get(store.Key(store.KeyLastProcessed, r.network))
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if err == nil {
		block, err := unmarshalRegistryBlock(raw)
		if err != nil {
			return fmt.Errorf("failed to deserialise last processed block: %w", err)
		}
		r.lastProcessedBlock = block
	}

	raw, err = r.store.Get(store.Key(store.KeyLastNotified, r.network))
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if err == nil {
		ts, err := time.Parse(time.RFC3339, string(raw))
		if err != nil {
			return fmt.Errorf("failed to parse last notified error timestamp: %w", err)
		}
		r.lastNotifiedError = &ts
	}

	return nil
}

// sortedOwners returns the owners in deterministic (hex ascending) order.
func sortedOwners(ownerOrders map[common.Address][]*ConditionalOrder) []common.Address {
	owners := make([]common.Address, 0, len(ownerOrders))
	for owner := range ownerOrders {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Hex() < owners[j].Hex()
	})
	return owners
}
