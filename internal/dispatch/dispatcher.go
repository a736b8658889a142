package dispatch

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

const (
	DefaultMaxDestinations = 512
	DefaultMaxBindings     = 4096
)

var (
	ErrBindingNotFound     = errors.New("binding not found")
	ErrDestinationNotFound = errors.New("destination not found")
	// ErrNotLoaded is returned by control operations after Close.
	ErrNotLoaded = errors.New("dispatcher is closed")
)

// TableEntry is a binding as stored in the table, in key form.
type TableEntry struct {
	PrefixLen uint32
	Protocol  Protocol
	Port      uint16
	Addr      [16]byte
	ID        DestinationID
}

// DestinationEntry describes an allocated destination id.
type DestinationEntry struct {
	ID          DestinationID
	Destination Destination
	Cookie      uint64
}

// Mirror receives a full copy of the tables after every change, for example
// to keep a kernel map in sync. Errors are logged and otherwise ignored.
type Mirror interface {
	SyncBindings([]TableEntry) error
	SyncDestinations([]DestinationEntry) error
}

// Options configure a Dispatcher. Zero values select defaults.
type Options struct {
	MaxDestinations int
	MaxBindings     int
	// Workers is the number of execution contexts that may dispatch
	// concurrently. Defaults to GOMAXPROCS.
	Workers int
	Mirror  Mirror
}

// Dispatcher owns the binding table, the destination table and the metrics
// store. Control operations are serialized; Worker.Dispatch may run
// concurrently with them.
type Dispatcher struct {
	mu     sync.Mutex
	closed bool
	opts   Options
	log    xlog.Logger

	bindings *bindingTable
	sockets  *socketTable
	metrics  metricsShards
	dests    *destinations
	labels   map[lpmKey]string
	workers  []Worker
}

// New creates an empty dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.MaxDestinations == 0 {
		opts.MaxDestinations = DefaultMaxDestinations
	}
	if opts.MaxBindings == 0 {
		opts.MaxBindings = DefaultMaxBindings
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.MaxDestinations < 0 || opts.MaxBindings < 0 || opts.Workers < 0 {
		return nil, fmt.Errorf("invalid options: negative size")
	}

	d := &Dispatcher{
		opts:     opts,
		log:      xlog.With("dispatcher"),
		bindings: newBindingTable(opts.MaxBindings),
		sockets:  newSocketTable(opts.MaxDestinations),
		metrics:  newMetricsShards(opts.Workers, opts.MaxDestinations),
		dests:    newDestinations(opts.MaxDestinations),
		labels:   make(map[lpmKey]string),
		workers:  make([]Worker, opts.Workers),
	}
	for i := range d.workers {
		d.workers[i] = Worker{d, i}
	}
	return d, nil
}

// Worker returns the i-th worker. It panics if i is out of range.
func (d *Dispatcher) Worker(i int) *Worker {
	return &d.workers[i]
}

// Workers returns the number of workers.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}

// Close drops every socket reference held by the dispatcher. Dispatching
// keeps working afterwards but never redirects.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for id := range d.sockets.slots {
		d.sockets.set(DestinationID(id), nil)
	}
	return nil
}

// AddBinding adds b, replacing any binding with the same protocol, prefix
// and port.
func (d *Dispatcher) AddBinding(b *Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrNotLoaded
	}

	if err := d.addBinding(b); err != nil {
		return fmt.Errorf("add binding %s: %w", b, err)
	}

	d.log.Infof("added binding %s", b)
	d.syncBindings()
	return nil
}

func (d *Dispatcher) addBinding(b *Binding) error {
	if err := validateLabel(b.Label); err != nil {
		return err
	}

	key, err := b.key()
	if err != nil {
		return err
	}

	id, err := d.acquireDestination(Destination{b.Label, b.domain(), b.Protocol})
	if err != nil {
		return err
	}

	old, replaced, err := d.bindings.put(key, bindingValue{id, key.prefixLen})
	if err != nil {
		d.releaseDestination(id)
		return err
	}

	if replaced {
		d.releaseDestination(old.ID)
	}
	d.labels[key] = b.Label
	return nil
}

// RemoveBinding removes a binding. The label of b must match the stored
// binding.
func (d *Dispatcher) RemoveBinding(b *Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrNotLoaded
	}

	key, err := b.key()
	if err != nil {
		return fmt.Errorf("remove binding %s: %w", b, err)
	}

	if label, ok := d.labels[key]; !ok || label != b.Label {
		return fmt.Errorf("remove binding %s: %w", b, ErrBindingNotFound)
	}

	old, ok := d.bindings.delete(&key)
	if !ok {
		return fmt.Errorf("remove binding %s: %w", b, ErrBindingNotFound)
	}

	delete(d.labels, key)
	d.releaseDestination(old.ID)

	d.log.Infof("removed binding %s", b)
	d.syncBindings()
	return nil
}

// ReplaceBindings makes bindings the only bindings in the table. The new
// set is published to dispatching workers in one step. It returns the
// bindings that were added and removed; a binding whose label changed is
// in both lists.
func (d *Dispatcher) ReplaceBindings(bindings Bindings) (added, removed Bindings, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, ErrNotLoaded
	}

	want, err := bindingsByKey(bindings)
	if err != nil {
		return nil, nil, fmt.Errorf("replace bindings: %w", err)
	}

	if len(want) > d.opts.MaxBindings {
		return nil, nil, fmt.Errorf("replace bindings: %d bindings: %w", len(want), ErrTableFull)
	}

	type change struct {
		key lpmKey
		b   *Binding
	}

	var adds []change
	for key, b := range want {
		if label, ok := d.labels[key]; !ok || label != b.Label {
			adds = append(adds, change{key, b})
		}
	}

	var dels []change
	for key, label := range d.labels {
		if b, ok := want[key]; !ok || b.Label != label {
			k := key
			dels = append(dels, change{key, newBindingFromKey(&k, label)})
		}
	}

	ids := make([]DestinationID, 0, len(adds))
	for _, c := range adds {
		id, err := d.acquireDestination(Destination{c.b.Label, c.b.domain(), c.b.Protocol})
		if err != nil {
			for _, id := range ids {
				d.releaseDestination(id)
			}
			return nil, nil, fmt.Errorf("replace bindings: %s: %w", c.b, err)
		}
		ids = append(ids, id)
	}

	var freed []DestinationID
	d.bindings.update(func(t *trie) *trie {
		for _, c := range dels {
			k := c.key
			n := t.exact(&k)
			freed = append(freed, n.value.ID)
			if _, ok := want[c.key]; !ok {
				t, _ = t.remove(&k)
			}
		}
		for i, c := range adds {
			t, _ = t.insert(c.key, bindingValue{ids[i], c.key.prefixLen})
		}
		return t
	})

	for _, id := range freed {
		d.releaseDestination(id)
	}
	for _, c := range dels {
		delete(d.labels, c.key)
	}
	for _, c := range adds {
		d.labels[c.key] = c.b.Label
		added = append(added, c.b)
	}
	for _, c := range dels {
		removed = append(removed, c.b)
	}

	sortBindings(added)
	sortBindings(removed)

	if len(added) > 0 || len(removed) > 0 {
		d.log.Infof("replaced bindings: %d added, %d removed", len(added), len(removed))
		d.syncBindings()
	}
	return added, removed, nil
}

// Bindings returns all bindings, most specific first.
func (d *Dispatcher) Bindings() Bindings {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.currentBindings()
}

func (d *Dispatcher) currentBindings() Bindings {
	result := make(Bindings, 0, len(d.labels))
	for key, label := range d.labels {
		k := key
		result = append(result, newBindingFromKey(&k, label))
	}
	sortBindings(result)
	return result
}

// RegisterSocket makes sock the socket of the destination identified by
// label and the socket's domain and protocol. An existing socket is
// replaced. created is true if the destination didn't exist before.
func (d *Dispatcher) RegisterSocket(label string, sock Socket) (dest Destination, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Destination{}, false, ErrNotLoaded
	}

	if err := validateSocket(sock); err != nil {
		return Destination{}, false, fmt.Errorf("register socket: %w", err)
	}

	dest, err = newDestination(label, sock.Domain(), sock.Protocol())
	if err != nil {
		return Destination{}, false, fmt.Errorf("register socket: %w", err)
	}

	_, existed := d.dests.lookup(dest)
	id, err := d.acquireDestination(dest)
	if err != nil {
		return Destination{}, false, fmt.Errorf("register socket for %s: %w", dest, err)
	}

	if d.sockets.set(id, sock) {
		// The previous socket's reference on the destination.
		d.releaseDestination(id)
	}

	d.log.Infof("registered socket %d for %s (id %d)", sock.Cookie(), dest, id)
	d.syncDestinations()
	return dest, !existed, nil
}

// UnregisterSocket removes the socket of a destination.
func (d *Dispatcher) UnregisterSocket(label string, domain Domain, proto Protocol) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrNotLoaded
	}

	dest := Destination{label, domain, proto}
	id, ok := d.dests.lookup(dest)
	if !ok || d.sockets.get(id) == nil {
		return fmt.Errorf("unregister socket for %s: %w", dest, ErrDestinationNotFound)
	}

	d.sockets.set(id, nil)
	d.releaseDestination(id)

	d.log.Infof("unregistered socket for %s", dest)
	d.syncDestinations()
	return nil
}

// DestinationInfo is the state of one destination.
type DestinationInfo struct {
	Destination
	ID        DestinationID
	HasSocket bool
	Cookie    uint64
	Bindings  int
	Metrics   DestinationMetrics
}

// Destinations returns every destination that has a binding or a socket.
func (d *Dispatcher) Destinations() []DestinationInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := d.bindingCounts()

	var result []DestinationInfo
	for _, dest := range d.dests.sorted() {
		id, _ := d.dests.lookup(dest)
		info := DestinationInfo{
			Destination: dest,
			ID:          id,
			Bindings:    counts[id],
			Metrics:     d.metrics.sum(id),
		}
		if sock := d.sockets.get(id); sock != nil {
			info.HasSocket = true
			info.Cookie = sock.Cookie()
		}
		result = append(result, info)
	}
	return result
}

func (d *Dispatcher) bindingCounts() map[DestinationID]int {
	counts := make(map[DestinationID]int)
	d.bindings.load().walk(func(_ *lpmKey, v bindingValue) {
		counts[v.ID]++
	})
	return counts
}

// Metrics is a snapshot of all counters, aggregated over workers.
type Metrics struct {
	Destinations map[Destination]DestinationMetrics
	Bindings     map[Destination]uint64
	Sockets      map[Destination]bool
}

// Metrics aggregates the counters of every live destination.
func (d *Dispatcher) Metrics() (*Metrics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrNotLoaded
	}

	m := &Metrics{
		Destinations: make(map[Destination]DestinationMetrics),
		Bindings:     make(map[Destination]uint64),
		Sockets:      make(map[Destination]bool),
	}

	counts := d.bindingCounts()
	for id, dest := range d.dests.byIDs() {
		m.Destinations[dest] = d.metrics.sum(id)
		m.Bindings[dest] = uint64(counts[id])
		m.Sockets[dest] = d.sockets.get(id) != nil
	}
	return m, nil
}

// DestinationMetrics returns the counters of dest.
func (d *Dispatcher) DestinationMetrics(dest Destination) (DestinationMetrics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.dests.lookup(dest)
	if !ok {
		return DestinationMetrics{}, fmt.Errorf("%s: %w", dest, ErrDestinationNotFound)
	}
	return d.metrics.sum(id), nil
}

func (d *Dispatcher) acquireDestination(dest Destination) (DestinationID, error) {
	id, created, err := d.dests.acquire(dest)
	if err != nil {
		return 0, err
	}
	if created {
		d.metrics.reset(id)
		d.log.Debugf("allocated id %d for %s", id, dest)
	}
	return id, nil
}

func (d *Dispatcher) releaseDestination(id DestinationID) {
	freed, err := d.dests.release(id)
	if err != nil {
		// Refcounts are only changed under d.mu, so this is a bug.
		panic(err)
	}
	if freed {
		d.log.Debugf("released id %d", id)
	}
}

func (d *Dispatcher) syncBindings() {
	if d.opts.Mirror == nil {
		return
	}

	var entries []TableEntry
	d.bindings.load().walk(func(k *lpmKey, v bindingValue) {
		entries = append(entries, TableEntry{
			PrefixLen: k.prefixLen,
			Protocol:  k.protocol(),
			Port:      k.port(),
			Addr:      k.addr(),
			ID:        v.ID,
		})
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PrefixLen > entries[j].PrefixLen
	})

	if err := d.opts.Mirror.SyncBindings(entries); err != nil {
		d.log.Errorf("sync bindings to mirror: %v", err)
	}
	d.syncDestinations()
}

func (d *Dispatcher) syncDestinations() {
	if d.opts.Mirror == nil {
		return
	}

	var entries []DestinationEntry
	for id, dest := range d.dests.byIDs() {
		entry := DestinationEntry{ID: id, Destination: dest}
		if sock := d.sockets.get(id); sock != nil {
			entry.Cookie = sock.Cookie()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	if err := d.opts.Mirror.SyncDestinations(entries); err != nil {
		d.log.Errorf("sync destinations to mirror: %v", err)
	}
}
