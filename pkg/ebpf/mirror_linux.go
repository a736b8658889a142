//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// KernelMirror keeps BPF maps in sync with a dispatcher.
type KernelMirror struct {
	mu      sync.Mutex
	enabled bool
	log     xlog.Logger

	bindings     *ebpf.Map
	destinations *ebpf.Map
	sockets      *ebpf.Map
}

var _ dispatch.Mirror = (*KernelMirror)(nil)

func mapSpecs(maxBindings, maxDestinations int) (bindings, destinations, sockets *ebpf.MapSpec) {
	bindings = &ebpf.MapSpec{
		Name:       "bindings",
		Type:       ebpf.LPMTrie,
		KeySize:    4 + bindingKeyLen,
		ValueSize:  8,
		MaxEntries: uint32(maxBindings),
		Flags:      unix.BPF_F_NO_PREALLOC,
	}
	destinations = &ebpf.MapSpec{
		Name:       "destinations",
		Type:       ebpf.Hash,
		KeySize:    labelLen + 2,
		ValueSize:  4,
		MaxEntries: uint32(maxDestinations),
	}
	sockets = &ebpf.MapSpec{
		Name:       "sockets",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(maxDestinations),
	}
	return
}

// NewKernelMirror creates or opens the maps. If pinPath is not empty the maps
// are pinned there by name, and existing pins are reused when compatible.
//
// A disabled mirror is returned if the system does not support BPF maps.
func NewKernelMirror(pinPath string, maxBindings, maxDestinations int) (*KernelMirror, error) {
	log := xlog.With("mirror")

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		log.Warnf("Failed to remove memlock limit: %v", err)
	}

	if !isEBPFSupported() {
		log.Infof("eBPF not supported on this system (insufficient permissions or MEMLOCK limit too low), kernel mirror disabled")
		return &KernelMirror{log: log}, nil
	}

	var opts ebpf.MapOptions
	if pinPath != "" {
		if err := os.MkdirAll(pinPath, 0o755); err != nil {
			return nil, fmt.Errorf("create pin path: %w", err)
		}
		opts.PinPath = pinPath
	}

	m := &KernelMirror{enabled: true, log: log}
	bindings, destinations, sockets := mapSpecs(maxBindings, maxDestinations)
	for _, target := range []struct {
		spec *ebpf.MapSpec
		out  **ebpf.Map
	}{
		{bindings, &m.bindings},
		{destinations, &m.destinations},
		{sockets, &m.sockets},
	} {
		if pinPath != "" {
			target.spec.Pinning = ebpf.PinByName
		}
		bpfMap, err := ebpf.NewMapWithOptions(target.spec, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("map %s: %w", target.spec.Name, err)
		}
		*target.out = bpfMap
	}

	if pinPath != "" {
		log.Infof("Kernel mirror maps pinned in %s", pinPath)
	}
	return m, nil
}

// SyncBindings replaces the contents of the bindings map.
func (m *KernelMirror) SyncBindings(entries []dispatch.TableEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}
	return syncMap(m.bindings, bindingEntries(entries))
}

// SyncDestinations replaces the contents of the destinations and sockets
// maps.
func (m *KernelMirror) SyncDestinations(entries []dispatch.DestinationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}

	dests, cookies, err := destinationEntries(entries)
	if err != nil {
		return err
	}
	if err := syncMap(m.destinations, dests); err != nil {
		return fmt.Errorf("destinations: %w", err)
	}
	if err := syncMap(m.sockets, cookies); err != nil {
		return fmt.Errorf("sockets: %w", err)
	}
	return nil
}

// syncMap writes want into bpfMap and then removes every other key.
func syncMap[K comparable, V any](bpfMap *ebpf.Map, want map[K]V) error {
	for k, v := range want {
		if err := bpfMap.Update(k, v, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	}

	var (
		key   K
		value V
		stale []K
	)
	iter := bpfMap.Iterate()
	for iter.Next(&key, &value) {
		if _, ok := want[key]; !ok {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}

	for _, k := range stale {
		if err := bpfMap.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("delete: %w", err)
		}
	}
	return nil
}

// Close releases the map file descriptors. Pinned maps stay in place.
func (m *KernelMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, bpfMap := range []*ebpf.Map{m.bindings, m.destinations, m.sockets} {
		if bpfMap != nil {
			errs = append(errs, bpfMap.Close())
		}
	}
	m.bindings, m.destinations, m.sockets = nil, nil, nil
	m.enabled = false
	return errors.Join(errs...)
}

// Unpin removes the pinned maps so the next start creates fresh ones.
func (m *KernelMirror) Unpin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, bpfMap := range []*ebpf.Map{m.bindings, m.destinations, m.sockets} {
		if bpfMap != nil && bpfMap.IsPinned() {
			errs = append(errs, bpfMap.Unpin())
		}
	}
	return errors.Join(errs...)
}

// IsEnabled returns whether the maps exist.
func (m *KernelMirror) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func isEBPFSupported() bool {
	// Try to create a simple eBPF map to test support
	spec := &ebpf.MapSpec{
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 1,
	}

	m, err := ebpf.NewMap(spec)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			xlog.Debugf("eBPF map creation failed: %v", err)
			xlog.Debugf("Hint: Need CAP_BPF or CAP_SYS_ADMIN capability, or run as root")
		} else {
			xlog.Debugf("eBPF map creation test failed: %v", err)
		}
		return false
	}
	m.Close()

	return true
}
