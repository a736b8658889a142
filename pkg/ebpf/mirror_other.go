//go:build !linux

package ebpf

import (
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

// KernelMirror is always disabled outside of Linux.
type KernelMirror struct{}

var _ dispatch.Mirror = (*KernelMirror)(nil)

// NewKernelMirror returns a disabled mirror.
func NewKernelMirror(pinPath string, maxBindings, maxDestinations int) (*KernelMirror, error) {
	xlog.Infof("eBPF is only available on Linux, kernel mirror disabled")
	return &KernelMirror{}, nil
}

func (m *KernelMirror) SyncBindings([]dispatch.TableEntry) error { return nil }
func (m *KernelMirror) SyncDestinations([]dispatch.DestinationEntry) error { return nil }
func (m *KernelMirror) Close() error { return nil }
func (m *KernelMirror) Unpin() error { return nil }
func (m *KernelMirror) IsEnabled() bool { return false }
