// Package ebpf mirrors the dispatcher tables into pinned BPF maps.
//
// # Maps
//
//	bindings      BPF_MAP_TYPE_LPM_TRIE  {prefixlen, proto|port|addr} -> {id, prefixlen}
//	destinations  BPF_MAP_TYPE_HASH      {label, domain, proto}      -> id
//	sockets       BPF_MAP_TYPE_HASH      id                          -> socket cookie
//
// Binding keys use the same layout as the userspace table: one byte of
// protocol, the port in network byte order and a 16 byte address, with IPv4
// stored as v4-mapped IPv6. A kernel program can therefore look up a packet
// with a full length key and get the same answer as Worker.Dispatch.
//
// Every sync replaces the contents of a map: entries are written first and
// stale keys are deleted afterwards, so a concurrent reader never sees a
// binding disappear that is still configured.
//
// # Requirements
//
//   - CAP_BPF or CAP_SYS_ADMIN capability
//   - A bpffs mount for the pin path, usually /sys/fs/bpf
//
// # Fallback Strategy
//
// NewKernelMirror returns a disabled mirror if BPF maps cannot be created,
// for example without permissions or on other operating systems. A disabled
// mirror accepts every sync and does nothing, so the dispatcher works the
// same with or without it.
package ebpf
