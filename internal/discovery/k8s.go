package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
)

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Lookuper is satisfied by *net.Resolver.
type Lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// K8sServiceDiscovery resolves upstream addresses. Bare service names are
// expanded to <service>.<namespace>.svc.cluster.local.
type K8sServiceDiscovery struct {
	namespace string
	resolver  Lookuper
}

// NewK8sServiceDiscovery creates a resolver for the namespace the daemon runs in.
func NewK8sServiceDiscovery() *K8sServiceDiscovery {
	// Get namespace from Pod metadata (injected by K8s)
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		if data, err := os.ReadFile(namespaceFile); err == nil {
			namespace = strings.TrimSpace(string(data))
		} else {
			namespace = "default"
		}
	}
	return NewWithResolver(namespace, net.DefaultResolver)
}

// NewWithResolver creates a discovery using the given namespace and resolver.
func NewWithResolver(namespace string, resolver Lookuper) *K8sServiceDiscovery {
	return &K8sServiceDiscovery{namespace: namespace, resolver: resolver}
}

// Namespace returns the namespace bare service names are resolved in.
func (k *K8sServiceDiscovery) Namespace() string {
	return k.namespace
}

// ResolveServiceDNS returns the FQDN for a service
func (k *K8sServiceDiscovery) ResolveServiceDNS(serviceName string) string {
	if strings.Contains(serviceName, ".") {
		return serviceName
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", serviceName, k.namespace)
}

// ResolveService resolves a host to a single address. IP literals are
// returned unchanged.
func (k *K8sServiceDiscovery) ResolveService(ctx context.Context, serviceName string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(serviceName); err == nil {
		return addr.Unmap(), nil
	}

	ips, err := k.resolver.LookupNetIP(ctx, "ip", k.ResolveServiceDNS(serviceName))
	if err != nil && !strings.Contains(serviceName, ".") {
		// Fallback to short name (search domains)
		ips, err = k.resolver.LookupNetIP(ctx, "ip", serviceName)
	}
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to resolve service %s: %w", serviceName, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPs found for service %s", serviceName)
	}

	return ips[0].Unmap(), nil
}

// ResolveAddr resolves a host:port upstream address.
func (k *K8sServiceDiscovery) ResolveAddr(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("upstream %q: %w", hostport, err)
	}

	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("upstream %q: %w", hostport, err)
	}

	addr, err := k.ResolveService(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// GetPodName returns the current Pod name (from K8s downward API)
func GetPodName() string {
	return os.Getenv("POD_NAME")
}

// GetPodNamespace returns the namespace from the downward API, if set.
func GetPodNamespace() string {
	return os.Getenv("POD_NAMESPACE")
}

// GetNodeName returns the current Node name
func GetNodeName() string {
	return os.Getenv("NODE_NAME")
}

// IsRunningInK8s checks if running in Kubernetes
func IsRunningInK8s() bool {
	_, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token")
	return err == nil
}
