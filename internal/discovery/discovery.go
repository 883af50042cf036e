// Package discovery implements the discovery fabric: pluggable methods
// (directory query, neighbor table, active portscan, agent check-ins)
// that each produce a set of DiscoveredDevices, merged by IP into the
// most information-rich record.
package discovery

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DiscoveredDevice is a lightweight observation of a host on the network.
// It carries whatever the producing method could see; merging fills gaps.
type DiscoveredDevice struct {
	IPAddress string            `json:"ip_address"`
	Hostname  string            `json:"hostname,omitempty"`
	MAC       string            `json:"mac_address,omitempty"`
	OSName    string            `json:"os_name,omitempty"`
	OSVersion string            `json:"os_version,omitempty"`
	Vendor    string            `json:"vendor,omitempty"`
	OpenPorts []int             `json:"open_ports,omitempty"`
	Services  map[int]string    `json:"services,omitempty"` // port -> service name
	Banners   map[int]string    `json:"banners,omitempty"`  // port -> raw banner
	Origin    string            `json:"origin"`
	SeenAt    time.Time         `json:"seen_at"`
}

// HasPort reports whether the device was seen with the port open.
func (d *DiscoveredDevice) HasPort(port int) bool {
	for _, p := range d.OpenPorts {
		if p == port {
			return true
		}
	}
	return false
}

// Method is one discovery capability.
type Method interface {
	// Name tags records produced by this method.
	Name() string
	// IsAvailable reports whether the method can run in this environment
	// (tool present, config supplied, registry populated).
	IsAvailable(ctx context.Context) bool
	// Discover produces observations. Partial results with an error are
	// still merged.
	Discover(ctx context.Context) ([]DiscoveredDevice, error)
}

// Fabric fans discovery methods out and merges their results.
type Fabric struct {
	methods []Method
}

// NewFabric creates a fabric over the given methods.
func NewFabric(methods ...Method) *Fabric {
	return &Fabric{methods: methods}
}

// Run executes all available methods concurrently and returns the merged
// device set plus the names of the methods that actually ran. Method
// failures are logged, not fatal: a site with no directory still gets
// neighbor and portscan coverage.
func (f *Fabric) Run(ctx context.Context) ([]DiscoveredDevice, []string) {
	var (
		mu      sync.Mutex
		all     []DiscoveredDevice
		methods []string
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range f.methods {
		m := m
		if !m.IsAvailable(ctx) {
			log.Printf("[discovery] Method %s unavailable, skipping", m.Name())
			continue
		}
		mu.Lock()
		methods = append(methods, m.Name())
		mu.Unlock()

		g.Go(func() error {
			devices, err := m.Discover(ctx)
			if err != nil {
				log.Printf("[discovery] Method %s failed: %v", m.Name(), err)
			}
			mu.Lock()
			all = append(all, devices...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Strings(methods)
	merged := MergeByIP(all)
	log.Printf("[discovery] %d observations merged into %d devices via %v",
		len(all), len(merged), methods)
	return merged, methods
}

// MergeByIP unions observations keyed by IP address. Non-empty fields
// win field-by-field, port lists are set-unioned, and service maps are
// key-merged. Records without an IP are dropped.
func MergeByIP(observations []DiscoveredDevice) []DiscoveredDevice {
	byIP := make(map[string]*DiscoveredDevice)
	var order []string

	for i := range observations {
		o := &observations[i]
		if o.IPAddress == "" {
			continue
		}
		dst, ok := byIP[o.IPAddress]
		if !ok {
			c := *o
			c.OpenPorts = append([]int(nil), o.OpenPorts...)
			c.Services = copyIntMap(o.Services)
			c.Banners = copyIntMap(o.Banners)
			byIP[o.IPAddress] = &c
			order = append(order, o.IPAddress)
			continue
		}
		mergeInto(dst, o)
	}

	out := make([]DiscoveredDevice, 0, len(order))
	for _, ip := range order {
		d := byIP[ip]
		sort.Ints(d.OpenPorts)
		out = append(out, *d)
	}
	return out
}

func mergeInto(dst, src *DiscoveredDevice) {
	if dst.Hostname == "" {
		dst.Hostname = src.Hostname
	}
	if dst.MAC == "" {
		dst.MAC = src.MAC
	}
	if dst.OSName == "" {
		dst.OSName = src.OSName
	}
	if dst.OSVersion == "" {
		dst.OSVersion = src.OSVersion
	}
	if dst.Vendor == "" {
		dst.Vendor = src.Vendor
	}
	if src.SeenAt.After(dst.SeenAt) {
		dst.SeenAt = src.SeenAt
	}
	if src.Origin != "" && dst.Origin != src.Origin {
		dst.Origin = dst.Origin + "," + src.Origin
	}

	for _, p := range src.OpenPorts {
		if !dst.HasPort(p) {
			dst.OpenPorts = append(dst.OpenPorts, p)
		}
	}
	for port, svc := range src.Services {
		if dst.Services == nil {
			dst.Services = make(map[int]string)
		}
		if dst.Services[port] == "" {
			dst.Services[port] = svc
		}
	}
	for port, banner := range src.Banners {
		if dst.Banners == nil {
			dst.Banners = make(map[int]string)
		}
		if dst.Banners[port] == "" {
			dst.Banners[port] = banner
		}
	}
}

func copyIntMap(m map[int]string) map[int]string {
	if m == nil {
		return nil
	}
	c := make(map[int]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
