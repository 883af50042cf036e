package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// scanPorts is the port set probed by the active scan. It covers the
// ports the classifier and compliance checks reason about: remote
// access, directory, web, database, printing, SNMP, and the DICOM/HL7
// ports that identify medical devices.
var scanPorts = []int{
	21, 22, 23, 25, 53, 69, 80, 88, 104, 135, 139, 161, 389, 443, 445,
	512, 513, 514, 515, 631, 636, 902, 1433, 1521, 2575, 2761, 2762,
	3268, 3269, 3306, 3389, 4242, 5432, 5900, 5985, 5986, 6379, 8042,
	8080, 8443, 9100, 11112, 27017,
}

// serviceNames maps well-known ports to service tags. Banners refine
// these when a service talks first.
var serviceNames = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	69:    "tftp",
	80:    "http",
	88:    "kerberos",
	104:   "dicom",
	135:   "msrpc",
	139:   "netbios",
	161:   "snmp",
	389:   "ldap",
	443:   "https",
	445:   "smb",
	512:   "rexec",
	513:   "rlogin",
	514:   "rsh",
	515:   "lpd",
	631:   "ipp",
	636:   "ldaps",
	902:   "vmware",
	1433:  "mssql",
	1521:  "oracle",
	2575:  "hl7",
	2761:  "dicom-tls",
	2762:  "dicom-tls",
	3268:  "ldap-gc",
	3269:  "ldaps-gc",
	3306:  "mysql",
	3389:  "rdp",
	4242:  "dicom-alt",
	5432:  "postgresql",
	5900:  "vnc",
	5985:  "winrm",
	5986:  "winrm-https",
	6379:  "redis",
	8042:  "orthanc",
	8080:  "http-alt",
	8443:  "https-alt",
	9100:  "jetdirect",
	11112: "dicom",
	27017: "mongodb",
}

// ServiceName returns the service tag for a port, or "" if unmapped.
func ServiceName(port int) string { return serviceNames[port] }

// PortscanMethod is a bounded TCP connect scan over configured CIDR
// ranges. Parallelism is capped with a weighted semaphore so a /16 does
// not exhaust file descriptors or trip IDS thresholds.
type PortscanMethod struct {
	ranges      []string
	hostTimeout time.Duration
	maxParallel int64
}

// NewPortscanMethod creates a scanner. ranges accepts CIDRs or single
// IPs; "auto" entries are expanded to local interface networks.
func NewPortscanMethod(ranges []string, hostTimeoutSeconds, maxConcurrent int) *PortscanMethod {
	if hostTimeoutSeconds <= 0 {
		hostTimeoutSeconds = 3
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &PortscanMethod{
		ranges:      ranges,
		hostTimeout: time.Duration(hostTimeoutSeconds) * time.Second,
		maxParallel: int64(maxConcurrent),
	}
}

func (p *PortscanMethod) Name() string { return "portscan" }

func (p *PortscanMethod) IsAvailable(ctx context.Context) bool {
	return len(p.ranges) > 0
}

func (p *PortscanMethod) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	ips, err := p.expandTargets()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sem := semaphore.NewWeighted(p.maxParallel)
	var (
		mu      sync.Mutex
		devices []DiscoveredDevice
		wg      sync.WaitGroup
	)

	for _, ip := range ips {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer sem.Release(1)

			d := p.scanHost(ctx, ip, now)
			if d == nil {
				return
			}
			mu.Lock()
			devices = append(devices, *d)
			mu.Unlock()
		}(ip)
	}
	wg.Wait()
	return devices, ctx.Err()
}

// scanHost probes every port on one host. Returns nil when nothing is
// open: a silent host is indistinguishable from an empty address.
func (p *PortscanMethod) scanHost(ctx context.Context, ip string, now time.Time) *DiscoveredDevice {
	d := &DiscoveredDevice{
		IPAddress: ip,
		Origin:    "portscan",
		SeenAt:    now,
		Services:  make(map[int]string),
		Banners:   make(map[int]string),
	}

	dialer := net.Dialer{Timeout: p.hostTimeout}
	for _, port := range scanPorts {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
		if err != nil {
			continue
		}

		d.OpenPorts = append(d.OpenPorts, port)
		d.Services[port] = serviceNames[port]
		if banner := grabBanner(conn); banner != "" {
			d.Banners[port] = banner
			if svc := serviceFromBanner(banner); svc != "" {
				d.Services[port] = svc
			}
			if d.OSName == "" {
				d.OSName = osFromBanner(banner)
			}
		}
		conn.Close()
	}

	if len(d.OpenPorts) == 0 {
		return nil
	}
	if host := reverseLookup(ctx, ip); host != "" {
		d.Hostname = host
	}
	return d
}

// grabBanner reads whatever the service volunteers in the first second.
// Protocols where the client speaks first (HTTP, TLS) yield nothing,
// which is fine: the port map already names those.
func grabBanner(conn net.Conn) string {
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}

func serviceFromBanner(banner string) string {
	lower := strings.ToLower(banner)
	switch {
	case strings.HasPrefix(banner, "SSH-"):
		return "ssh"
	case strings.HasPrefix(banner, "220") && strings.Contains(lower, "ftp"):
		return "ftp"
	case strings.HasPrefix(banner, "220") && strings.Contains(lower, "smtp"):
		return "smtp"
	case strings.Contains(lower, "mysql"):
		return "mysql"
	case strings.HasPrefix(banner, "RFB "):
		return "vnc"
	}
	return ""
}

func osFromBanner(banner string) string {
	lower := strings.ToLower(banner)
	switch {
	case strings.Contains(lower, "ubuntu"):
		return "Ubuntu Linux"
	case strings.Contains(lower, "debian"):
		return "Debian Linux"
	case strings.Contains(lower, "windows"):
		return "Windows"
	}
	return ""
}

func reverseLookup(ctx context.Context, ip string) string {
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(lctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// expandTargets turns configured ranges into individual IPs. Networks
// larger than /22 are refused: scanning beyond ~1k hosts from a clinic
// appliance is a config mistake, not a use case.
func (p *PortscanMethod) expandTargets() ([]string, error) {
	var ips []string
	seen := make(map[string]bool)

	add := func(ip string) {
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}

	ranges := p.ranges
	for _, r := range ranges {
		if r == "auto" {
			for _, local := range localNetworks() {
				expanded, err := expandCIDR(local)
				if err != nil {
					continue
				}
				for _, ip := range expanded {
					add(ip)
				}
			}
			continue
		}
		if ip := net.ParseIP(r); ip != nil {
			add(ip.String())
			continue
		}
		expanded, err := expandCIDR(r)
		if err != nil {
			return nil, fmt.Errorf("bad network range %q: %w", r, err)
		}
		for _, ip := range expanded {
			add(ip)
		}
	}
	return ips, nil
}

func expandCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("IPv6 ranges not supported")
	}
	if ones < 22 {
		return nil, fmt.Errorf("range wider than /22")
	}

	var ips []string
	for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		ips = append(ips, ip.String())
	}
	// Drop network and broadcast addresses.
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// localNetworks returns the IPv4 networks of non-loopback interfaces.
func localNetworks() []string {
	var nets []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		if ones < 22 {
			// Clamp huge local networks to the appliance's /24.
			masked := ipnet.IP.Mask(net.CIDRMask(24, 32))
			nets = append(nets, fmt.Sprintf("%s/24", masked))
			continue
		}
		nets = append(nets, ipnet.String())
	}
	return nets
}
