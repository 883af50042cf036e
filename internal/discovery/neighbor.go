package discovery

import (
	"context"
	"net"
	"os/exec"
	"strings"
	"time"
)

// NeighborMethod reads the local OS neighbor cache (ip neigh, falling
// back to arp -an). Zero privileges, zero network traffic: it only sees
// hosts the appliance has already exchanged packets with.
type NeighborMethod struct{}

func NewNeighborMethod() *NeighborMethod { return &NeighborMethod{} }

func (n *NeighborMethod) Name() string { return "neighbor" }

func (n *NeighborMethod) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("ip"); err == nil {
		return true
	}
	_, err := exec.LookPath("arp")
	return err == nil
}

func (n *NeighborMethod) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	now := time.Now().UTC()

	if _, err := exec.LookPath("ip"); err == nil {
		out, err := exec.CommandContext(ctx, "ip", "neigh", "show").Output()
		if err != nil {
			return nil, err
		}
		return parseIPNeigh(string(out), now), nil
	}

	out, err := exec.CommandContext(ctx, "arp", "-an").Output()
	if err != nil {
		return nil, err
	}
	return parseArpAn(string(out), now), nil
}

// parseIPNeigh parses "ip neigh show" output:
//
//	10.0.1.5 dev eth0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
func parseIPNeigh(out string, now time.Time) []DiscoveredDevice {
	var devices []DiscoveredDevice
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			continue
		}
		state := fields[len(fields)-1]
		if state == "FAILED" || state == "INCOMPLETE" {
			continue
		}

		var mac string
		for i, f := range fields {
			if f == "lladdr" && i+1 < len(fields) {
				mac = strings.ToLower(fields[i+1])
			}
		}
		if mac == "" {
			continue
		}

		devices = append(devices, DiscoveredDevice{
			IPAddress: ip.String(),
			MAC:       mac,
			Vendor:    vendorFromMAC(mac),
			Origin:    "neighbor",
			SeenAt:    now,
		})
	}
	return devices
}

// parseArpAn parses "arp -an" output:
//
//	? (10.0.1.5) at aa:bb:cc:dd:ee:ff [ether] on eth0
func parseArpAn(out string, now time.Time) []DiscoveredDevice {
	var devices []DiscoveredDevice
	for _, line := range strings.Split(out, "\n") {
		open := strings.Index(line, "(")
		close := strings.Index(line, ")")
		if open < 0 || close < open {
			continue
		}
		ip := net.ParseIP(line[open+1 : close])
		if ip == nil || ip.To4() == nil {
			continue
		}

		fields := strings.Fields(line[close+1:])
		if len(fields) < 2 || fields[0] != "at" {
			continue
		}
		mac := strings.ToLower(fields[1])
		if mac == "<incomplete>" || !strings.Contains(mac, ":") {
			continue
		}

		devices = append(devices, DiscoveredDevice{
			IPAddress: ip.String(),
			MAC:       mac,
			Vendor:    vendorFromMAC(mac),
			Origin:    "neighbor",
			SeenAt:    now,
		})
	}
	return devices
}

// ouiVendors maps MAC OUI prefixes to vendors. Healthcare manufacturers
// are the ones that matter here: a Philips or GE MAC is a strong medical
// classification signal even with no open ports visible.
var ouiVendors = map[string]string{
	"00:09:fb": "Philips Medical",
	"00:10:5f": "Philips Healthcare",
	"00:15:cf": "GE Healthcare",
	"00:01:fd": "GE Medical Systems",
	"00:0d:56": "Siemens Healthineers",
	"00:1c:06": "Siemens Healthcare",
	"00:21:fa": "Draeger Medical",
	"00:03:b1": "Hologic",
	"00:60:b0": "Hewlett-Packard",
	"00:17:a4": "Hewlett-Packard",
	"3c:d9:2b": "Hewlett-Packard",
	"00:1b:a9": "Brother",
	"00:80:77": "Brother",
	"00:00:48": "Epson",
	"00:26:ab": "Epson",
	"00:00:74": "Ricoh",
	"00:26:73": "Ricoh",
	"00:17:c8": "Kyocera",
	"00:0c:29": "VMware",
	"00:50:56": "VMware",
	"00:15:5d": "Microsoft Hyper-V",
	"52:54:00": "QEMU/KVM",
	"00:1b:21": "Intel",
	"00:e0:4c": "Realtek",
	"b8:27:eb": "Raspberry Pi",
	"dc:a6:32": "Raspberry Pi",
	"00:40:8c": "Axis Communications",
	"ac:cc:8e": "Axis Communications",
	"00:0f:e5": "Mobotix",
	"00:1e:c0": "Cisco",
	"00:1b:d4": "Cisco",
	"58:97:1e": "Cisco",
	"00:12:1e": "Juniper Networks",
	"28:c0:da": "Juniper Networks",
	"24:a4:3c": "Ubiquiti",
	"fc:ec:da": "Ubiquiti",
	"00:09:0f": "Fortinet",
	"08:5b:0e": "Fortinet",
}

func vendorFromMAC(mac string) string {
	if len(mac) < 8 {
		return ""
	}
	return ouiVendors[mac[:8]]
}
