package discovery

import (
	"context"
	"log"
	"net"
	"os"
	"regexp"
	"strings"
	"time"
)

// FindDirectoryServer locates a domain controller when directory.server
// is configured as "auto". Tried in order:
//
//  1. DNS SRV lookup of _ldap._tcp.dc._msdcs.<search domain>
//  2. LDAP rootDSE probe against the local DNS servers (a small-office
//     DC almost always runs DNS for the domain)
//
// Returns the server plus the domain it serves, or empty strings when
// nothing answered.
func FindDirectoryServer(ctx context.Context) (server, domain string) {
	resolver := net.DefaultResolver

	for _, search := range resolvConfValues("search", "domain") {
		if !strings.Contains(search, ".") || strings.HasSuffix(search, ".in-addr.arpa") {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, srvs, err := resolver.LookupSRV(lctx, "ldap", "tcp", "dc._msdcs."+search)
		cancel()
		if err == nil && len(srvs) > 0 {
			dc := strings.TrimSuffix(srvs[0].Target, ".")
			log.Printf("[discovery] Directory server via DNS SRV: %s (%s)", dc, search)
			return dc, search
		}
	}

	for _, ns := range resolvConfValues("nameserver") {
		if dn := probeRootDSE(ctx, ns); dn != "" {
			domain := dnToDomain(dn)
			log.Printf("[discovery] Directory server via rootDSE probe: %s (%s)", ns, domain)
			return ns, domain
		}
	}

	log.Printf("[discovery] Directory server auto-detection found nothing")
	return "", ""
}

// resolvConfValues collects values for the given resolv.conf keywords.
func resolvConfValues(keywords ...string) []string {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		for _, kw := range keywords {
			if fields[0] == kw {
				out = append(out, fields[1:]...)
			}
		}
	}
	return out
}

// probeRootDSE sends an anonymous LDAP search for defaultNamingContext
// and returns the DN, or "". The request is hand-encoded BER; pulling in
// an LDAP client for one fixed 50-byte packet is not worth a dependency.
func probeRootDSE(ctx context.Context, host string) string {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "389"))
	if err != nil {
		return ""
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(rootDSERequest()); err != nil {
		return ""
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return namingContextFromResponse(buf[:n])
}

// rootDSERequest builds the LDAPMessage for
// SearchRequest{base="", scope=baseObject, filter=(objectClass=*),
// attributes=[defaultNamingContext]}.
func rootDSERequest() []byte {
	octet := func(s string) []byte {
		return append([]byte{0x04, byte(len(s))}, s...)
	}
	wrap := func(tag byte, body []byte) []byte {
		return append([]byte{tag, byte(len(body))}, body...)
	}

	var body []byte
	body = append(body, octet("")...)                       // baseObject
	body = append(body, 0x0a, 0x01, 0x00)                   // scope: base
	body = append(body, 0x0a, 0x01, 0x00)                   // derefAliases: never
	body = append(body, 0x02, 0x01, 0x01)                   // sizeLimit 1
	body = append(body, 0x02, 0x01, 0x05)                   // timeLimit 5
	body = append(body, 0x01, 0x01, 0x00)                   // typesOnly false
	body = append(body, wrap(0x87, []byte("objectClass"))...) // present filter
	body = append(body, wrap(0x30, octet("defaultNamingContext"))...)

	msg := append([]byte{0x02, 0x01, 0x01}, wrap(0x63, body)...) // messageID 1 + SearchRequest
	return wrap(0x30, msg)
}

var dnPattern = regexp.MustCompile(`DC=[A-Za-z0-9_-]+(?:,DC=[A-Za-z0-9_-]+)*`)

// namingContextFromResponse pulls the defaultNamingContext value out of
// the search response without a full BER decoder.
func namingContextFromResponse(data []byte) string {
	marker := []byte("defaultNamingContext")
	idx := strings.Index(string(data), string(marker))
	if idx >= 0 {
		rest := data[idx+len(marker):]
		for i := 0; i+2 < len(rest); i++ {
			if rest[i] == 0x04 {
				l := int(rest[i+1])
				if l > 0 && i+2+l <= len(rest) {
					return string(rest[i+2 : i+2+l])
				}
			}
		}
	}
	if m := dnPattern.Find(data); m != nil {
		return string(m)
	}
	return ""
}

// dnToDomain converts "DC=clinic,DC=local" to "clinic.local".
func dnToDomain(dn string) string {
	var parts []string
	for _, c := range strings.Split(dn, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(strings.ToUpper(c), "DC=") {
			parts = append(parts, c[3:])
		}
	}
	return strings.Join(parts, ".")
}
