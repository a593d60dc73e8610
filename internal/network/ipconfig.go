package network

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/s-hamann/firecracker-tools/internal/vmconfig"
)

// autoconfKeywords are ip_address values the kernel resolves itself.
var autoconfKeywords = map[string]bool{
	"dhcp":  true,
	"bootp": true,
	"rarp":  true,
	"any":   true,
}

// IPConfig returns the kernel ip= boot argument for the index-th guest
// interface (eth<index>). The format is
//
//	ip=<client>::<gateway>:<netmask>:<hostname>:<device>:<autoconf>:<dns...>
//
// Empty fields are kept so positions stay fixed.
func IPConfig(index int, hostname string, iface vmconfig.NetworkInterface) (string, error) {
	var ip, netmask, autoconf string
	address := strings.TrimSpace(iface.IPAddress)
	if autoconfKeywords[address] {
		autoconf = address
	} else {
		prefix, err := parseIPv4Prefix(address)
		if err != nil {
			return "", err
		}
		ip = prefix.Addr().String()
		netmask = net.IP(net.CIDRMask(prefix.Bits(), 32)).String()
		autoconf = "off"
	}
	return fmt.Sprintf("ip=%s::%s:%s:%s:eth%d:%s:%s",
		ip, iface.Gateway, netmask, hostname, index, autoconf, strings.Join(iface.DNS, ":")), nil
}

// parseIPv4Prefix accepts "a.b.c.d/n" or a bare address, which is taken as a
// host route. Host bits may be set, as in 192.0.2.10/24.
func parseIPv4Prefix(s string) (netip.Prefix, error) {
	var prefix netip.Prefix
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip_address %q: %w", s, err)
		}
		prefix = p
	} else {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip_address %q: %w", s, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid ip_address %q: kernel ip= configuration is IPv4 only", s)
	}
	return prefix, nil
}
