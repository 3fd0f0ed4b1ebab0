// Package netutil resolves the configured outbound interface to an address.
package netutil

import (
	"fmt"
	"net"
)

// IfaceIPv4 returns the first IPv4 address assigned to the named interface.
func IfaceIPv4(name string) (string, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("netutil: interface %q: %w", name, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", fmt.Errorf("netutil: interface %q addresses: %w", name, err)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("netutil: interface %q has no IPv4 address", name)
}
