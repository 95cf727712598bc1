// Package netutil provides the small address-discovery helpers the bridge
// needs when the operator does not pin them in config.
package netutil

import (
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// LocalIP returns the local IPv4 address the dataplane should send
// packets to. The routing-table trick (connect a UDP socket outward and
// read the chosen source address) works on every supported platform
// without sending any traffic; interface enumeration covers hosts with no
// default route. Falls back to loopback.
func LocalIP() string {
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		addr := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if ip := addr.IP.To4(); ip != nil {
			return ip.String()
		}
	}

	if ifaces, err := psnet.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
				continue
			}
			for _, addr := range iface.Addrs {
				ip, _, err := net.ParseCIDR(addr.Addr)
				if err != nil {
					ip = net.ParseIP(addr.Addr)
				}
				if ip == nil {
					continue
				}
				v4 := ip.To4()
				if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() {
					continue
				}
				return v4.String()
			}
		}
	}

	return "127.0.0.1"
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// FreeUDPPort asks the OS for an unused UDP port.
func FreeUDPPort() (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return 0, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port, nil
}
