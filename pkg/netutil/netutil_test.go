package netutil

import (
	"net"
	"testing"
)

func TestLocalIPIsUsableV4(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	if ip == nil {
		t.Fatalf("LocalIP() = %q, not an IP", LocalIP())
	}
	if ip.To4() == nil {
		t.Errorf("LocalIP() = %v, want IPv4", ip)
	}
}

func TestFreeUDPPort(t *testing.T) {
	port, err := FreeUDPPort()
	if err != nil {
		t.Fatalf("FreeUDPPort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port = %d out of range", port)
	}

	// The port must be immediately bindable.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		t.Fatalf("bind returned port %d: %v", port, err)
	}
	conn.Close()
}

func TestHasFlag(t *testing.T) {
	flags := []string{"up", "Broadcast", "MULTICAST"}
	if !hasFlag(flags, "up") || !hasFlag(flags, "broadcast") || !hasFlag(flags, "multicast") {
		t.Error("hasFlag should match case-insensitively")
	}
	if hasFlag(flags, "loopback") {
		t.Error("hasFlag matched an absent flag")
	}
}
