// Package extcap emits the line-based stdout protocol the capture
// consumer uses to discover interfaces, link types, and options.
package extcap

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/netplane/dpcap/pkg/control"
)

const (
	// Version is the extcap plugin version advertised to the consumer.
	Version = "1.0.0"
	helpURL = "https://fd.io/vpp/"

	// valuePrefix namespaces dataplane interface IDs in the consumer's
	// interface picker.
	valuePrefix = "dp_"

	productName = "DP"
)

// InterfaceValue builds the consumer-facing value string for an
// interface ID.
func InterfaceValue(id uint32) string {
	return fmt.Sprintf("%s%d", valuePrefix, id)
}

// ParseInterfaceValue extracts the interface ID from a value string
// produced by InterfaceValue.
func ParseInterfaceValue(v string) (uint32, error) {
	raw, ok := strings.CutPrefix(v, valuePrefix)
	if !ok {
		return 0, fmt.Errorf("invalid interface value %q", v)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid interface value %q: %w", v, err)
	}
	return uint32(id), nil
}

// WriteInterfaces prints the interface catalog in extcap format.
// agentHost labels each entry so captures from several dataplanes can be
// told apart in the picker.
func WriteInterfaces(w io.Writer, interfaces []control.InterfaceInfo, agentHost string) {
	fmt.Fprintf(w, "extcap {version=%s}{help=%s}\n", Version, helpURL)

	if len(interfaces) == 0 {
		fmt.Fprintf(w, "interface {value=%sall}{display=%s All Interfaces}\n", valuePrefix, productName)
		return
	}

	label := shortHost(agentHost)
	for _, iface := range interfaces {
		fmt.Fprintf(w, "interface {value=%s}{display=%s[%s]: %s}\n",
			InterfaceValue(iface.ID), productName, label, iface.Name)
	}
}

// WriteDLTs prints the link types available for an interface. The
// dataplane only ever produces Ethernet.
func WriteDLTs(w io.Writer) {
	fmt.Fprintln(w, "dlt {number=1}{name=EN10MB}{display=Ethernet}")
}

// WriteConfig prints the configurable options for an interface.
func WriteConfig(w io.Writer) {
	fmt.Fprintln(w, "arg {number=0}{call=--debug}{display=Debug mode}{type=boolflag}{default=false}")
}

// shortHost compresses a dotted IPv4 host to its last two octets so the
// picker label stays readable.
func shortHost(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	return "." + strings.Join(parts[len(parts)-2:], ".")
}
