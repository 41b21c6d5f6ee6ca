package identity

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Circuit is a decoded Opt-82 pair: the access switch MAC and the port.
type Circuit struct {
	DeviceMAC net.HardwareAddr
	Port      int
	HasPort   bool
}

// ParseRelayAgentInfo splits a raw Relay Agent Information payload
// (option 82 value) into its remote-id and circuit-id sub-options.
func ParseRelayAgentInfo(raw []byte) (remoteID, circuitID []byte, err error) {
	opts := make(dhcpv4.Options)
	if err := opts.FromBytes(raw); err != nil {
		return nil, nil, fmt.Errorf("invalid relay agent info: %w", err)
	}
	ro := dhcpv4.RelayOptions{Options: opts}
	return ro.Get(dhcpv4.AgentRemoteIDSubOption), ro.Get(dhcpv4.AgentCircuitIDSubOption), nil
}

// ParseCircuit decodes remote-id and circuit-id as sent by the access
// switches in the field. The remote-id carries the switch MAC either raw,
// with a 2-byte type/length prefix, or as text. The circuit-id is either
// text "<mac>:<port>" or a binary circuit whose last byte is the port.
func ParseCircuit(remoteID, circuitID []byte) (Circuit, bool) {
	var c Circuit
	c.DeviceMAC = parseRemoteID(remoteID)

	if len(circuitID) > 0 {
		if isPrintable(circuitID) {
			mac, port, ok := parseTextCircuit(string(circuitID))
			if c.DeviceMAC == nil {
				c.DeviceMAC = mac
			}
			c.Port, c.HasPort = port, ok
		} else {
			c.Port, c.HasPort = int(circuitID[len(circuitID)-1]), true
		}
	}

	return c, c.DeviceMAC != nil
}

func parseRemoteID(b []byte) net.HardwareAddr {
	switch {
	case len(b) == 6:
		return net.HardwareAddr(bytes.Clone(b))
	case len(b) == 8 && b[0] == 0 && b[1] == 6:
		return net.HardwareAddr(bytes.Clone(b[2:]))
	case len(b) > 0 && isPrintable(b):
		if mac, err := net.ParseMAC(strings.TrimSpace(string(b))); err == nil {
			return mac
		}
	}
	return nil
}

func parseTextCircuit(s string) (net.HardwareAddr, int, bool) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndexAny(s, ":/-")
	if idx < 0 {
		port, err := strconv.Atoi(s)
		return nil, port, err == nil
	}

	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		mac, _ := net.ParseMAC(s)
		return mac, 0, false
	}
	mac, _ := net.ParseMAC(s[:idx])
	return mac, port, true
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
