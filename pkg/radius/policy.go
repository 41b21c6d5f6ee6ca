package radius

import (
	"encoding/hex"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/codelaboratoryltd/aaa/pkg/identity"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"
)

// Reply-Message sent when the core cannot answer in time.
const ReplyServiceUnavailable = "serviceUnavailable"

// RatesFromProfile converts a profile's Mbit/s speeds to bit/s rates.
func RatesFromProfile(p *state.ServiceProfile) Rates {
	in, burstIn, out, burstOut := p.Rates()
	return Rates{In: in, BurstIn: burstIn, Out: out, BurstOut: burstOut}
}

// inetAccept builds an Access-Accept activating the inet service.
func inetAccept(r *radius.Request, rates Rates, interim uint32, pool string) (*radius.Packet, error) {
	p := r.Response(radius.CodeAccessAccept)
	if err := serviceReply(p, InetService(rates), interim); err != nil {
		return nil, err
	}
	if pool != "" {
		if err := setString(p, AttrFramedPool, pool); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// guestAccept builds an Access-Accept activating the captive guest
// service in the guest pool.
func guestAccept(r *radius.Request, interim uint32, pool string) (*radius.Packet, error) {
	p := r.Response(radius.CodeAccessAccept)
	if err := serviceReply(p, ServiceGuest, interim); err != nil {
		return nil, err
	}
	if err := setString(p, AttrFramedPool, pool); err != nil {
		return nil, err
	}
	return p, nil
}

func serviceReply(p *radius.Packet, service string, interim uint32) error {
	if err := rfc2869.AcctInterimInterval_Set(p, rfc2869.AcctInterimInterval(interim)); err != nil {
		return err
	}
	if err := addTaggedString(p, ERXServiceActivate, service); err != nil {
		return err
	}
	return addTaggedInteger(p, ERXServiceStatistics, StatisticsTimeAndVolume)
}

// maxAttributeLen is the longest value one RADIUS attribute can carry.
const maxAttributeLen = 253

func (s *Server) reject(r *radius.Request, message string) *radius.Packet {
	p := r.Response(radius.CodeAccessReject)
	if message == "" {
		return p
	}
	if len(message) > maxAttributeLen {
		n := maxAttributeLen
		for n > 0 && !utf8.RuneStart(message[n]) {
			n--
		}
		message = message[:n]
	}
	if err := rfc2865.ReplyMessage_SetString(p, message); err != nil {
		s.logger.Warn("Failed to set Reply-Message", zap.String("message", message), zap.Error(err))
	}
	return p
}

// hintsFromPacket extracts identity hints from an Access- or
// Accounting-Request.
func hintsFromPacket(p *radius.Packet) identity.Hints {
	h := identity.Hints{
		Username:       rfc2865.UserName_GetString(p),
		AgentRemoteID:  vendorAttribute(p, VendorADSLForum, ADSLAgentRemoteID),
		AgentCircuitID: vendorAttribute(p, VendorADSLForum, ADSLAgentCircuitID),
	}
	if mac, ok := parseMAC(rfc2865.CallingStationID_GetString(p)); ok {
		h.ClientMAC = mac
	}
	return h
}

// parseMAC accepts the usual separators and the bare 12-digit form.
func parseMAC(s string) (net.HardwareAddr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
		return mac, true
	}
	if len(s) == 12 {
		if b, err := hex.DecodeString(s); err == nil {
			return net.HardwareAddr(b), true
		}
	}
	return nil, false
}

// parseNASPortVLANs extracts "<svlan>-<cvlan>" (or a lone S-VLAN) from the
// tail of NAS-Port-Id, e.g. "ge-1/0/1.1073741824:101-1001".
func parseNASPortVLANs(nasPortID string) (svlan, cvlan uint16, ok bool) {
	i := strings.LastIndexByte(nasPortID, ':')
	if i < 0 {
		return 0, 0, false
	}
	tail := nasPortID[i+1:]

	s, c, hasC := strings.Cut(tail, "-")
	sv, err := strconv.ParseUint(s, 10, 12)
	if err != nil || sv == 0 {
		return 0, 0, false
	}
	if !hasC {
		return uint16(sv), 0, true
	}
	cv, err := strconv.ParseUint(c, 10, 12)
	if err != nil {
		return 0, 0, false
	}
	return uint16(sv), uint16(cv), true
}

func nasPortID(p *radius.Packet) string {
	attr, ok := p.Lookup(AttrNASPortID)
	if !ok {
		return ""
	}
	return radius.String(attr)
}
