package radius

import (
	"net/netip"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/state"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// Acct-Terminate-Cause values (RFC 2866 section 5.10).
const (
	TerminateCauseUserRequest    = 1
	TerminateCauseLostCarrier    = 2
	TerminateCauseLostService    = 3
	TerminateCauseIdleTimeout    = 4
	TerminateCauseSessionTimeout = 5
	TerminateCauseAdminReset     = 6
	TerminateCauseAdminReboot    = 7
	TerminateCauseNASRequest     = 10
	TerminateCauseNASReboot      = 11
)

var terminateCauseNames = map[uint32]string{
	TerminateCauseUserRequest:    "user-request",
	TerminateCauseLostCarrier:    "lost-carrier",
	TerminateCauseLostService:    "lost-service",
	TerminateCauseIdleTimeout:    "idle-timeout",
	TerminateCauseSessionTimeout: "session-timeout",
	TerminateCauseAdminReset:     "admin-reset",
	TerminateCauseAdminReboot:    "admin-reboot",
	TerminateCauseNASRequest:     "nas-request",
	TerminateCauseNASReboot:      "nas-reboot",
}

// terminateCauseName names an Acct-Terminate-Cause. Zero means the
// attribute was absent.
func terminateCauseName(cause uint32) string {
	if cause == 0 {
		return ""
	}
	if name, ok := terminateCauseNames[cause]; ok {
		return name
	}
	return "other"
}

// decodeAccounting turns an Accounting-Request into an accountant request.
// Octet counters are folded with their gigaword attributes.
func decodeAccounting(p *radius.Packet) *accounting.Request {
	req := &accounting.Request{
		Status:    accounting.StatusType(rfc2866.AcctStatusType_Get(p)),
		SessionID: rfc2866.AcctSessionID_GetString(p),
		Username:  rfc2865.UserName_GetString(p),
		Hints:     hintsFromPacket(p),
		Counters: state.Counters{
			InputOctets: accounting.FoldGigawords(
				uint32(rfc2866.AcctInputOctets_Get(p)),
				uint32(rfc2869.AcctInputGigawords_Get(p)),
			),
			OutputOctets: accounting.FoldGigawords(
				uint32(rfc2866.AcctOutputOctets_Get(p)),
				uint32(rfc2869.AcctOutputGigawords_Get(p)),
			),
			InputPackets:  uint64(rfc2866.AcctInputPackets_Get(p)),
			OutputPackets: uint64(rfc2866.AcctOutputPackets_Get(p)),
		},
		TerminateCause: terminateCauseName(uint32(rfc2866.AcctTerminateCause_Get(p))),
	}

	if ip := rfc2865.FramedIPAddress_Get(p); ip != nil {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			req.FramedIP = addr.Unmap()
		}
	}
	if st, err := rfc2866.AcctSessionTime_Lookup(p); err == nil {
		req.SessionTime = uint32(st)
		req.HasSessionTime = true
	}
	return req
}
