package radius

import (
	"net"
	"net/netip"
	"testing"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

func TestDecodeAccountingStop(t *testing.T) {
	p := radius.New(radius.CodeAccountingRequest, []byte("secret"))
	require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Stop))
	require.NoError(t, rfc2866.AcctSessionID_SetString(p, "S1"))
	require.NoError(t, rfc2865.UserName_SetString(p, "alice"))
	require.NoError(t, rfc2865.FramedIPAddress_Set(p, net.ParseIP("10.0.0.7")))
	require.NoError(t, rfc2866.AcctInputOctets_Set(p, 10))
	require.NoError(t, rfc2869.AcctInputGigawords_Set(p, 1))
	require.NoError(t, rfc2866.AcctOutputOctets_Set(p, 20))
	require.NoError(t, rfc2866.AcctSessionTime_Set(p, 60))
	require.NoError(t, rfc2866.AcctTerminateCause_Set(p, TerminateCauseIdleTimeout))

	req := decodeAccounting(p)
	assert.Equal(t, accounting.StatusStop, req.Status)
	assert.Equal(t, "S1", req.SessionID)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), req.FramedIP)
	assert.Equal(t, uint64(1)<<32|10, req.Counters.InputOctets)
	assert.Equal(t, uint64(20), req.Counters.OutputOctets)
	assert.True(t, req.HasSessionTime)
	assert.Equal(t, uint32(60), req.SessionTime)
	assert.Equal(t, "idle-timeout", req.TerminateCause)
}

func TestTerminateCauseName(t *testing.T) {
	tests := []struct {
		cause uint32
		want  string
	}{
		{0, ""},
		{TerminateCauseUserRequest, "user-request"},
		{TerminateCauseAdminReset, "admin-reset"},
		{TerminateCauseNASReboot, "nas-reboot"},
		{18, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, terminateCauseName(tt.cause), "cause %d", tt.cause)
	}
}
