package dhcphook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fakeDisconnect struct {
	usernames []string
	err       error
}

func (f *fakeDisconnect) Disconnect(_ context.Context, username string) error {
	f.usernames = append(f.usernames, username)
	return f.err
}

func newHTTPFixture(t *testing.T, secret string) (*hookFixture, *Server, *fakeDisconnect) {
	t.Helper()
	f := newHookFixture(t)
	bras := &fakeDisconnect{}
	srv := NewServer(HTTPConfig{RequestTimeout: time.Second, JWTSecret: secret}, f.service, f.policy, f.leases, bras, zap.NewNop())
	return f, srv, bras
}

func do(t *testing.T, srv *Server, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHookAlwaysAnswers200(t *testing.T) {
	f, srv, _ := newHTTPFixture(t, "")

	f.coa.EXPECT().PushInet(gomock.Any(), "alice", gomock.Any()).Return(nil)
	code, body := do(t, srv, http.MethodPost, "/dhcp/commit",
		`{"client_ip":"10.0.0.8","client_mac":"00:11:22:33:44:55","switch_mac":"aa:bb:cc:00:00:01","switch_port":3}`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "message")
	assert.Nil(t, body["message"])

	code, body = do(t, srv, http.MethodPost, "/dhcp/expiry", `{"client_ip":"10.9.9.9"}`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "no active lease for 10.9.9.9", body["message"])

	code, body = do(t, srv, http.MethodPost, "/dhcp/release", `not json`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["message"], "invalid body")
}

func TestAdminAPI(t *testing.T) {
	f, srv, bras := newHTTPFixture(t, "")
	id := f.alice.ID
	base := "/api/v1/subscribers/" + strconv.FormatInt(id, 10)

	code, body := do(t, srv, http.MethodGet, base+"/verdict", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "INET", body["mode"])

	code, body = do(t, srv, http.MethodPost, base+"/credit", `{"amount":"12.50","comment":"cash"}`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "62.5", body["balance"])

	code, _ = do(t, srv, http.MethodPost, base+"/credit", `{"amount":"0"}`, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodGet, base+"/lease", "", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPost, base+"/pick", `{"profile_id":999}`, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodGet, "/api/v1/subscribers/abc/verdict", "", "")
	assert.Equal(t, http.StatusBadRequest, code)

	f.attach(t, "10.0.0.7")
	bras.err = &radius.CoAError{Op: "disconnect", Username: "alice-bras", Kind: radius.KindSessionNotFound}
	code, body = do(t, srv, http.MethodPost, base+"/disconnect", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SESSION_NOT_FOUND", body["result"])
	assert.Equal(t, []string{"alice-bras"}, bras.usernames)

	code, body = do(t, srv, http.MethodPost, base+"/stop-service", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "STOPPED", body["state"])
}

func TestBearerAuthOnAdminRoutes(t *testing.T) {
	_, srv, _ := newHTTPFixture(t, "api-secret")
	const path = "/api/v1/subscribers/1/verdict"

	code, _ := do(t, srv, http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	forged, err := IssueToken("other-secret", "crm", time.Hour)
	require.NoError(t, err)
	code, _ = do(t, srv, http.MethodGet, path, "", forged)
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := IssueToken("api-secret", "crm", -time.Minute)
	require.NoError(t, err)
	code, _ = do(t, srv, http.MethodGet, path, "", expired)
	assert.Equal(t, http.StatusUnauthorized, code)

	token, err := IssueToken("api-secret", "crm", time.Hour)
	require.NoError(t, err)
	code, _ = do(t, srv, http.MethodGet, path, "", token)
	assert.NotEqual(t, http.StatusUnauthorized, code)
}

func TestHookRefusesBadTokenWith200(t *testing.T) {
	f, srv, _ := newHTTPFixture(t, "api-secret")
	f.attach(t, "10.0.0.7")

	code, body := do(t, srv, http.MethodPost, "/dhcp/expiry", `{"client_ip":"10.0.0.7"}`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unauthorized: missing bearer token", body["message"])

	forged, err := IssueToken("other-secret", "dhcpd", time.Hour)
	require.NoError(t, err)
	code, body = do(t, srv, http.MethodPost, "/dhcp/expiry", `{"client_ip":"10.0.0.7"}`, forged)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unauthorized: invalid or expired token", body["message"])

	_, err = f.leases.LookupByIP(context.Background(), netip.MustParseAddr("10.0.0.7"))
	require.NoError(t, err, "refused hook must not touch the lease")

	f.coa.EXPECT().PushGuest(gomock.Any(), "alice-bras").Return(nil)
	token, err := IssueToken("api-secret", "dhcpd", time.Hour)
	require.NoError(t, err)
	code, _ = do(t, srv, http.MethodPost, "/dhcp/expiry", `{"client_ip":"10.0.0.7"}`, token)
	assert.Equal(t, http.StatusOK, code)
	_, err = f.leases.LookupByIP(context.Background(), netip.MustParseAddr("10.0.0.7"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
}
