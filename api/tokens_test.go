package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custos/core"
	"custos/storage"
)

func (e *testEnv) issueToken(t *testing.T, name, role string) string {
	t.Helper()
	cookies, headers := e.authedRequest(t, "admin", storage.RoleAdmin)
	rr := e.doJSON(t, "POST", "/api/tokens",
		issueTokenRequest{Name: name, Role: role}, cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)
	resp := decodeBody[issueTokenResponse](t, rr)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestIssueServiceToken(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/tokens",
		issueTokenRequest{Name: "ci-evidence-bot", Role: storage.RoleMember}, cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)

	resp := decodeBody[issueTokenResponse](t, rr)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	claims, err := validateServiceToken(resp.Token, testJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, "ci-evidence-bot", claims.Subject)
	assert.Equal(t, storage.RoleMember, claims.Role)
}

func TestIssueServiceToken_AdminRoleRefused(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/tokens",
		issueTokenRequest{Name: "rogue", Role: storage.RoleAdmin}, cookies, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIssueServiceToken_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "carol", storage.RoleAuditor)

	rr := env.doJSON(t, "POST", "/api/tokens",
		issueTokenRequest{Name: "bot", Role: storage.RoleMember}, cookies, headers)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestServiceToken_AuthenticatesWithoutCSRF(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	ctl := env.seedControl(t, fw.ID, "CC6.1")
	token := env.issueToken(t, "ci-evidence-bot", storage.RoleMember)

	// Bearer requests carry no cookies, so there is no CSRF pair; the
	// submission must still go through.
	rr := env.doJSON(t, "POST", "/api/controls/"+ctl.ID+"/evidence", core.Evidence{
		Title:   "Pipeline scan report",
		FileRef: "s3://evidence/scan.json",
	}, nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusCreated, rr.Code)

	ev := decodeBody[core.Evidence](t, rr)
	assert.Equal(t, "ci-evidence-bot", ev.SubmittedBy)
	assert.Equal(t, core.EvidencePending, ev.Status)
}

func TestServiceToken_RoleStillEnforced(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	token := env.issueToken(t, "ci-evidence-bot", storage.RoleMember)

	rr := env.doJSON(t, "DELETE", "/api/frameworks/"+fw.ID, nil, nil,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestServiceToken_Forged(t *testing.T) {
	env := newTestEnv(t)

	forged, _, err := generateServiceToken("intruder", storage.RoleAuditor,
		"some-other-secret-0123456789abcdef01234567", time.Hour)
	require.NoError(t, err)

	rr := env.doJSON(t, "GET", "/api/frameworks", nil, nil,
		map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServiceToken_Expired(t *testing.T) {
	env := newTestEnv(t)

	token, _, err := generateServiceToken("ci-evidence-bot", storage.RoleMember,
		testJWTSecret, -time.Minute)
	require.NoError(t, err)

	rr := env.doJSON(t, "GET", "/api/frameworks", nil, nil,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestValidateServiceToken_RejectsBadRole(t *testing.T) {
	token, _, err := generateServiceToken("bot", "superuser", testJWTSecret, time.Hour)
	require.NoError(t, err)

	_, err = validateServiceToken(token, testJWTSecret)
	assert.Error(t, err)
}

func TestBearerToken_HeaderParsing(t *testing.T) {
	mk := func(v string) *http.Request {
		r, _ := http.NewRequestWithContext(context.Background(), "GET", "/", nil)
		if v != "" {
			r.Header.Set("Authorization", v)
		}
		return r
	}

	assert.Equal(t, "abc", bearerToken(mk("Bearer abc")))
	assert.Equal(t, "abc", bearerToken(mk("bearer abc")))
	assert.Equal(t, "", bearerToken(mk("Basic abc")))
	assert.Equal(t, "", bearerToken(mk("")))
}
