package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custos/core"
	"custos/storage"
)

func (e *testEnv) seedFramework(t *testing.T, name string) *core.Framework {
	t.Helper()
	fw := &core.Framework{Name: name, Version: "2024", Description: "seeded"}
	require.NoError(t, e.store.CreateFramework(context.Background(), fw))
	return fw
}

func (e *testEnv) seedControl(t *testing.T, frameworkID, code string) *core.Control {
	t.Helper()
	c := &core.Control{
		FrameworkID: frameworkID,
		Code:        code,
		Title:       "Access review",
		Severity:    core.SeverityHigh,
		Status:      core.ControlNotStarted,
	}
	require.NoError(t, e.store.CreateControl(context.Background(), c))
	return c
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, "GET", "/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFrameworkLifecycle(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/frameworks",
		core.Framework{Name: "SOC 2", Version: "2017", Description: "Trust services criteria"},
		cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeBody[core.Framework](t, rr)
	require.NotEmpty(t, created.ID)

	rr = env.doJSON(t, "GET", "/api/frameworks/"+created.ID, nil, cookies, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[core.Framework](t, rr)
	assert.Equal(t, "SOC 2", got.Name)

	rr = env.doJSON(t, "GET", "/api/frameworks", nil, cookies, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[[]core.Framework](t, rr)
	assert.Len(t, list, 1)

	rr = env.doJSON(t, "PUT", "/api/frameworks/"+created.ID,
		core.Framework{Name: "SOC 2", Version: "2017 rev 2"}, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	updated := decodeBody[core.Framework](t, rr)
	assert.Equal(t, "2017 rev 2", updated.Version)

	rr = env.doJSON(t, "DELETE", "/api/frameworks/"+created.ID, nil, cookies, headers)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.doJSON(t, "GET", "/api/frameworks/"+created.ID, nil, cookies, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateFramework_Validation(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/frameworks",
		core.Framework{Version: "1.0"}, cookies, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateFramework_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.seedFramework(t, "ISO 27001")
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/frameworks",
		core.Framework{Name: "ISO 27001", Version: "2024"}, cookies, headers)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetFramework_BadID(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.startSession(t, "alice", storage.RoleMember)

	rr := env.doJSON(t, "GET", "/api/frameworks/not-a-uuid", nil,
		[]*http.Cookie{cookie}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFrameworkMutations_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "PCI DSS")

	for _, role := range []string{storage.RoleMember, storage.RoleAuditor} {
		t.Run(role, func(t *testing.T) {
			cookies, headers := env.authedRequest(t, "user-"+role, role)

			rr := env.doJSON(t, "POST", "/api/frameworks",
				core.Framework{Name: "HIPAA", Version: "1"}, cookies, headers)
			assert.Equal(t, http.StatusForbidden, rr.Code)

			rr = env.doJSON(t, "DELETE", "/api/frameworks/"+fw.ID, nil, cookies, headers)
			assert.Equal(t, http.StatusForbidden, rr.Code)
		})
	}
}

func TestControlLifecycle(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/controls", core.Control{
		FrameworkID: fw.ID,
		Code:        "CC6.1",
		Title:       "Logical access controls",
		Severity:    core.SeverityCritical,
	}, cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeBody[core.Control](t, rr)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, core.ControlNotStarted, created.Status)

	// Moving the status fires the update path.
	created.Status = core.ControlInProgress
	created.Owner = "alice"
	rr = env.doJSON(t, "PUT", "/api/controls/"+created.ID, created, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	updated := decodeBody[core.Control](t, rr)
	assert.Equal(t, core.ControlInProgress, updated.Status)
	assert.Equal(t, fw.ID, updated.FrameworkID)

	rr = env.doJSON(t, "DELETE", "/api/controls/"+created.ID, nil, cookies, headers)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.doJSON(t, "GET", "/api/controls/"+created.ID, nil, cookies, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateControl_FrameworkPinned(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	other := env.seedFramework(t, "ISO 27001")
	ctl := env.seedControl(t, fw.ID, "CC1.1")
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	// The body cannot move a control to another framework.
	body := *ctl
	body.FrameworkID = other.ID
	rr := env.doJSON(t, "PUT", "/api/controls/"+ctl.ID, body, cookies, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	updated := decodeBody[core.Control](t, rr)
	assert.Equal(t, fw.ID, updated.FrameworkID)
}

func TestListControls_Filtered(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	other := env.seedFramework(t, "ISO 27001")

	for i := 0; i < 3; i++ {
		env.seedControl(t, fw.ID, fmt.Sprintf("CC%d.1", i+1))
	}
	foreign := env.seedControl(t, other.ID, "A.5.1")
	foreign.Status = core.ControlImplemented
	require.NoError(t, env.store.UpdateControl(context.Background(), foreign))

	cookie := env.startSession(t, "alice", storage.RoleMember)

	rr := env.doJSON(t, "GET", "/api/controls?framework_id="+fw.ID, nil,
		[]*http.Cookie{cookie}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]core.Control](t, rr), 3)

	rr = env.doJSON(t, "GET", "/api/controls?status=implemented", nil,
		[]*http.Cookie{cookie}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	implemented := decodeBody[[]core.Control](t, rr)
	require.Len(t, implemented, 1)
	assert.Equal(t, "A.5.1", implemented[0].Code)
}

func TestCreateControl_UnknownFramework(t *testing.T) {
	env := newTestEnv(t)
	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)

	rr := env.doJSON(t, "POST", "/api/controls", core.Control{
		FrameworkID: "25532011-9264-4e40-a55a-4be1c9ca4b67",
		Code:        "X.1",
		Title:       "Orphan",
		Severity:    core.SeverityLow,
	}, cookies, headers)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEvidenceFlow(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	ctl := env.seedControl(t, fw.ID, "CC6.1")

	memberCookies, memberHeaders := env.authedRequest(t, "bob", storage.RoleMember)

	rr := env.doJSON(t, "POST", "/api/controls/"+ctl.ID+"/evidence", core.Evidence{
		Title:       "Quarterly access review export",
		Description: "CSV export from the IdP",
		FileRef:     "s3://evidence/q3-access-review.csv",
		// The handler must ignore these and stamp its own values.
		Status:      core.EvidenceAccepted,
		SubmittedBy: "mallory",
		ReviewedBy:  "mallory",
	}, memberCookies, memberHeaders)
	require.Equal(t, http.StatusCreated, rr.Code)
	ev := decodeBody[core.Evidence](t, rr)
	assert.Equal(t, core.EvidencePending, ev.Status)
	assert.Equal(t, "bob", ev.SubmittedBy)
	assert.Empty(t, ev.ReviewedBy)

	rr = env.doJSON(t, "GET", "/api/controls/"+ctl.ID+"/evidence", nil, memberCookies, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]core.Evidence](t, rr), 1)

	// Members cannot review.
	rr = env.doJSON(t, "POST", "/api/evidence/"+ev.ID+"/review",
		reviewEvidenceRequest{Status: core.EvidenceAccepted}, memberCookies, memberHeaders)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Auditors can.
	auditorCookies, auditorHeaders := env.authedRequest(t, "carol", storage.RoleAuditor)
	rr = env.doJSON(t, "POST", "/api/evidence/"+ev.ID+"/review",
		reviewEvidenceRequest{Status: core.EvidenceAccepted}, auditorCookies, auditorHeaders)
	require.Equal(t, http.StatusOK, rr.Code)
	reviewed := decodeBody[core.Evidence](t, rr)
	assert.Equal(t, core.EvidenceAccepted, reviewed.Status)
	assert.Equal(t, "carol", reviewed.ReviewedBy)
	require.NotNil(t, reviewed.ReviewedAt)

	// A second review conflicts.
	rr = env.doJSON(t, "POST", "/api/evidence/"+ev.ID+"/review",
		reviewEvidenceRequest{Status: core.EvidenceRejected}, auditorCookies, auditorHeaders)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestReviewEvidence_BadStatus(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	ctl := env.seedControl(t, fw.ID, "CC6.1")
	ev := &core.Evidence{ControlID: ctl.ID, Title: "Export", SubmittedBy: "bob"}
	require.NoError(t, env.store.CreateEvidence(context.Background(), ev))

	cookies, headers := env.authedRequest(t, "carol", storage.RoleAuditor)
	rr := env.doJSON(t, "POST", "/api/evidence/"+ev.ID+"/review",
		map[string]string{"status": "maybe"}, cookies, headers)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteEvidence_AdminOnly(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")
	ctl := env.seedControl(t, fw.ID, "CC6.1")
	ev := &core.Evidence{ControlID: ctl.ID, Title: "Export", SubmittedBy: "bob"}
	require.NoError(t, env.store.CreateEvidence(context.Background(), ev))

	cookies, headers := env.authedRequest(t, "carol", storage.RoleAuditor)
	rr := env.doJSON(t, "DELETE", "/api/evidence/"+ev.ID, nil, cookies, headers)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	adminCookies, adminHeaders := env.authedRequest(t, "admin", storage.RoleAdmin)
	rr = env.doJSON(t, "DELETE", "/api/evidence/"+ev.ID, nil, adminCookies, adminHeaders)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestDashboardStats(t *testing.T) {
	env := newTestEnv(t)
	fw := env.seedFramework(t, "SOC 2")

	done := env.seedControl(t, fw.ID, "CC1.1")
	done.Status = core.ControlImplemented
	require.NoError(t, env.store.UpdateControl(context.Background(), done))
	env.seedControl(t, fw.ID, "CC2.1")

	na := env.seedControl(t, fw.ID, "CC3.1")
	na.Status = core.ControlNotApplicable
	require.NoError(t, env.store.UpdateControl(context.Background(), na))

	require.NoError(t, env.store.CreateEvidence(context.Background(), &core.Evidence{
		ControlID: done.ID, Title: "Export", SubmittedBy: "bob",
	}))

	cookie := env.startSession(t, "alice", storage.RoleMember)
	rr := env.doJSON(t, "GET", "/api/dashboard", nil, []*http.Cookie{cookie}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	stats := decodeBody[core.DashboardStats](t, rr)
	assert.EqualValues(t, 1, stats.Frameworks)
	assert.EqualValues(t, 3, stats.Controls)
	assert.EqualValues(t, 1, stats.ControlsByStatus[core.ControlImplemented])
	assert.EqualValues(t, 1, stats.PendingEvidence)
	// Not-applicable controls are excluded from the completion base.
	assert.InDelta(t, 50.0, stats.CompletionPercent, 0.01)
}

func TestProtectedRoutes_RequireSession(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, "GET", "/api/frameworks", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.doJSON(t, "GET", "/api/dashboard", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
