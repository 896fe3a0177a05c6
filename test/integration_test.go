package test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/rentora/propaccess/internal/auditor"
	"github.com/rentora/propaccess/internal/authz"
	"github.com/rentora/propaccess/internal/domain"
)

type checkResponse struct {
	Decision authz.Decision `json:"decision"`
}

func postJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestHealthEndpointsArePublic(t *testing.T) {
	h := NewTestServer(t)

	resp, err := http.Get(h.URL() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusOK)

	// readyz answers without a token too, but reports missing deps
	resp, err = http.Get(h.URL() + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusServiceUnavailable)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	h := NewTestServer(t)

	resp := postJSON(t, h.URL()+"/v1/access/check", "", map[string]string{"property_id": uuid.New().String()})
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusUnauthorized)

	resp = postJSON(t, h.URL()+"/v1/access/check", "not-a-jwt", map[string]string{"property_id": uuid.New().String()})
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusUnauthorized)
}

func TestNonJSONBodyRejected(t *testing.T) {
	h := NewTestServer(t)
	token := h.BearerToken(t)

	req, _ := http.NewRequest(http.MethodPost, h.URL()+"/v1/access/check", bytes.NewBufferString("user=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusUnsupportedMediaType)
}

func TestCheckDecisionThroughFullStack(t *testing.T) {
	h := NewTestServer(t)
	token := h.BearerToken(t)

	owner := uuid.New()
	manager := uuid.New()
	prop := h.SeedProperty(t, owner)
	h.SeedMembership(t, prop.ID, manager, domain.RolePropertyManager)

	cases := []struct {
		name       string
		userID     uuid.UUID
		capability string
		allowed    bool
		reason     authz.DenyReason
	}{
		{"owner manages users", owner, "manage_users", true, ""},
		{"manager edits property", manager, "edit_property", true, ""},
		{"manager cannot manage users", manager, "manage_users", false, authz.DenyInsufficientRole},
		{"stranger has no membership", uuid.New(), "view", false, authz.DenyNoMembership},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, h.URL()+"/v1/access/check", token, map[string]string{
				"user_id":     tc.userID.String(),
				"property_id": prop.ID.String(),
				"capability":  tc.capability,
			})
			defer resp.Body.Close()
			AssertStatusCode(t, resp, http.StatusOK)

			var body checkResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Decision.Allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %+v", tc.allowed, body.Decision)
			}
			if !tc.allowed && body.Decision.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, body.Decision.Reason)
			}
		})
	}
}

func TestAuditScanReportsDivergenceThroughHTTP(t *testing.T) {
	h := NewTestServer(t)
	token := h.BearerToken(t)

	// Legacy column says A, membership table says B: the scan must
	// report exactly one divergence for the property.
	legacyOwner := uuid.New()
	actualOwner := uuid.New()
	prop := &domain.Property{
		Name:          "Birch Yard",
		Address:       "7 Birch Yard",
		LegacyOwnerID: &legacyOwner,
		IsActive:      true,
	}
	if err := h.Properties.Create(context.Background(), prop); err != nil {
		t.Fatalf("seed property: %v", err)
	}
	h.SeedMembership(t, prop.ID, actualOwner, domain.RoleOwner)

	resp := postJSON(t, h.URL()+"/v1/audit/run", token, nil)
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusOK)

	var report auditor.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.PropertiesScanned != 1 {
		t.Fatalf("expected 1 property scanned, got %d", report.PropertiesScanned)
	}

	divergences := 0
	for _, f := range report.Findings {
		if f.PropertyID == prop.ID && f.Type == domain.FindingOwnerDivergence {
			divergences++
		}
	}
	if divergences != 1 {
		t.Fatalf("expected exactly one divergence finding, got %d (findings: %+v)", divergences, report.Findings)
	}

	// The membership table wins: B is allowed, A is not.
	for user, want := range map[uuid.UUID]bool{actualOwner: true, legacyOwner: false} {
		resp := postJSON(t, h.URL()+"/v1/access/check", token, map[string]string{
			"user_id":     user.String(),
			"property_id": prop.ID.String(),
			"capability":  "edit_property",
		})
		var body checkResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		resp.Body.Close()
		if body.Decision.Allowed != want {
			t.Fatalf("user %s: expected allowed=%v, got %+v", user, want, body.Decision)
		}
	}

	// The last report is served back on GET.
	req, _ := http.NewRequest(http.MethodGet, h.URL()+"/v1/audit/report", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	getResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("report request failed: %v", err)
	}
	defer getResp.Body.Close()
	AssertStatusCode(t, getResp, http.StatusOK)
}
