package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"gorm.io/gorm"
)

func newPolicyReadHarness(t *testing.T) (PolicyService, *fakeVersionRepo, *captureCache) {
	t.Helper()
	versions := newFakeVersionRepo()
	cache := newCaptureCache()
	return NewPolicyService(&gorm.DB{}, newTestLogger(t), versions, cache), versions, cache
}

func TestGetLatestFillsAndServesCache(t *testing.T) {
	svc, versions, cache := newPolicyReadHarness(t)
	ctx := context.Background()
	versions.seed("policy.kyc", "1.0.0", `{"rule":"verify identity"}`, PolicyStatusActive)

	row, err := svc.GetLatest(ctx, "policy.kyc")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if row == nil || row.Version != "1.0.0" {
		t.Fatalf("latest: %+v", row)
	}
	if _, ok := cache.entries["policy.kyc"]; !ok {
		t.Fatalf("read did not fill the cache")
	}

	// A newer store row is invisible until the cache is invalidated.
	versions.seed("policy.kyc", "1.0.1", `{"rule":"verify identity and address"}`, PolicyStatusActive)
	row, err = svc.GetLatest(ctx, "policy.kyc")
	if err != nil || row.Version != "1.0.0" {
		t.Fatalf("cached latest: version=%s err=%v", row.Version, err)
	}
	if err := cache.Invalidate(ctx, []string{"policy.kyc"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	row, err = svc.GetLatest(ctx, "policy.kyc")
	if err != nil || row.Version != "1.0.1" {
		t.Fatalf("latest after invalidate: version=%s err=%v", row.Version, err)
	}

	if _, err := svc.GetLatest(ctx, "  "); err == nil || !strings.Contains(err.Error(), "missing policy_id") {
		t.Fatalf("blank policy id: err=%v", err)
	}
}

func TestGetVersionAndHistory(t *testing.T) {
	svc, versions, _ := newPolicyReadHarness(t)
	ctx := context.Background()
	versions.seed("policy.aml", "1.0.0", `{"threshold":10000}`, PolicyStatusActive)
	versions.seed("policy.aml", "1.0.1", `{"threshold":9000}`, PolicyStatusActive)

	row, err := svc.GetVersion(ctx, "policy.aml", "1.0.0")
	if err != nil || row == nil || row.Version != "1.0.0" {
		t.Fatalf("get version: row=%+v err=%v", row, err)
	}
	if row, err := svc.GetVersion(ctx, "policy.aml", "9.9.9"); err != nil || row != nil {
		t.Fatalf("unknown version: row=%+v err=%v", row, err)
	}
	if _, err := svc.GetVersion(ctx, "policy.aml", ""); err == nil ||
		!strings.Contains(err.Error(), "missing policy_id or version") {
		t.Fatalf("blank version: err=%v", err)
	}

	history, err := svc.History(ctx, "policy.aml", 0)
	if err != nil || len(history) != 2 {
		t.Fatalf("history: n=%d err=%v", len(history), err)
	}
	if history[0].Version != "1.0.1" {
		t.Fatalf("history order: first=%s", history[0].Version)
	}
	if capped, err := svc.History(ctx, "policy.aml", 1); err != nil || len(capped) != 1 {
		t.Fatalf("capped history: n=%d err=%v", len(capped), err)
	}
}

func TestListPoliciesReturnsLatestPerPolicy(t *testing.T) {
	svc, versions, _ := newPolicyReadHarness(t)
	ctx := context.Background()

	empty, err := svc.ListPolicies(ctx)
	if err != nil || empty != nil {
		t.Fatalf("empty store: rows=%v err=%v", empty, err)
	}

	versions.seed("policy.aml", "1.0.0", `{"threshold":10000}`, PolicyStatusActive)
	versions.seed("policy.aml", "1.0.1", `{"threshold":9000}`, PolicyStatusActive)
	versions.seed("policy.kyc", "1.0.0", `{"rule":"verify identity"}`, PolicyStatusActive)

	rows, err := svc.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("policies: want=2 got=%d", len(rows))
	}
	byID := map[string]string{}
	for _, row := range rows {
		byID[row.PolicyID] = row.Version
	}
	if byID["policy.aml"] != "1.0.1" || byID["policy.kyc"] != "1.0.0" {
		t.Fatalf("latest per policy: %+v", byID)
	}
}

func TestNextPatchVersion(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"1.0.0", "1.0.1"},
		{"2.3.9", "2.3.10"},
		{" 1.2.3 ", "1.2.4"},
	}
	for _, tc := range cases {
		got, err := nextPatchVersion(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("bump %q: want=%s got=%s err=%v", tc.in, tc.want, got, err)
		}
	}
	for _, bad := range []string{"1.0", "1.0.0.0", "x.y.z", ""} {
		if _, err := nextPatchVersion(bad); err == nil || !strings.Contains(err.Error(), "malformed version") {
			t.Fatalf("bump %q: err=%v", bad, err)
		}
	}
}

func TestContentHashIsCanonical(t *testing.T) {
	a := contentHash([]byte(`{"b":1,"a":2}`))
	b := contentHash([]byte(`{ "a": 2, "b": 1 }`))
	if a != b {
		t.Fatalf("key order changed the hash: %s vs %s", a, b)
	}
	if c := contentHash([]byte(`{"a":2,"b":9}`)); c == a {
		t.Fatalf("different content hashed equal")
	}
}

func TestMergeContentIsShallow(t *testing.T) {
	merged, err := mergeContent([]byte(`{"a":1,"b":{"x":1}}`), []byte(`{"b":null,"c":3}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if string(out["a"]) != "1" || string(out["b"]) != "null" || string(out["c"]) != "3" {
		t.Fatalf("merged: %s", merged)
	}

	if _, err := mergeContent([]byte(`{"a":1}`), []byte(`not json`)); err == nil ||
		!strings.Contains(err.Error(), "malformed content patch") {
		t.Fatalf("bad patch: err=%v", err)
	}
}
