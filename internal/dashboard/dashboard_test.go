package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opsledger/opsledger/internal/ledger"
	"github.com/opsledger/opsledger/internal/store"
)

func strp(s string) *string { return &s }

func newTestDashboard(t *testing.T) (*Dashboard, *store.Memory, *ledger.Appender) {
	t.Helper()
	st := store.NewMemory()
	appender := ledger.NewAppender(st, ledger.AppenderOptions{})
	d := New(Options{Appender: appender, Backend: st})
	return d, st, appender
}

func seedEntries(t *testing.T, a *ledger.Appender, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := a.Append(context.Background(), ledger.Event{
			Actor:        strp("alice"),
			Action:       ledger.ActionCreate,
			ResourceType: "vm",
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestAPIEvents_AppendsEntry(t *testing.T) {
	d, st, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	body := `{"actor": "alice", "action": "CREATE", "resource_type": "vm",
	          "resource_name": "web01", "payload": {"cpus": 4}}`
	resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var entry ledger.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.Seq != 1 || entry.Hash == "" {
		t.Errorf("response entry = %+v, want seq 1 with a hash", entry)
	}

	stored, err := st.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("entry not persisted: %v", err)
	}
	if stored.Hash != entry.Hash {
		t.Error("persisted hash differs from response")
	}
}

func TestAPIEvents_RejectsInvalidEvent(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{"unknown action", `{"action": "DESTROY", "resource_type": "vm"}`},
		{"missing resource type", `{"action": "CREATE"}`},
		{"float payload", `{"action": "CREATE", "resource_type": "vm", "payload": {"x": 0.5}}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAPIEvents_PayloadIntegersSurvive(t *testing.T) {
	d, st, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	// 2^53+1 silently loses precision through float64; it must not here.
	body := `{"action": "CREATE", "resource_type": "vm", "payload": {"id": 9007199254740993}}`
	resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	stored, err := st.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, ok := stored.Payload["id"].(int64); !ok || v != 9007199254740993 {
		t.Errorf("payload id = %v (%T), want exact int64", stored.Payload["id"], stored.Payload["id"])
	}
}

func TestAPIStatus(t *testing.T) {
	d, _, appender := newTestDashboard(t)
	seedEntries(t, appender, 3)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status struct {
		TailSeq   uint64 `json:"tail_seq"`
		TailHash  string `json:"tail_hash"`
		Entries   uint64 `json:"entries"`
		Algorithm string `json:"algorithm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.TailSeq != 3 || status.Entries != 3 {
		t.Errorf("status = %+v, want tail_seq 3 and 3 entries", status)
	}
	if !strings.HasPrefix(status.TailHash, "sha256:") {
		t.Errorf("tail_hash = %q", status.TailHash)
	}
	if status.Algorithm != "sha256" {
		t.Errorf("algorithm = %q, want sha256", status.Algorithm)
	}
}

func TestAPIEntries_NewestFirst(t *testing.T) {
	d, _, appender := newTestDashboard(t)
	seedEntries(t, appender, 5)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/entries?limit=3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var entries []ledger.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Seq != 5 || entries[2].Seq != 3 {
		t.Errorf("entries out of order: %d..%d, want newest first", entries[0].Seq, entries[2].Seq)
	}
}

func TestAPIEntries_EmptyChainIsEmptyArray(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/entries")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var entries []ledger.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("empty chain should serialize as [], got %v", entries)
	}
}

func TestAPIVerify_ReportsTamperWith200(t *testing.T) {
	d, st, appender := newTestDashboard(t)
	seedEntries(t, appender, 4)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	e, err := st.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	e.Actor = strp("mallory")
	st.Replace(e)

	resp, err := http.Get(srv.URL + "/api/verify")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	// Findings are report data, not a transport failure.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var report ledger.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	// Editing entry 2 surfaces as content tamper there plus a broken link
	// at its successor.
	if len(report.Findings) != 2 ||
		report.Findings[0].Kind != ledger.FindingContentTamper || report.Findings[0].Seq != 2 ||
		report.Findings[1].Kind != ledger.FindingBrokenLink || report.Findings[1].Seq != 3 {
		t.Errorf("findings = %+v, want content-tamper at seq 2 and broken-link at seq 3", report.Findings)
	}
}

func TestAPIVerify_InvalidRangeParam(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/verify?from=abc")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIExport_JSONL(t *testing.T) {
	d, _, appender := newTestDashboard(t)
	seedEntries(t, appender, 2)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/export?format=jsonl")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	report, err := ledger.VerifyReader(ledger.SHA256, resp.Body)
	if err != nil {
		t.Fatalf("VerifyReader: %v", err)
	}
	if !report.Valid || report.EntriesChecked != 2 {
		t.Errorf("downloaded export: valid=%v checked=%d", report.Valid, report.EntriesChecked)
	}
}

func TestAPIExport_UnsupportedFormat(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/export?format=xml")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMethodEnforcement(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/events status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status status = %d, want 405", resp.StatusCode)
	}
}
