package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-hpkb/internal/domain/audit"
	"github.com/drfirst/go-hpkb/pkg/idempotency"
)

type fakeAuditor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAuditor) Audit(_ context.Context, c *audit.PatientCase) (*audit.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(c.DrugNames()) == 0 {
		return nil, audit.ErrNoDrugs
	}
	return &audit.Report{
		ID:          fmt.Sprintf("report-%d", f.calls),
		CaseID:      c.ID,
		GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Findings:    []audit.Finding{},
	}, nil
}

type fakeReports map[string]*audit.Report

func (f fakeReports) Get(_ context.Context, id string) (*audit.Report, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", audit.ErrReportNotFound, id)
}

type fakeRules map[string]*audit.RuleSet

func (f fakeRules) RulesForDrug(_ context.Context, drug string) (*audit.RuleSet, error) {
	if rs, ok := f[drug]; ok {
		return rs, nil
	}
	return &audit.RuleSet{}, nil
}

type memInbox struct {
	mu      sync.Mutex
	entries map[string]*idempotency.Entry
}

func (m *memInbox) Get(_ context.Context, key string) (*idempotency.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, idempotency.ErrNotFound
}

func (m *memInbox) Start(_ context.Context, key, handler string, payload json.RawMessage, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.Status != idempotency.StatusRecoverable {
		return idempotency.ErrDuplicateMessage
	}
	m.entries[key] = &idempotency.Entry{IdempotencyKey: key, HandlerName: handler, Status: idempotency.StatusStarted, UpdatedAt: time.Now()}
	return nil
}

func (m *memInbox) SetStatus(_ context.Context, key string, status idempotency.Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key].Status = status
	m.entries[key].Result = result
	return nil
}

func (m *memInbox) Cleanup(context.Context, time.Duration) (int64, error)      { return 0, nil }
func (m *memInbox) RecoverStale(context.Context, time.Duration) (int64, error) { return 0, nil }

const caseBody = `{"case_id": "c1", "prescriptions": [{"drug": "阿贝西利片"}]}`

const bundleNoPatient = `{"resourceType": "Bundle", "entry": []}`

func newHandler(auditor Auditor, inbox *idempotency.Inbox) http.Handler {
	rules := fakeRules{"阿贝西利片": {Allergies: []audit.AllergyRule{{ID: "a1", Drug: "阿贝西利片", TriggeringSubstance: "x"}}}}
	reports := fakeReports{"r1": {ID: "r1", CaseID: "c1"}}
	return NewAuditHandler(auditor, reports, rules, inbox, nil).Routes()
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		auditErr    error
		wantStatus  int
		wantContent string
	}{
		{"native case", caseBody, nil, http.StatusCreated, "application/json"},
		{"malformed json", `{"case_id": `, nil, http.StatusBadRequest, "application/json"},
		{"no drugs", `{"case_id": "c2", "prescriptions": []}`, nil, http.StatusUnprocessableEntity, "application/json"},
		{"two cases", `[` + caseBody + `,` + caseBody + `]`, nil, http.StatusUnprocessableEntity, "application/json"},
		{"bundle without patient", bundleNoPatient, nil, http.StatusUnprocessableEntity, "application/fhir+json"},
		{"store failure", caseBody, errors.New("db down"), http.StatusInternalServerError, "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(&fakeAuditor{err: tt.auditErr}, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audits", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := rec.Header().Get("Content-Type"); got != tt.wantContent {
				t.Errorf("content type = %q, want %q", got, tt.wantContent)
			}
		})
	}
}

func TestCreateBundleErrorIsOperationOutcome(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(&fakeAuditor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audits", strings.NewReader(bundleNoPatient)))

	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Severity string `json:"severity"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 || outcome.Issue[0].Severity != "error" {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	auditor := &fakeAuditor{}
	inbox := idempotency.New(&memInbox{entries: map[string]*idempotency.Entry{}}, idempotency.DefaultConfig(), nil)
	h := newHandler(auditor, inbox)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audits", strings.NewReader(body)))
		return rec
	}

	first := post(caseBody)
	// same case with reordered keys
	second := post(`{"prescriptions": [{"drug": "阿贝西利片"}], "case_id": "c1"}`)

	if first.Code != http.StatusCreated || second.Code != http.StatusOK {
		t.Fatalf("status = %d then %d, want 201 then 200", first.Code, second.Code)
	}
	if auditor.calls != 1 {
		t.Errorf("audited %d times, want 1", auditor.calls)
	}

	var a, b audit.Report
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("report ids %q and %q, want the same report", a.ID, b.ID)
	}

	// a case without drugs fails permanently and is not retried
	if rec := post(`{"case_id": "c9", "prescriptions": []}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("no drugs status = %d", rec.Code)
	}
	if rec := post(`{"case_id": "c9", "prescriptions": []}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("repeated no drugs status = %d", rec.Code)
	}
	if auditor.calls != 2 {
		t.Errorf("audited %d times, want 2", auditor.calls)
	}
}

func TestGet(t *testing.T) {
	h := newHandler(&fakeAuditor{}, nil)

	for _, tt := range []struct {
		id   string
		want int
	}{
		{"r1", http.StatusOK},
		{"missing", http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audits/"+tt.id, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.id, rec.Code, tt.want)
		}
	}
}

func TestRules(t *testing.T) {
	h := newHandler(&fakeAuditor{}, nil)

	rec := httptest.NewRecorder()
	// full-width spaces are normalised away before lookup
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drugs/%E3%80%80%E9%98%BF%E8%B4%9D%E8%A5%BF%E5%88%A9%E7%89%87/rules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp RulesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Drug != "阿贝西利片" || resp.Count != 1 {
		t.Errorf("resp = %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drugs/unknown/rules", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown drug status = %d", rec.Code)
	}
}
