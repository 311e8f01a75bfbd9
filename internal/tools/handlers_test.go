package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/kazicore/internal/orcherrors"
)

func TestSalaryLookupToolFound(t *testing.T) {
	tool := NewSalaryLookupTool(map[string][2]int{"engineer": {100000, 150000}})
	res := tool.Invoke(context.Background(), Args{"role": "Engineer"})
	if !res.OK || res.Data["found"] != true {
		t.Fatalf("Invoke() = %+v, want found", res)
	}
	if res.Data["min"] != 100000 || res.Data["max"] != 150000 {
		t.Errorf("Invoke() band = %+v, want 100000-150000", res.Data)
	}
}

func TestSalaryLookupToolNotFound(t *testing.T) {
	tool := NewSalaryLookupTool(map[string][2]int{"engineer": {100000, 150000}})
	res := tool.Invoke(context.Background(), Args{"role": "astronaut"})
	if !res.OK || res.Data["found"] != false {
		t.Fatalf("Invoke() = %+v, want found=false", res)
	}
}

func TestSalaryLookupToolEffectIsReadOnly(t *testing.T) {
	tool := NewSalaryLookupTool(nil)
	if tool.Effect() != ReadOnly {
		t.Errorf("Effect() = %q, want read_only", tool.Effect())
	}
}

type fakeNotifier struct {
	err     error
	userID  string
	subject string
	body    string
}

func (f *fakeNotifier) Notify(_ context.Context, userID, subject, body string) error {
	f.userID, f.subject, f.body = userID, subject, body
	return f.err
}

func TestDraftEmailToolDelivers(t *testing.T) {
	notifier := &fakeNotifier{}
	tool := NewDraftEmailTool(notifier)

	res := tool.Invoke(context.Background(), Args{"user_id": "u1", "subject": "Follow up", "body": "Thanks for your time"})
	if !res.OK || res.Data["delivered"] != true {
		t.Fatalf("Invoke() = %+v, want delivered", res)
	}
	if notifier.userID != "u1" || notifier.subject != "Follow up" {
		t.Errorf("notifier received = %+v, want forwarded args", notifier)
	}
}

func TestDraftEmailToolNotifierFailure(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	tool := NewDraftEmailTool(notifier)

	res := tool.Invoke(context.Background(), Args{"user_id": "u1", "subject": "s", "body": "b"})
	if res.OK || res.ErrorKind != orcherrors.KindToolFailed {
		t.Errorf("Invoke() = %+v, want tool_failed", res)
	}
}

func TestDraftEmailToolEffectIsExternal(t *testing.T) {
	tool := NewDraftEmailTool(&fakeNotifier{})
	if tool.Effect() != ExternalEffect {
		t.Errorf("Effect() = %q, want external_effect", tool.Effect())
	}
}

func TestSearchJobsToolReturnsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"title": "Backend Engineer"},
				{"title": "Platform Engineer"},
				{"title": "SRE"},
			},
		})
	}))
	defer server.Close()

	tool := NewSearchJobsTool(server.URL)
	res := tool.Invoke(context.Background(), Args{"keywords": []string{"engineer"}, "max_results": 2})
	if !res.OK {
		t.Fatalf("Invoke() = %+v, want OK", res)
	}
	if res.Data["total_found"] != 3 {
		t.Errorf("total_found = %v, want 3", res.Data["total_found"])
	}
	if res.Data["returned"] != 2 {
		t.Errorf("returned = %v, want 2 (capped by max_results)", res.Data["returned"])
	}
}

func TestSearchJobsToolUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tool := NewSearchJobsTool(server.URL)
	res := tool.Invoke(context.Background(), Args{"keywords": []string{"engineer"}})
	if res.OK || res.ErrorKind != orcherrors.KindToolFailed {
		t.Errorf("Invoke() = %+v, want tool_failed on decode error", res)
	}
}
