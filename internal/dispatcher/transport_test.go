package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pipeweave/pipeweave/internal/domain"
)

func TestDispatchSendsSignedStorageToken(t *testing.T) {
	var gotPayload DispatchPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewTransport([]byte("test-secret"))
	run := domain.TaskRun{ID: "run_1", TaskID: "task_1", CodeVersion: 3, InputPath: "runs/p1/tasks/run_1/input.json"}

	if err := tr.Dispatch(context.Background(), srv.URL, run); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if gotPayload.RunID != "run_1" || gotPayload.TaskID != "task_1" {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
	if gotPayload.StorageToken == "" {
		t.Fatal("expected a signed storage token")
	}
}

func TestDispatchNonTwoxxOpensBreakerEventually(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport([]byte("test-secret"))
	run := domain.TaskRun{ID: "run_1", TaskID: "task_1"}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.Dispatch(ctx, srv.URL, run); err == nil {
			t.Fatal("expected dispatch to fail on 500")
		}
	}
	if err := tr.Dispatch(ctx, srv.URL, run); err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected breaker to be open after repeated failures, got %v", err)
	}
}
