package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	xerrors "CredProof/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: ChannelLog}
	b := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeSigning})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("events not delivered: %d %d", len(a.events), len(b.events))
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestFromErrorUsesRegisteredAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeStorage, "both backends down", xerrors.WithMetadata("op", "put"))
	event := FromError("sign", "pr_x", err)
	if event.Code != xerrors.CodeStorage || event.Source != "sign" || event.Subject != "pr_x" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["op"] != "put" {
		t.Fatalf("metadata not carried: %+v", event.Metadata)
	}
	if event.Severity == "" {
		t.Fatalf("severity not resolved")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode: %v", err)
		}
		if event.Code != xerrors.CodeSigning {
			t.Errorf("code = %s", event.Code)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeSigning, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestWebhookNotifierReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeStorage}); err == nil {
		t.Fatalf("expected error for 400 response")
	}
}
