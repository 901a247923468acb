package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNotifyDeliversEvent(t *testing.T) {
	var mu sync.Mutex
	var gotType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		gotType = string(ev.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(server.URL, time.Second, nil)
	n.Notify(context.Background(), Event{Type: EventAccountQuarantined, Data: map[string]any{"account_id": "a1"}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotType
		mu.Unlock()
		if got == string(EventAccountQuarantined) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("webhook was never delivered")
}

func TestNotifyNoopWithoutURL(t *testing.T) {
	n := New("", 0, nil)
	// Must not panic or block.
	n.Notify(context.Background(), Event{Type: EventKeyDisabled})
}
