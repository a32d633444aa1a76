package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/testutil"
)

func TestFailedPeerDoesNotBlockHealthyPeer(t *testing.T) {
	recv, store, svc := newTestReceiver(t)
	ctx := t.Context()

	// One pushable entry so every sync cycle actually contacts the peers.
	content := "error: lock timeout\nresolution: reorder the statements"
	vec, err := svc.Embed(ctx, content)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := store.Put(ctx, knowledge.Entry{
		Kind:       knowledge.KindErrorResolution,
		Content:    content,
		Embedding:  vec,
		Confidence: 0.9,
		UsageCount: 6,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The hanging peer holds every request until the caller gives up.
	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hanging.Close()

	var healthyPushes atomic.Int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/federation/push":
			healthyPushes.Add(1)
			json.NewEncoder(w).Encode(PushResponse{Accepted: 1})
		case "/federation/pull":
			json.NewEncoder(w).Encode(PullResponse{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer healthy.Close()

	anon, err := NewAnonymizer("local-project")
	if err != nil {
		t.Fatalf("NewAnonymizer: %v", err)
	}
	clients := []*Client{
		{name: "peer-hanging", baseURL: hanging.URL, http: hanging.Client()},
		{name: "peer-healthy", baseURL: healthy.URL, http: healthy.Client()},
	}
	syncer, err := NewSyncer(store, recv, anon, clients, config.FederationConfig{
		ProjectID:         "local-project",
		PushMinConfidence: 0.85,
		PushMinUsage:      5,
		OpTimeout:         500 * time.Millisecond,
		PageSize:          10,
	}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	if err := syncer.SyncNow(ctx); err == nil {
		t.Fatal("SyncNow must surface the hanging peer's failure")
	}

	byName := make(map[string]PeerStatus)
	for _, st := range syncer.Status() {
		byName[st.Name] = st
	}
	hung := byName["peer-hanging"]
	if hung.State != StateFailed || hung.LastError == "" || hung.Consecutive != 1 {
		t.Fatalf("hanging peer status = %+v, want failed with an error", hung)
	}
	ok := byName["peer-healthy"]
	if ok.State != StateIdle || ok.LastSync.IsZero() || ok.LastError != "" {
		t.Fatalf("healthy peer status = %+v, want a clean completed sync", ok)
	}
	if healthyPushes.Load() == 0 {
		t.Fatal("healthy peer never received the push")
	}
}
