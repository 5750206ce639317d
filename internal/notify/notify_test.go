package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/notify"
)

func sampleTransition() domain.Transition {
	from := "ONB"
	return domain.Transition{
		ID:             7,
		ProjectID:      "p1",
		FromPhaseKey:   &from,
		ToPhaseKey:     "IDEA",
		TransitionedBy: domain.SystemActor,
		IsAutomated:    true,
		CreatedAt:      time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var got []string
	ok := notify.PublisherFunc(func(_ context.Context, tr domain.Transition) error {
		got = append(got, tr.ToPhaseKey)
		return nil
	})
	boom := errors.New("boom")
	failing := notify.PublisherFunc(func(context.Context, domain.Transition) error { return boom })

	err := notify.Multi{ok, nil, failing, ok}.Publish(context.Background(), sampleTransition())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"IDEA", "IDEA"}, got)

	assert.NoError(t, notify.Multi{}.Publish(context.Background(), sampleTransition()))
	assert.NoError(t, notify.Log{}.Publish(context.Background(), sampleTransition()))
}

func TestNATSSubject(t *testing.T) {
	n := notify.NewNATS(nil)
	assert.Equal(t, "portal.workflow.transition.p1", n.Subject("p1"))
	n.SubjectPrefix = "custom"
	assert.Equal(t, "custom.p9", n.Subject("p9"))
	assert.Error(t, n.Publish(context.Background(), sampleTransition()))
}

func TestNATSPublish(t *testing.T) {
	url := os.Getenv("PORTAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("PORTAL_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	pub := notify.NewNATS(nc)
	sub, err := nc.SubscribeSync(pub.Subject("p1"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, pub.Publish(context.Background(), sampleTransition()))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var body notify.Message
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, notify.MessageType, body.Type)
	assert.NotEmpty(t, body.EventID)
	assert.Equal(t, "IDEA", body.Transition.ToPhaseKey)
}

type fakeSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (f *fakeSource) add(evt domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt.ID = int64(len(f.events) + 1)
	f.events = append(f.events, evt)
}

func (f *fakeSource) EventsAfter(_ context.Context, limit int, cursor int64, _ string) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, evt := range f.events {
		if evt.ID > cursor && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestEventID(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.events)), nil
}

type delivery struct {
	event     string
	signature string
	body      map[string]any
}

func TestDispatcherDeliversNewMatchingEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []delivery
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		got = append(got, delivery{event: r.Header.Get("X-Portal-Event"), signature: r.Header.Get("X-Portal-Signature"), body: body})
		mu.Unlock()
		if notify.Sign("s3cret", raw) != r.Header.Get("X-Portal-Signature")[len("sha256="):] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &fakeSource{}
	src.add(domain.Event{Type: "workflow.phase_advanced", ProjectID: "old", Payload: `{}`})

	d := notify.NewDispatcher(src, []config.WebhookConfig{{
		URL:    srv.URL,
		Events: []string{"workflow.phase_advanced"},
		Secret: "s3cret",
	}}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	mu.Lock()
	assert.Empty(t, got, "events before the dispatcher started are skipped")
	mu.Unlock()

	src.add(domain.Event{Type: "workflow.requirement_completed", ProjectID: "p1", Payload: `{}`})
	src.add(domain.Event{Type: "workflow.phase_advanced", ProjectID: "p1", ActorID: "system", Payload: `{"to":"IDEA"}`})
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "workflow.phase_advanced", got[0].event)
	assert.Equal(t, "p1", got[0].body["project_id"])
	assert.Equal(t, map[string]any{"to": "IDEA"}, got[0].body["payload"])
	assert.NotEmpty(t, got[0].signature)
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := &fakeSource{}
	disabled := false
	d := notify.NewDispatcher(src, []config.WebhookConfig{
		{URL: srv.URL},
		{URL: srv.URL, Enabled: &disabled},
	}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.add(domain.Event{Type: "workflow.project_completed", ProjectID: "p1"})

	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}
