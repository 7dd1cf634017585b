package notify

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/plansolve/pkg/events"
	"github.com/conductorhq/plansolve/pkg/slack"
)

func newTestNotifier(t *testing.T, onPost func(form map[string]string)) *Notifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chat.postMessage is sent as a url-encoded form, not JSON.
		_ = r.ParseForm()
		form := make(map[string]string, len(r.Form))
		for k := range r.Form {
			form[k] = r.FormValue(k)
		}
		if onPost != nil {
			onPost(form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.1"}`))
	}))
	t.Cleanup(srv.Close)

	client := slack.NewClientWithAPIURL("xoxb-fake", "C1", srv.URL+"/")
	return New(client, nil)
}

func TestHandleIgnoresUnrelatedEvents(t *testing.T) {
	var posts int32
	n := newTestNotifier(t, func(map[string]string) { atomic.AddInt32(&posts, 1) })

	n.Handle(events.New(events.AgentThinking, "s1", "thinking...", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&posts))
}

func TestHandlePostsOnFinalAnswer(t *testing.T) {
	var gotChannel, gotBlocks string
	n := newTestNotifier(t, func(form map[string]string) {
		gotChannel = form["channel"]
		gotBlocks = form["blocks"]
	})

	n.Handle(events.New(events.AgentFinalAnswer, "s1", "the final answer", nil))
	assert.Equal(t, "C1", gotChannel)
	assert.Contains(t, gotBlocks, "the final answer")
}

func TestHandlePostsOnAgentError(t *testing.T) {
	var gotChannel string
	n := newTestNotifier(t, func(form map[string]string) {
		gotChannel = form["channel"]
	})

	n.Handle(events.New(events.AgentError, "s1", "boom", nil))
	assert.Equal(t, "C1", gotChannel)
}

func TestNilClientIsNoOp(t *testing.T) {
	n := New(nil, nil)
	require.NotPanics(t, func() {
		n.Handle(events.New(events.AgentFinalAnswer, "s1", "x", nil))
	})
}

func TestSummarizeTruncatesLongContent(t *testing.T) {
	long := make([]byte, maxSlackFieldLen+50)
	for i := range long {
		long[i] = 'a'
	}
	s, ok := summarize(string(long))
	require.True(t, ok)
	assert.LessOrEqual(t, len(s), maxSlackFieldLen+len("…"))
}
