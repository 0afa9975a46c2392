package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/agentgw/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type recordingEmitter struct {
	mu       sync.Mutex
	requests []Request
}

func (e *recordingEmitter) EmitApprovalRequest(sessionID string, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return nil
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func TestRequest_ResolvesFromClientResponse(t *testing.T) {
	b := New(testLogger(t))
	emitter := &recordingEmitter{}
	b.SetEmitter(emitter)

	var choice string
	var reqErr error
	done := make(chan struct{})
	go func() {
		choice, reqErr = b.Request(context.Background(), "sess-1", "allow write?", []string{"yes", "no"}, time.Second, "no")
		close(done)
	}()

	require.Eventually(t, func() bool { return emitter.count() == 1 }, time.Second, time.Millisecond)
	id := emitter.requests[0].ID
	require.NoError(t, b.Respond(id, "yes"))

	<-done
	assert.NoError(t, reqErr)
	assert.Equal(t, "yes", choice)
}

func TestRequest_TimesOutToDefault(t *testing.T) {
	b := New(testLogger(t))
	b.SetEmitter(&recordingEmitter{})

	choice, err := b.Request(context.Background(), "sess-1", "allow?", []string{"yes", "no"}, 10*time.Millisecond, "no")
	require.NoError(t, err)
	assert.Equal(t, "no", choice)
}

func TestRespond_AfterTimeoutIsDiscarded(t *testing.T) {
	b := New(testLogger(t))
	emitter := &recordingEmitter{}
	b.SetEmitter(emitter)

	choice, err := b.Request(context.Background(), "sess-1", "allow?", []string{"yes", "no"}, 5*time.Millisecond, "no")
	require.NoError(t, err)
	assert.Equal(t, "no", choice)

	err = b.Respond(emitter.requests[0].ID, "yes")
	assert.Error(t, err)
}

func TestRequest_AlwaysChoiceIsCachedPerSession(t *testing.T) {
	b := New(testLogger(t))
	emitter := &recordingEmitter{}
	b.SetEmitter(emitter)

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.mu.Lock()
		var id string
		for reqID := range b.pending {
			id = reqID
		}
		b.mu.Unlock()
		if id != "" {
			_ = b.Respond(id, "always allow")
		}
	}()
	choice, err := b.Request(context.Background(), "sess-1", "allow write?", []string{"allow", "always allow"}, time.Second, "no")
	require.NoError(t, err)
	assert.Equal(t, "always allow", choice)

	choice2, err := b.Request(context.Background(), "sess-1", "allow write?", []string{"allow", "always allow"}, time.Second, "no")
	require.NoError(t, err)
	assert.Equal(t, "always allow", choice2)
	assert.Equal(t, 1, emitter.count())
}

func TestCancelSession_ResolvesPendingWithDefaultAndClearsCache(t *testing.T) {
	b := New(testLogger(t))
	b.SetEmitter(&recordingEmitter{})

	done := make(chan string, 1)
	go func() {
		choice, _ := b.Request(context.Background(), "sess-1", "allow?", []string{"yes", "no"}, time.Minute, "no")
		done <- choice
	}()

	require.Eventually(t, func() bool { return b.PendingCount() == 1 }, time.Second, time.Millisecond)
	b.mu.Lock()
	b.cache["sess-1"] = map[string]string{Fingerprint("other?", []string{"always"}): "always"}
	b.mu.Unlock()
	b.CancelSession("sess-1")

	select {
	case choice := <-done:
		assert.Equal(t, "no", choice)
	case <-time.After(time.Second):
		t.Fatal("cancel did not resolve pending request")
	}
	assert.Equal(t, 0, b.PendingCount())
	b.mu.Lock()
	_, cached := b.cache["sess-1"]
	b.mu.Unlock()
	assert.False(t, cached, "cancel clears the session's always cache")
}
