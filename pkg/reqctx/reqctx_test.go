package reqctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserData_PutGet(t *testing.T) {
	c := New()
	c.SetUserData("batch_size", 4)
	v, ok := c.GetUserData("batch_size")
	require.True(t, ok)
	assert.Equal(t, 4, v)

	_, ok = c.GetUserData("missing")
	assert.False(t, ok)
}

func TestSetErrMsg_ImpliesHasErr(t *testing.T) {
	c := New()
	assert.False(t, c.HasErr())
	c.SetErrMsg("boom")
	assert.True(t, c.HasErr())
	assert.Equal(t, "boom", c.ErrMsg())
}

func TestHTTPResponse_RoundTrip(t *testing.T) {
	c := New()
	assert.Nil(t, c.HTTPResponse())
	resp := &HTTPResponse{StatusCode: 201, Body: []byte("ok")}
	c.SetHTTPResponse(resp)
	assert.Equal(t, resp, c.HTTPResponse())
}

func TestStreamQueue_PushPopInOrder(t *testing.T) {
	q := NewStreamQueue()
	q.Push("a")
	q.Push("b")

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestStreamQueue_CloseTerminatesPop(t *testing.T) {
	q := NewStreamQueue()
	q.Push("a")
	q.Close()

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestStreamQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewStreamQueue()
	done := make(chan any, 1)
	go func() {
		v, _ := q.Pop()
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("late")

	select {
	case v := <-done:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestContext_IfStreamingReflectsGeneratorState(t *testing.T) {
	c := New()
	assert.False(t, c.IfStreaming())
	c.StartHTTPStreamingGenerator()
	assert.True(t, c.IfStreaming())
	c.StopHTTPStreamingGenerator()
	assert.False(t, c.IfStreaming())
}

func TestContext_StreamRespondRoutesToActivePath(t *testing.T) {
	c := New()
	c.StartRPCStreamingGenerator()
	c.StreamRespond("frame1", false)
	c.StreamRespond("frame2", true)

	v, ok := c.RPCStream().Pop()
	require.True(t, ok)
	assert.Equal(t, "frame1", v)

	v, ok = c.RPCStream().Pop()
	require.True(t, ok)
	assert.Equal(t, "frame2", v)

	_, ok = c.RPCStream().Pop()
	assert.False(t, ok)
}

func TestContext_StreamRespondFinalNotifiesFuture(t *testing.T) {
	c := New()
	c.StartHTTPStreamingGenerator()
	f := NewFuture()
	c.SetFuture(f)

	var wg sync.WaitGroup
	wg.Add(1)
	notified := false
	go func() {
		defer wg.Done()
		f.Wait()
		notified = true
	}()

	c.StreamRespond("done", true)
	wg.Wait()
	assert.True(t, notified)
}

func TestContext_IfDisconnected(t *testing.T) {
	c := New()
	assert.False(t, c.IfDisconnected())

	ctx, cancel := context.WithCancel(context.Background())
	c.SetRPCContext(ctx)
	assert.False(t, c.IfDisconnected())

	cancel()
	assert.True(t, c.IfDisconnected())
}

func TestFuture_WaitContextTimesOut(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := f.WaitContext(ctx)
	assert.Error(t, err)
}
