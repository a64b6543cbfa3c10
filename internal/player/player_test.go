package player

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMPV answers commands on one end of a pipe and lets tests push events.
type fakeMPV struct {
	t    *testing.T
	conn net.Conn

	mu       sync.Mutex
	commands [][]any
	volume   float64
	failLoad bool
	writeMu  sync.Mutex
}

func newFakeMPV(t *testing.T) (*fakeMPV, *IPC) {
	t.Helper()
	client, server := net.Pipe()
	f := &fakeMPV{t: t, conn: server, volume: 50}
	go f.serve()
	ipc := NewIPC(client, zap.NewNop())
	t.Cleanup(func() {
		ipc.Close()
		server.Close()
	})
	return f, ipc
}

func (f *fakeMPV) serve() {
	scanner := bufio.NewScanner(f.conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		f.mu.Lock()
		f.commands = append(f.commands, req.Command)
		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		switch req.Command[0] {
		case "get_property":
			if req.Command[1] == "volume" {
				resp["data"] = f.volume
			}
		case "set_property":
			if req.Command[1] == "volume" {
				f.volume = req.Command[2].(float64)
			}
		case "loadfile":
			if f.failLoad {
				resp["error"] = "loading failed"
			}
		}
		f.mu.Unlock()
		f.send(resp)
	}
}

func (f *fakeMPV) send(msg map[string]any) {
	data, _ := json.Marshal(msg)
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, _ = f.conn.Write(append(data, '\n'))
}

func (f *fakeMPV) Commands() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.commands...)
}

func (f *fakeMPV) idle() {
	f.send(map[string]any{"event": "property-change", "id": 1, "name": "idle-active", "data": true})
}

func waitEvent(t *testing.T, bus *event.Bus) event.Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestIPC_VolumeRoundTrip(t *testing.T) {
	_, ipc := newFakeMPV(t)
	b := NewBridge(ipc, queue.New(2), event.NewBus(1), nil, zap.NewNop())
	ctx := context.Background()

	v, err := b.Volume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, v)

	require.NoError(t, b.SetVolume(ctx, 30))
	v, err = b.Volume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30.0, v)
}

func TestIPC_ControlCommands(t *testing.T) {
	f, ipc := newFakeMPV(t)
	b := NewBridge(ipc, queue.New(2), event.NewBus(1), nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, b.Pause(ctx))
	require.NoError(t, b.Resume(ctx))
	require.NoError(t, b.Skip(ctx))

	cmds := f.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []any{"set_property", "pause", true}, cmds[0])
	assert.Equal(t, []any{"set_property", "pause", false}, cmds[1])
	assert.Equal(t, []any{"stop"}, cmds[2])
}

func TestIPC_ClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	ipc := NewIPC(client, zap.NewNop())
	server.Close()

	_, err := ipc.Command(context.Background(), "get_property", "volume")
	assert.Error(t, err)

	_, ok := <-ipc.Events()
	assert.False(t, ok)
}

func TestBridge_IdleThenLoad(t *testing.T) {
	f, ipc := newFakeMPV(t)
	bus := event.NewBus(4)
	requests := make(chan queue.Request, 1)
	b := NewBridge(ipc, queue.New(2), bus, requests, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool { return len(f.Commands()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []any{"observe_property", float64(1), "idle-active"}, f.Commands()[0])

	f.idle()
	assert.Equal(t, event.PlayerIdle{}, waitEvent(t, bus))

	requests <- queue.Request{ID: "abc123", Title: "Song", URL: "https://youtu.be/abc123", Requester: "user"}
	require.Eventually(t, func() bool { return len(f.Commands()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []any{"loadfile", "https://youtu.be/abc123", "replace"}, f.Commands()[1])

	f.send(map[string]any{"event": "file-loaded"})
	require.Eventually(t, func() bool { return b.State() == StatePlaying }, 5*time.Second, 10*time.Millisecond)
}

func TestBridge_EndFileErrorClearsCurrent(t *testing.T) {
	f, ipc := newFakeMPV(t)
	bus := event.NewBus(4)
	q := queue.New(2)
	_, err := q.Enqueue(queue.Request{ID: "a", URL: "https://youtu.be/a"})
	require.NoError(t, err)
	q.Dequeue()

	b := NewBridge(ipc, q, bus, make(chan queue.Request), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool { return len(f.Commands()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	f.send(map[string]any{"event": "end-file", "reason": "error", "file_error": "loading failed"})

	ev := waitEvent(t, bus)
	perr, ok := ev.(event.PlayerError)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, CodeLoadingFailed, perr.Code)
	assert.Equal(t, "loading failed", perr.Reason)

	_, playing := q.Current()
	assert.False(t, playing)
	assert.Equal(t, StateError, b.State())
}

func TestBridge_LoadFailure(t *testing.T) {
	f, ipc := newFakeMPV(t)
	f.mu.Lock()
	f.failLoad = true
	f.mu.Unlock()
	bus := event.NewBus(4)
	q := queue.New(2)
	_, _ = q.Enqueue(queue.Request{ID: "a", URL: "bad"})
	q.Dequeue()

	requests := make(chan queue.Request, 1)
	b := NewBridge(ipc, q, bus, requests, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	requests <- queue.Request{ID: "a", URL: "bad"}
	perr, ok := waitEvent(t, bus).(event.PlayerError)
	require.True(t, ok)
	assert.Equal(t, CodeCommandFailed, perr.Code)
	_, playing := q.Current()
	assert.False(t, playing)
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	_, ipc := newFakeMPV(t)
	b := NewBridge(ipc, queue.New(2), event.NewBus(1), make(chan queue.Request), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestConnect_TimesOutWithoutSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Connect(ctx, filepath.Join(t.TempDir(), "missing.sock"), zap.NewNop())
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "idle", StateIdle.String())
}
