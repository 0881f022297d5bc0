package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ppops/stub-gateway/internal/protocol"
	"github.com/ppops/stub-gateway/internal/registry"
	"github.com/ppops/stub-gateway/internal/session"
	"github.com/ppops/stub-gateway/internal/sshrunner"
	"github.com/ppops/stub-gateway/internal/taskreg"
	"github.com/ppops/stub-gateway/internal/ws"
)

// fakeRunner scripts the SSH facade for gateway tests.
type fakeRunner struct {
	mu       sync.Mutex
	inputs   []string
	closed   bool
	blockRun chan struct{} // RunInteractive waits on this when non-nil
	output   []string      // lines fed to the sink by RunInteractive
	runErr   error
}

func (f *fakeRunner) Connect(ctx context.Context, alias string) error { return nil }

func (f *fakeRunner) RunInteractive(ctx context.Context, command, stopPhrase string, sink sshrunner.Sink) error {
	if f.blockRun != nil {
		select {
		case <-f.blockRun:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, line := range f.output {
		if err := sink(line); err != nil {
			return err
		}
	}
	return f.runErr
}

func (f *fakeRunner) SCPTransfer(ctx context.Context, name string, sink sshrunner.Sink) error {
	return sink("transferred\n")
}

func (f *fakeRunner) SendInput(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	runner *fakeRunner
}

func newTestEnv(t *testing.T, runner *fakeRunner) *testEnv {
	t.Helper()

	reg, err := registry.New(
		[]registry.HostConfig{
			{Alias: "mdwap1p", Host: "10.0.0.1", Port: 22, Username: "stub", Password: "pw"},
			{Alias: "mypap1d", Host: "10.0.0.2", Port: 22, Username: "stub", Password: "pw"},
		},
		[]registry.TransferRecipe{
			{Name: "stub_data_transfer", SrcAlias: "mdwap1p", SrcPath: "/data/out", DstAlias: "mypap1d", DstPath: "/data/in"},
		},
	)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	g := New(ws.NewHub(), session.New(), taskreg.New(), nil, reg,
		func() Runner { return runner },
		Options{CommandTimeout: 5 * time.Second, CancelDeadline: time.Second})

	srv := httptest.NewServer(http.HandlerFunc(g.ServeWS))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, runner: runner}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

// readUntil skips frames until one of the wanted type arrives. Broadcasts
// interleave with replies, so tests assert on the frame they care about.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readFrame(t, conn)
		if m["type"] == frameType {
			return m
		}
	}
	t.Fatalf("frame of type %q never arrived", frameType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame := map[string]interface{}{"type": msgType}
	if data != nil {
		frame["data"] = data
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func errorCode(t *testing.T, m map[string]interface{}) int {
	t.Helper()
	body, ok := m["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame has no error body: %v", m)
	}
	code, ok := body["code"].(float64)
	if !ok {
		t.Fatalf("error body has no numeric code: %v", body)
	}
	return int(code)
}

func TestWelcomeFrame(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)

	m := readFrame(t, conn)
	if m["type"] != protocol.TypeWelcome {
		t.Fatalf("first frame type = %v, want welcome", m["type"])
	}
	id, _ := m["connection_id"].(string)
	if id == "" {
		t.Fatalf("welcome has no connection_id: %v", m)
	}
	ls, ok := m["lock_status"].(map[string]interface{})
	if !ok || ls["locked"] != false {
		t.Fatalf("welcome lock_status = %v, want unlocked", m["lock_status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	started := readUntil(t, conn, protocol.TypeSessionStarted)
	if started["session_owner"] == "" {
		t.Fatalf("session_started has no owner: %v", started)
	}

	send(t, conn, protocol.TypeEndSession, nil)
	readUntil(t, conn, protocol.TypeSessionEnded)
}

func TestSessionMutualExclusion(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	first := env.dial(t)
	second := env.dial(t)
	readUntil(t, first, protocol.TypeWelcome)
	readUntil(t, second, protocol.TypeWelcome)

	send(t, first, protocol.TypeStartSession, nil)
	readUntil(t, first, protocol.TypeSessionStarted)

	send(t, second, protocol.TypeStartSession, nil)
	m := readUntil(t, second, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeSessionAlreadyActive {
		t.Fatalf("second start_session code = %d, want %d", code, protocol.CodeSessionAlreadyActive)
	}

	// The loser cannot end the winner's session either.
	send(t, second, protocol.TypeEndSession, nil)
	m = readUntil(t, second, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeNotSessionOwner {
		t.Fatalf("foreign end_session code = %d, want %d", code, protocol.CodeNotSessionOwner)
	}
}

func TestCommandWithoutSession(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeSSHCommand, map[string]interface{}{
		"server_name": "mdwap1p", "command": "ls",
	})
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeNoActiveSession {
		t.Fatalf("gated command code = %d, want %d", code, protocol.CodeNoActiveSession)
	}
}

func TestInputWithoutRunningCommand(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSSHInput, map[string]interface{}{"input": "yes\n"})
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeSSHCommandFailed {
		t.Fatalf("input without command code = %d, want %d", code, protocol.CodeSSHCommandFailed)
	}

	// The connection survives the rejection.
	send(t, conn, protocol.TypeEndSession, nil)
	readUntil(t, conn, protocol.TypeSessionEnded)
}

func TestCommandStreamsAndCompletes(t *testing.T) {
	runner := &fakeRunner{output: []string{"line one\n", "line two\n"}}
	env := newTestEnv(t, runner)
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSSHCommand, map[string]interface{}{
		"server_name": "mdwap1p", "command": "run_batch", "stop_phrase": "DONE",
	})

	var got []string
	for {
		m := readFrame(t, conn)
		switch m["type"] {
		case protocol.TypeOutput:
			got = append(got, m["data"].(string))
			continue
		case protocol.TypeComplete:
		default:
			t.Fatalf("unexpected frame during command: %v", m)
		}
		break
	}
	if len(got) != 2 || got[0] != "line one\n" || got[1] != "line two\n" {
		t.Fatalf("streamed output = %q, want the two scripted lines", got)
	}

	// The transport close runs just after the terminal frame is sent.
	deadline := time.After(5 * time.Second)
	for {
		runner.mu.Lock()
		closed := runner.closed
		runner.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("runner was not closed after command completion")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEndSessionCancelsRunningCommand(t *testing.T) {
	runner := &fakeRunner{blockRun: make(chan struct{})}
	env := newTestEnv(t, runner)
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSSHCommand, map[string]interface{}{
		"server_name": "mdwap1p", "command": "./load_all.sh",
	})
	// The command is now parked on blockRun; ending the session must cancel
	// it, and the cancelled command's error frame must land before
	// session_ended.
	send(t, conn, protocol.TypeEndSession, nil)

	sawCancelError := false
	for i := 0; i < 20; i++ {
		m := readFrame(t, conn)
		switch m["type"] {
		case protocol.TypeError:
			if code := errorCode(t, m); code != protocol.CodeSSHCommandFailed {
				t.Fatalf("cancelled command error code = %d, want %d", code, protocol.CodeSSHCommandFailed)
			}
			sawCancelError = true
		case protocol.TypeSessionEnded:
			if !sawCancelError {
				t.Fatal("session_ended arrived before the cancelled command's error frame")
			}
			// The lock is free again: a second connection can take it.
			second := env.dial(t)
			readUntil(t, second, protocol.TypeWelcome)
			send(t, second, protocol.TypeStartSession, nil)
			readUntil(t, second, protocol.TypeSessionStarted)
			return
		}
	}
	t.Fatal("session_ended never arrived")
}

func TestSecondCommandRejectedWhileRunning(t *testing.T) {
	runner := &fakeRunner{blockRun: make(chan struct{})}
	env := newTestEnv(t, runner)
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSSHCommand, map[string]interface{}{
		"server_name": "mdwap1p", "command": "sleepy",
	})
	send(t, conn, protocol.TypeSSHCommand, map[string]interface{}{
		"server_name": "mdwap1p", "command": "eager",
	})
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeTaskAlreadyRunning {
		t.Fatalf("second command code = %d, want %d", code, protocol.CodeTaskAlreadyRunning)
	}

	close(runner.blockRun)
	readUntil(t, conn, protocol.TypeComplete)
}

func TestUnknownTypeKeepsConnection(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, "make_coffee", nil)
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeWSHandlerNotFound {
		t.Fatalf("unknown type code = %d, want %d", code, protocol.CodeWSHandlerNotFound)
	}

	// Connection survives: a normal request still works.
	send(t, conn, protocol.TypeGetLockStatus, nil)
	readUntil(t, conn, protocol.TypeLockStatus)
}

func TestMalformedJSON(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeWSMessageInvalid {
		t.Fatalf("malformed frame code = %d, want %d", code, protocol.CodeWSMessageInvalid)
	}
}

func TestDisconnectReleasesLock(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	first := env.dial(t)
	readUntil(t, first, protocol.TypeWelcome)

	send(t, first, protocol.TypeStartSession, nil)
	readUntil(t, first, protocol.TypeSessionStarted)

	// Abrupt disconnect; teardown must free the lock for the next client.
	first.Close(websocket.StatusNormalClosure, "")

	deadline := time.After(5 * time.Second)
	for {
		second := env.dial(t)
		readUntil(t, second, protocol.TypeWelcome)
		send(t, second, protocol.TypeStartSession, nil)
		m := readFrame(t, second)
		for m["type"] != protocol.TypeSessionStarted && m["type"] != protocol.TypeError {
			m = readFrame(t, second)
		}
		if m["type"] == protocol.TypeSessionStarted {
			return
		}
		second.Close(websocket.StatusNormalClosure, "")
		select {
		case <-deadline:
			t.Fatalf("lock never released after owner disconnect")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSCPTransferUnknownRecipe(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSCPTransfer, map[string]interface{}{"transfer_name": "nope"})
	m := readUntil(t, conn, protocol.TypeError)
	if code := errorCode(t, m); code != protocol.CodeSCPFailed {
		t.Fatalf("unknown recipe code = %d, want %d", code, protocol.CodeSCPFailed)
	}
}

func TestSCPTransferStreams(t *testing.T) {
	env := newTestEnv(t, &fakeRunner{})
	conn := env.dial(t)
	readUntil(t, conn, protocol.TypeWelcome)

	send(t, conn, protocol.TypeStartSession, nil)
	readUntil(t, conn, protocol.TypeSessionStarted)

	send(t, conn, protocol.TypeSCPTransfer, map[string]interface{}{"transfer_name": "stub_data_transfer"})
	out := readUntil(t, conn, protocol.TypeOutput)
	if out["data"] != "transferred\n" {
		t.Fatalf("transfer output = %v, want scripted line", out["data"])
	}
	readUntil(t, conn, protocol.TypeComplete)
}
