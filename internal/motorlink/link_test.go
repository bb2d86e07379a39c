package motorlink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/motion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// pipePort feeds reads from a pipe the test writes to and captures writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	shortBy  int
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b) - p.shortBy
	p.written.Write(b[:n])
	return n, nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}

func (p *pipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// feed writes controller output lines into the port.
func (p *pipePort) feed(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := p.w.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
}

var _ MotorLink = (*Link[*pipePort])(nil)
var _ MotorLink = (*Disabled)(nil)

func TestSendLine(t *testing.T) {
	t.Parallel()

	t.Run("appends newline once", func(t *testing.T) {
		port := newPipePort()
		l := New(port, "test")
		require.NoError(t, l.SendLine("PING"))
		require.NoError(t, l.SendLine("PONG\n"))
		assert.Equal(t, "PING\nPONG\n", port.Written())
	})

	t.Run("short write", func(t *testing.T) {
		port := newPipePort()
		port.shortBy = 1
		l := New(port, "test")
		assert.ErrorIs(t, l.SendLine("PING"), ErrWriteFailed)
	})

	t.Run("write error", func(t *testing.T) {
		port := newPipePort()
		port.writeErr = errors.New("unplugged")
		l := New(port, "test")
		assert.EqualError(t, l.SendLine("PING"), "unplugged")
	})

	t.Run("after close", func(t *testing.T) {
		port := newPipePort()
		l := New(port, "test")
		require.NoError(t, l.Close())
		assert.ErrorIs(t, l.SendLine("PING"), ErrClosed)
	})
}

func TestPublishVelocity(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "test")

	require.NoError(t, l.PublishVelocity(motion.Velocity{Linear: 0.15, Angular: -0.5}))
	require.NoError(t, l.PublishVelocity(motion.Velocity{}))
	assert.Equal(t, "V 0.150 -0.500\nV 0.000 0.000\n", port.Written())
}

func TestMonitorFansOutLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "test")

	_, a := l.Subscribe()
	idB, b := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Monitor(ctx) }()

	port.feed(t, "BAT 12.1", "ODOM 0 0 0")
	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "BAT 12.1", <-ch)
		assert.Equal(t, "ODOM 0 0 0", <-ch)
	}

	l.Unsubscribe(idB)
	_, ok := <-b
	assert.False(t, ok, "unsubscribed channel is closed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestMonitorDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "test")
	_, slow := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Monitor(ctx)

	for i := 0; i < subscriberBuffer+5; i++ {
		port.feed(t, "X")
	}
	require.Eventually(t, func() bool { return len(slow) == subscriberBuffer }, time.Second, time.Millisecond)

	// the reader is not stalled by the full subscriber
	_, late := l.Subscribe()
	port.feed(t, "Y")
	timeout := time.After(time.Second)
	for got := ""; got != "Y"; {
		select {
		case got = <-late:
		case <-timeout:
			t.Fatal("reader stalled behind a full subscriber")
		}
	}
	assert.Len(t, slow, subscriberBuffer)
}

func TestMonitorReturnsNilWhenClosed(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "test")
	_, ch := l.Subscribe()

	done := make(chan error, 1)
	go func() { done <- l.Monitor(context.Background()) }()

	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		mode, err := PortOptions{}.SerialMode()
		require.NoError(t, err)
		assert.Equal(t, &serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}, mode)
	})

	t.Run("explicit", func(t *testing.T) {
		mode, err := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.SerialMode()
		require.NoError(t, err)
		assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 7, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)
	})

	for name, opts := range map[string]PortOptions{
		"data bits": {DataBits: 9},
		"stop bits": {StopBits: 3},
		"parity":    {Parity: "mark"},
	} {
		t.Run("invalid "+name, func(t *testing.T) {
			_, err := opts.SerialMode()
			assert.Error(t, err)
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line    string
		want    Command
		wantErr error
	}{
		{line: "INTENT forward", want: Command{Kind: SetIntent, Intent: motion.Forward}},
		{line: "intent LEFT", want: Command{Kind: SetIntent, Intent: motion.Left}},
		{line: "  ACTIVATE  ", want: Command{Kind: Activate}},
		{line: "deactivate", want: Command{Kind: Deactivate}},
		{line: "INTENT sideways", wantErr: motion.ErrUnknownIntent},
		{line: "BAT 12.1", wantErr: ErrNotCommand},
		{line: "", wantErr: ErrNotCommand},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCommand("INTENT")
	assert.Error(t, err)
}

type recordingDriver struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDriver) record(s string) {
	d.mu.Lock()
	d.calls = append(d.calls, s)
	d.mu.Unlock()
}

func (d *recordingDriver) SetIntent(i motion.Intent) { d.record("intent:" + string(i)) }
func (d *recordingDriver) Activate()                 { d.record("activate") }
func (d *recordingDriver) Deactivate()               { d.record("deactivate") }

func (d *recordingDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestRunPendant(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "test")
	d := &recordingDriver{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Monitor(ctx)

	pendantDone := make(chan struct{})
	go func() {
		RunPendant(ctx, l, d)
		close(pendantDone)
	}()

	// RunPendant subscribes asynchronously; wait until it has.
	require.Eventually(t, func() bool {
		l.subscriberMu.Lock()
		defer l.subscriberMu.Unlock()
		return len(l.subscribers) == 1
	}, time.Second, time.Millisecond)

	port.feed(t, "ACTIVATE", "BAT 12.0", "INTENT bogus", "INTENT right", "DEACTIVATE")
	require.Eventually(t, func() bool { return len(d.Calls()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"activate", "intent:right", "deactivate"}, d.Calls())

	cancel()
	select {
	case <-pendantDone:
	case <-time.After(time.Second):
		t.Fatal("RunPendant did not return")
	}
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	l := New(port, "/dev/ttyACM0")
	mux := http.NewServeMux()
	l.AttachAdminRoutes(mux)

	do := func(method, target string, body io.Reader) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, body)
		if body != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.RemoteAddr = "127.0.0.1:12345"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	t.Run("console", func(t *testing.T) {
		rec := do(http.MethodGet, "/debug/motor", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "/dev/ttyACM0")
	})

	t.Run("send", func(t *testing.T) {
		form := url.Values{"line": {"V 0.1 0"}}
		rec := do(http.MethodPost, "/debug/motor-send", strings.NewReader(form.Encode()))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, port.Written(), "V 0.1 0\n")
	})

	t.Run("send requires POST", func(t *testing.T) {
		rec := do(http.MethodGet, "/debug/motor-send", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("send requires line", func(t *testing.T) {
		rec := do(http.MethodPost, "/debug/motor-send", strings.NewReader(""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServeTail(t *testing.T) {
	t.Parallel()
	d := NewDisabled()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeTail(w, r, d)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// closing the link ends the stream
	require.NoError(t, d.Close())
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	d := NewDisabled()

	require.NoError(t, d.SendLine("anything"))
	require.NoError(t, d.PublishVelocity(motion.Velocity{Linear: 0.1}))
	assert.Equal(t, motion.Velocity{Linear: 0.1}, d.Last())

	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	require.NoError(t, d.Close())
	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok, "subscribe after close returns a closed channel")
}
