package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSID domain.SessionID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

type recordHandler struct {
	mu     sync.Mutex
	frames []string
	closed chan error
}

func newRecordHandler() *recordHandler {
	return &recordHandler{closed: make(chan error, 1)}
}

func (h *recordHandler) OnFrame(f core.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, string(f))
}

func (h *recordHandler) OnClosed(err error) { h.closed <- err }

func (h *recordHandler) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

// echoRelay echoes every text message and can be told to hang up.
func echoRelay(t *testing.T, hangup <-chan struct{}) (*httptest.Server, <-chan string) {
	t.Helper()
	rooms := make(chan string, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		rooms <- r.URL.Query().Get("roomId")
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		go func() {
			<-hangup
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			_ = ws.Close()
		}()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rooms
}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		base string
		want string
		err  bool
	}{
		{"ws://relay:8080", "ws://relay:8080/ws?roomId=" + string(testSID), false},
		{"https://relay/", "wss://relay/ws?roomId=" + string(testSID), false},
		{"http://relay/base", "ws://relay/base/ws?roomId=" + string(testSID), false},
		{"ftp://relay", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.base, func(t *testing.T) {
			got, err := SessionURL(tc.base, testSID)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDialRoundTripAndLocalClose(t *testing.T) {
	srv, rooms := echoRelay(t, make(chan struct{}))
	d := NewDialer(Options{URL: strings.Replace(srv.URL, "http", "ws", 1)})
	h := newRecordHandler()

	conn, err := d.Dial(context.Background(), testSID, h)
	require.NoError(t, err)
	assert.Equal(t, string(testSID), <-rooms)

	require.NoError(t, conn.TrySend(core.Frame(`{"action":"Init"}`)))
	require.Eventually(t, func() bool { return len(h.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"action":"Init"}`}, h.all())

	conn.Close()
	select {
	case err := <-h.closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called")
	}
	require.ErrorIs(t, conn.TrySend(core.Frame("{}")), core.ErrClosed)
	conn.Close()
}

func TestRelayHangupReportsError(t *testing.T) {
	hangup := make(chan struct{})
	srv, _ := echoRelay(t, hangup)
	d := NewDialer(Options{URL: srv.URL})
	h := newRecordHandler()

	conn, err := d.Dial(context.Background(), testSID, h)
	require.NoError(t, err)
	close(hangup)

	select {
	case err := <-h.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not called")
	}
	require.ErrorIs(t, conn.TrySend(core.Frame("{}")), core.ErrClosed)
}

func TestReadLimitClosesChannel(t *testing.T) {
	srv, _ := echoRelay(t, make(chan struct{}))
	d := NewDialer(Options{URL: srv.URL, ReadLimit: 16})
	h := newRecordHandler()

	conn, err := d.Dial(context.Background(), testSID, h)
	require.NoError(t, err)
	require.NoError(t, conn.TrySend(core.Frame(strings.Repeat("x", 64))))

	select {
	case err := <-h.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame accepted")
	}
	assert.Empty(t, h.all())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	d := NewDialer(Options{URL: srv.URL})

	_, err := d.Dial(context.Background(), testSID, newRecordHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
