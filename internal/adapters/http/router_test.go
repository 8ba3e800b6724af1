package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voice-client/internal/app/capability"
	"github.com/dkeye/voice-client/internal/app/media"
	"github.com/dkeye/voice-client/internal/app/transform"
	"github.com/dkeye/voice-client/internal/config"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

type fakeBackend struct {
	mu       sync.Mutex
	sid      domain.SessionID
	joinErr  error
	videoErr error
	state    media.State
	calls    []string
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) Join(_ context.Context, sid domain.SessionID) error {
	b.record("join")
	if b.joinErr != nil {
		return b.joinErr
	}
	b.mu.Lock()
	b.sid = sid
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Leave() {
	b.record("leave")
	b.mu.Lock()
	b.sid = ""
	b.mu.Unlock()
}

func (b *fakeBackend) Session() SessionView {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sid == "" {
		return SessionView{State: "disconnected"}
	}
	return SessionView{SessionID: string(b.sid), State: "connected"}
}

func (b *fakeBackend) StartVideo(context.Context) (ProducerView, error) {
	b.record("video")
	if b.videoErr != nil {
		return ProducerView{}, b.videoErr
	}
	return ProducerView{ID: "p1", Kind: "video", Source: "camera"}, nil
}

func (b *fakeBackend) StopVideo() { b.record("video-stop") }
func (b *fakeBackend) StartAudio(context.Context) (ProducerView, error) {
	return ProducerView{ID: "p2", Kind: "audio", Source: "microphone"}, nil
}
func (b *fakeBackend) StopAudio() {}
func (b *fakeBackend) ToggleAudio(context.Context) (media.State, error) {
	b.state.Audio = true
	b.state.AudioPaused = !b.state.AudioPaused
	return b.state, nil
}
func (b *fakeBackend) StartScreen(_ context.Context, withAudio bool) error {
	b.record(fmt.Sprintf("screen audio=%v", withAudio))
	b.state.ScreenSharing = true
	return nil
}
func (b *fakeBackend) PublishScreen(context.Context) ([]ProducerView, error) {
	if !b.state.ScreenSharing {
		return nil, media.ErrNotSharing
	}
	return []ProducerView{{ID: "p3", Kind: "video", Source: "screen-video"}}, nil
}
func (b *fakeBackend) StopScreen()             { b.state.ScreenSharing = false }
func (b *fakeBackend) MediaState() media.State { return b.state }
func (b *fakeBackend) Capabilities(context.Context) (capability.Report, error) {
	return capability.Report{Mechanism: transform.MechanismScript, Script: true}, nil
}
func (b *fakeBackend) Consumers() []ConsumerView {
	return []ConsumerView{{ID: "c1", ProducerID: "p9", Kind: "audio"}}
}
func (b *fakeBackend) TransformStats() transform.Stats {
	return transform.Stats{Mechanism: transform.MechanismScript, Workers: 2}
}

func newTestRouter(t *testing.T, b Backend, limit int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{
		Mode:    "test",
		Control: config.ControlConfig{Secret: "secret", RateLimit: limit, RateWindow: time.Minute},
	}
	return SetupRouter(ctx, cfg, b)
}

func do(r *gin.Engine, method, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateSessionJoinsFreshID(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRouter(t, b, 0)

	w := do(r, http.MethodPost, "/api/session")
	require.Equal(t, http.StatusCreated, w.Code)

	var got SessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	_, err := domain.ParseSessionID(got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "connected", got.State)
}

func TestJoinSessionValidatesID(t *testing.T) {
	tests := []struct {
		name string
		sid  string
		err  error
		want int
	}{
		{"valid", validSID, nil, http.StatusOK},
		{"malformed", "not-a-uuid", nil, http.StatusBadRequest},
		{"relay unreachable", validSID, fmt.Errorf("dial: %w", domain.ErrChannelNotReady), http.StatusConflict},
		{"unexpected", validSID, fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{joinErr: tt.err}
			r := newTestRouter(t, b, 0)
			w := do(r, http.MethodPost, "/api/session/"+tt.sid+"/join")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSessionCookieRemembersLastSession(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRouter(t, b, 0)

	w := do(r, http.MethodPost, "/api/session/"+validSID+"/join")
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	b.Leave()
	w = do(r, http.MethodGet, "/api/session", cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "disconnected", got.State)
	assert.Equal(t, validSID, got.LastSessionID)
}

func TestLeaveSession(t *testing.T) {
	b := &fakeBackend{sid: validSID}
	r := newTestRouter(t, b, 0)

	w := do(r, http.MethodDelete, "/api/session")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"leave"}, b.calls)
}

func TestMediaErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("capture video: %w", domain.ErrDeviceUnavailable), http.StatusNotFound},
		{fmt.Errorf("capture video: %w", domain.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("capture video: %w", domain.ErrDeviceBusy), http.StatusConflict},
		{domain.ErrUnencryptedRefused, http.StatusPreconditionFailed},
		{domain.ErrTransportMissing, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newTestRouter(t, &fakeBackend{videoErr: tt.err}, 0)
			w := do(r, http.MethodPost, "/api/media/video/start")
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestScreenShareFlow(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRouter(t, b, 0)

	w := do(r, http.MethodPost, "/api/media/screen/publish")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/media/screen/start?audio=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, b.calls, "screen audio=true")

	w = do(r, http.MethodPost, "/api/media/screen/publish")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"screen-video"`))

	w = do(r, http.MethodPost, "/api/media/screen/start?audio=maybe")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToggleAudioReportsState(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{}, 0)
	w := do(r, http.MethodPost, "/api/media/audio/toggle")
	require.Equal(t, http.StatusOK, w.Code)

	var st media.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Audio)
	assert.True(t, st.AudioPaused)
}

func TestReadOnlyRoutes(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{}, 0)
	for path, want := range map[string]string{
		"/api/capabilities":    `"mechanism":"script"`,
		"/api/consumers":       `"producerId":"p9"`,
		"/api/transform/stats": `"workers":2`,
		"/api/media":           `"video":false`,
	} {
		w := do(r, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), want, path)
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	b := &fakeBackend{}
	r := newTestRouter(t, b, 2)

	first := do(r, http.MethodPost, "/api/media/video/stop")
	require.Equal(t, http.StatusOK, first.Code)
	cookies := first.Result().Cookies()

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/media/video/stop", cookies...).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/media/video/stop", cookies...).Code)
	// reads are not limited
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/media", cookies...).Code)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(time.Minute)
	rl.Sweep()
	assert.Empty(t, rl.history)
}
