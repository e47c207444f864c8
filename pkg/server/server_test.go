package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
	"github.com/gridsense/gridsense/pkg/metrics"
	"github.com/gridsense/gridsense/pkg/syncer"
	"github.com/gridsense/gridsense/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu          sync.Mutex
	view        types.View
	thresholds  []float64
	refreshes   int
	refreshable bool
	subscribers map[int]func(types.View)
	nextSub     int
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		view:        types.View{Threshold: 1500, ConnectionState: types.ConnectionStateOpen, Connected: true},
		refreshable: true,
		subscribers: map[int]func(types.View){},
	}
}

func (f *fakeSyncer) View() types.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSyncer) SetThreshold(v float64) error {
	if v < 0 {
		return syncer.ErrInvalidThreshold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = append(f.thresholds, v)
	f.view.Threshold = v
	return nil
}

func (f *fakeSyncer) Refresh() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshable
}

func (f *fakeSyncer) Subscribe(fn func(types.View)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := f.nextSub
	f.subscribers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subscribers, id)
	}
}

func (f *fakeSyncer) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// publish replaces the view and notifies every subscriber.
func (f *fakeSyncer) publish(v types.View) {
	f.mu.Lock()
	f.view = v
	subs := make([]func(types.View), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

type mockForecaster struct {
	mock.Mock
}

func (m *mockForecaster) Forecast(ctx context.Context, hours int) (types.Forecast, error) {
	args := m.Called(ctx, hours)
	return args.Get(0).(types.Forecast), args.Error(1)
}

func newTestServer(s Syncer, f Forecaster) *Server {
	return &Server{
		sync:       s,
		forecaster: f,
		metrics:    metrics.New(nil),
		serverName: "gridsense-test",
	}
}

func TestHandleView(t *testing.T) {
	fs := newFakeSyncer()
	srv := newTestServer(fs, nil)
	h := srv.setupHandler()

	req := httptest.NewRequest("GET", "/api/view", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "gridsense-test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1500.0, got["threshold"])
	assert.Equal(t, "open", got["connectionState"])
	assert.Equal(t, true, got["connected"])
	assert.Nil(t, got["snapshot"])
}

func TestHandleViewGzip(t *testing.T) {
	fs := newFakeSyncer()
	fs.view.Snapshot = &types.Snapshot{DailyEnergy: make([]types.EnergyBucket, 200)}
	srv := newTestServer(fs, nil)

	req := httptest.NewRequest("GET", "/api/view", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"dailyEnergy"`)
}

func TestCacheDuration(t *testing.T) {
	srv := newTestServer(newFakeSyncer(), nil)
	srv.webCacheDuration = 5 * time.Second

	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/view", nil))
	assert.Equal(t, "private, max-age=5", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/refresh", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestHandleThreshold(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSet    []float64
	}{
		{name: "Valid", body: `{"threshold":2000}`, wantStatus: http.StatusOK, wantSet: []float64{2000}},
		{name: "Fractional", body: `{"threshold":1250.5}`, wantStatus: http.StatusOK, wantSet: []float64{1250.5}},
		{name: "Negative", body: `{"threshold":-5}`, wantStatus: http.StatusBadRequest},
		{name: "Missing", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "NotJSON", body: `threshold=5`, wantStatus: http.StatusBadRequest},
		{name: "TooLarge", body: `{"threshold":1` + strings.Repeat("0", 2048) + `}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSyncer()
			srv := newTestServer(fs, nil)

			req := httptest.NewRequest("POST", "/api/threshold", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.setupHandler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantSet, fs.thresholds)
			if tt.wantStatus == http.StatusOK {
				var v types.View
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
				assert.Equal(t, tt.wantSet[0], v.Threshold)
			}
		})
	}

	t.Run("WrongMethod", func(t *testing.T) {
		srv := newTestServer(newFakeSyncer(), nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/threshold", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandleRefresh(t *testing.T) {
	fs := newFakeSyncer()
	srv := newTestServer(fs, nil)

	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/refresh", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"refreshing"}`, w.Body.String())

	// polling stopped after rejected credentials
	fs.refreshable = false
	w = httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, httptest.NewRequest("POST", "/api/refresh", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 2, fs.refreshes)
}

func TestHandleForecast(t *testing.T) {
	day := func(d int) types.EnergyBucket {
		return types.EnergyBucket{Date: time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).Format(types.DateLayout), TotalEnergy: float64(d)}
	}
	fs := newFakeSyncer()
	snap := &types.Snapshot{}
	for d := 1; d <= 10; d++ {
		snap.DailyEnergy = append(snap.DailyEnergy, day(d))
	}
	fs.view.Snapshot = snap

	t.Run("Default", func(t *testing.T) {
		f := &mockForecaster{}
		f.On("Forecast", mock.Anything, 24).Return(types.Forecast{
			Hours: 24,
			Predictions: []types.ForecastPoint{
				{Timestamp: time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC), PredictedEnergy: 1.5},
			},
		}, nil)
		srv := newTestServer(fs, f)

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var res forecastResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, 24, res.Hours)
		require.Len(t, res.History, 7)
		assert.Equal(t, "2024-01-04", res.History[0].Date)
		assert.Equal(t, "2024-01-10", res.History[6].Date)
		require.Len(t, res.Predictions, 1)
		assert.Equal(t, 1.5, res.Predictions[0].PredictedEnergy)
		f.AssertExpectations(t)
	})

	t.Run("Hours", func(t *testing.T) {
		f := &mockForecaster{}
		f.On("Forecast", mock.Anything, 48).Return(types.Forecast{Hours: 48}, nil)
		srv := newTestServer(newFakeSyncer(), f)

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast?hours=48", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"hours":48,"history":[],"predictions":[]}`, w.Body.String())
	})

	t.Run("InvalidHours", func(t *testing.T) {
		f := &mockForecaster{}
		srv := newTestServer(fs, f)
		for _, q := range []string{"0", "169", "abc", "-1"} {
			w := httptest.NewRecorder()
			srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast?hours="+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
		f.AssertNotCalled(t, "Forecast", mock.Anything, mock.Anything)
	})

	t.Run("BackendError", func(t *testing.T) {
		f := &mockForecaster{}
		f.On("Forecast", mock.Anything, 24).Return(types.Forecast{}, &types.FetchError{
			Kind: types.ErrorKindInvalidResponse,
			Op:   "predict-energy",
		})
		srv := newTestServer(fs, f)

		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), "invalid_response")
	})

	t.Run("NoForecaster", func(t *testing.T) {
		srv := newTestServer(fs, nil)
		w := httptest.NewRecorder()
		srv.setupHandler().ServeHTTP(w, httptest.NewRequest("GET", "/api/forecast", nil))
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(newFakeSyncer(), nil)
	h := srv.setupHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/view", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gridsense_http_requests_total{route="view",status="200"} 1`)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(newFakeSyncer(), nil)
	srv.oidcAudience = "test-audience"
	srv.oidcVerifier = func(ctx context.Context, token string) (*oidc.IDToken, error) {
		if token == "valid-token" {
			return &oidc.IDToken{Subject: "user-1", Audience: []string{"test-audience"}}, nil
		}
		return nil, assert.AnError
	}
	h := srv.setupHandler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "Valid", header: "Bearer valid-token", want: http.StatusOK},
		{name: "Invalid", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "Missing", header: "", want: http.StatusUnauthorized},
		{name: "NotBearer", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/view", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("QueryTokenOnlyForWebsocket", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/api/view?access_token=valid-token", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("HealthzOpen", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readView(t *testing.T, conn *websocket.Conn) types.View {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg struct {
		Type string     `json:"type"`
		Data types.View `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "view", msg.Type)
	return msg.Data
}

func TestHandleStream(t *testing.T) {
	fs := newFakeSyncer()
	srv := newTestServer(fs, nil)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Accept-Encoding", "gzip")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/stream"), header)
	require.NoError(t, err)
	defer conn.Close()

	first := readView(t, conn)
	assert.Equal(t, 1500.0, first.Threshold)
	require.Eventually(t, func() bool { return fs.subscriberCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	fs.publish(types.View{Threshold: 2000, ConnectionState: types.ConnectionStateClosed})
	next := readView(t, conn)
	assert.Equal(t, 2000.0, next.Threshold)
	assert.False(t, next.Connected)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool { return fs.subscriberCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHandleStreamAuth(t *testing.T) {
	srv := newTestServer(newFakeSyncer(), nil)
	srv.oidcVerifier = func(ctx context.Context, token string) (*oidc.IDToken, error) {
		if token == "valid-token" {
			return &oidc.IDToken{Subject: "user-1"}, nil
		}
		return nil, assert.AnError
	}
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/stream?access_token=valid-token"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1500.0, readView(t, conn).Threshold)
}
