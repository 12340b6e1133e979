package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/cache"
	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/internal/storage/memory"
)

type testEnv struct {
	server   *Server
	clock    *clockwork.FakeClock
	registry *cache.Registry[*session.Session]
	store    *memory.Backend
}

func newTestEnv(t *testing.T, mutate func(*Dependencies)) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	registry := cache.NewRegistry[*session.Session](clock, 0)
	store := memory.New(config.MemoryConfig{History: 8})

	deps := Dependencies{
		Registry: registry,
		Store:    store,
		History:  store,
		Clock:    clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(config.HTTPConfig{Mode: gin.TestMode}, session.DefaultConfig(), deps)
	require.NoError(t, err)
	t.Cleanup(deps.Registry.Close)
	return &testEnv{server: srv, clock: clock, registry: deps.Registry, store: store}
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(config.HTTPConfig{Mode: gin.TestMode}, session.DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestNewServer_RejectsUnknownMode(t *testing.T) {
	deps := Dependencies{Registry: cache.NewRegistry[*session.Session](nil, 0)}
	_, err := NewServer(config.HTTPConfig{Mode: "loud"}, session.DefaultConfig(), deps)
	assert.ErrorContains(t, err, "unknown gin mode")
}

func TestHealthcheck(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/healthcheck")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Sessions)
}

func TestQibla_LatitudeLongitude(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/qibla?latitude=40.7128&longitude=-74.0060")
	require.Equal(t, http.StatusOK, w.Code)

	var res QiblaResponse
	decode(t, w, &res)
	assert.InDelta(t, 58.48, res.BearingDegrees, 0.5)
	assert.InDelta(t, 6404.39, res.DistanceMiles, 50)
	assert.Equal(t, "ENE", res.Cardinal)
	assert.Equal(t, 40.7128, res.Location.Latitude)
}

func TestQibla_CoordsParam(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/qibla?coords=21,39")
	require.Equal(t, http.StatusOK, w.Code)

	var res QiblaResponse
	decode(t, w, &res)
	assert.InDelta(t, 61.076, res.BearingDegrees, 0.01)
}

func TestQibla_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"missing":      "/api/qibla",
		"half":         "/api/qibla?latitude=10",
		"not a float":  "/api/qibla?latitude=abc&longitude=10",
		"out of range": "/api/qibla?latitude=91&longitude=0",
		"bad coords":   "/api/qibla?coords=1;2",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.get(t, target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body struct {
				Error string `json:"error"`
			}
			decode(t, w, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestQiblaPath_GeoJSONFeature(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/qibla/path?latitude=51.5074&longitude=-0.1278&segments=8")
	require.Equal(t, http.StatusOK, w.Code)

	var feature struct {
		Type     string `json:"type"`
		Geometry struct {
			Type        string      `json:"type"`
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			BearingDegrees float64 `json:"bearingDegrees"`
			Cardinal       string  `json:"cardinal"`
		} `json:"properties"`
	}
	decode(t, w, &feature)
	assert.Equal(t, "Feature", feature.Type)
	assert.Equal(t, "LineString", feature.Geometry.Type)
	require.Len(t, feature.Geometry.Coordinates, 9)
	last := feature.Geometry.Coordinates[8]
	assert.InDelta(t, geo.Kaaba.Longitude, last[0], 1e-9)
	assert.InDelta(t, geo.Kaaba.Latitude, last[1], 1e-9)
	assert.InDelta(t, 118.988, feature.Properties.BearingDegrees, 0.01)
	assert.Equal(t, "ESE", feature.Properties.Cardinal)
}

func TestQiblaPath_SegmentsOutOfRange(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, seg := range []string{"0", "2000", "x"} {
		w := env.get(t, "/api/qibla/path?coords=0,0&segments="+seg)
		assert.Equal(t, http.StatusBadRequest, w.Code, "segments=%s", seg)
	}
}

func TestQiblaPath_AntipodeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/qibla/path?latitude=-21.4224779&longitude=-140.1748168")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the bearing itself is still defined there
	w = env.get(t, "/api/qibla?latitude=-21.4224779&longitude=-140.1748168")
	require.Equal(t, http.StatusOK, w.Code)
	var res QiblaResponse
	decode(t, w, &res)
	assert.InDelta(t, 12437.6, res.DistanceMiles, 1)
}

func TestSessions_EmptyAndMissing(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.get(t, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	decode(t, w, &list)
	assert.Empty(t, list.Sessions)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/sessions/unknown").Code)
	assert.Equal(t, http.StatusNotFound, env.get(t, "/api/devices/phone/session").Code)
}

func TestDeviceFixes(t *testing.T) {
	env := newTestEnv(t, nil)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.SaveFix(context.Background(), "phone", geo.Fix{
			Coordinate: geo.Coordinate{Latitude: float64(i), Longitude: 10},
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := env.get(t, "/api/devices/phone/fixes?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Device string    `json:"device"`
		Fixes  []geo.Fix `json:"fixes"`
	}
	decode(t, w, &body)
	assert.Equal(t, "phone", body.Device)
	require.Len(t, body.Fixes, 2)
	assert.Equal(t, 2.0, body.Fixes[0].Coordinate.Latitude)
	assert.Equal(t, 1.0, body.Fixes[1].Coordinate.Latitude)

	w = env.get(t, "/api/devices/other/fixes")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	assert.NotNil(t, body.Fixes)
	assert.Empty(t, body.Fixes)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/devices/phone/fixes?limit=0").Code)
}

func TestDeviceFixes_LimitCapped(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusOK, env.get(t, "/api/devices/phone/fixes?limit=500").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/devices/phone/fixes?limit=501").Code)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/api/devices/phone/fixes?limit=1000000").Code)
}

func TestDeviceFixes_NoHistory(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.History = nil })
	assert.Equal(t, http.StatusNotImplemented, env.get(t, "/api/devices/phone/fixes").Code)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.Counters = func(context.Context) (map[string]int64, error) {
			return map[string]int64{"qibla.session.fixes{accepted=true}": 4}, nil
		}
	})
	w := env.get(t, "/api/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Counters map[string]int64 `json:"counters"`
	}
	decode(t, w, &body)
	assert.Equal(t, int64(4), body.Counters["qibla.session.fixes{accepted=true}"])
}

func TestMetrics_Error(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.Counters = func(context.Context) (map[string]int64, error) {
			return nil, errors.New("reader shut down")
		}
	})
	assert.Equal(t, http.StatusInternalServerError, env.get(t, "/api/metrics").Code)
}

func TestMetrics_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.get(t, "/api/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"counters":{}}`, w.Body.String())
}

func TestCheckOrigin(t *testing.T) {
	deps := Dependencies{Registry: cache.NewRegistry[*session.Session](nil, 0)}
	srv, err := NewServer(config.HTTPConfig{Mode: gin.TestMode, AllowedOrigins: []string{"https://app.example"}}, session.DefaultConfig(), deps)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/session", nil)
	assert.True(t, srv.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, srv.checkOrigin(req))
}
