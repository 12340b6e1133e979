package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noorlabs/qiblad/internal/api"
	"github.com/noorlabs/qiblad/internal/cache"
	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/session"
)

func TestParseCoordinate(t *testing.T) {
	c, err := parseCoordinate([]string{"40.7128,-74.006"})
	require.NoError(t, err)
	assert.Equal(t, 40.7128, c.Latitude)
	assert.Equal(t, -74.006, c.Longitude)

	c, err = parseCoordinate([]string{"21", "39"})
	require.NoError(t, err)
	assert.Equal(t, geo.Coordinate{Latitude: 21, Longitude: 39}, c)

	_, err = parseCoordinate(nil)
	assert.Error(t, err)
	_, err = parseCoordinate([]string{"1", "2", "3"})
	assert.Error(t, err)
	_, err = parseCoordinate([]string{"95,0"})
	assert.Error(t, err)
}

func TestRunBearing_Local(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"bearing", "40.7128,-74.0060"}, &out))

	text := out.String()
	assert.Contains(t, text, "Bearing:  58.")
	assert.Contains(t, text, "ENE")
	assert.Contains(t, text, " mi (")
}

func TestRunBearing_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runBearing(context.Background(), []string{"-json", "21", "39"}, &out))

	var res api.QiblaResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.InDelta(t, 61.076, res.BearingDegrees, 0.01)
	assert.InDelta(t, 60.64, res.DistanceMiles, 0.5)
	assert.Equal(t, 21.0, res.Location.Latitude)
}

func TestRunBearing_Server(t *testing.T) {
	deps := api.Dependencies{
		Registry: cache.NewRegistry[*session.Session](nil, 0),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	t.Cleanup(deps.Registry.Close)
	srv, err := api.NewServer(config.HTTPConfig{Mode: gin.TestMode}, session.DefaultConfig(), deps)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	require.NoError(t, runBearing(context.Background(), []string{"-server", ts.URL, "-json", "51.5074,-0.1278"}, &out))

	var res api.QiblaResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.InDelta(t, 118.988, res.BearingDegrees, 0.01)
	assert.Equal(t, "ESE", res.Cardinal)
}

func TestRunPath(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runPath([]string{"-segments", "4", "0,0"}, &out))

	var feature struct {
		Type     string `json:"type"`
		Geometry struct {
			Type        string      `json:"type"`
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &feature))
	assert.Equal(t, "Feature", feature.Type)
	assert.Equal(t, "LineString", feature.Geometry.Type)
	require.Len(t, feature.Geometry.Coordinates, 5)
	assert.InDelta(t, 0, feature.Geometry.Coordinates[0][0], 1e-9)
	assert.InDelta(t, geo.Kaaba.Latitude, feature.Geometry.Coordinates[4][1], 1e-9)
}

func TestRunPath_BadSegments(t *testing.T) {
	assert.Error(t, runPath([]string{"-segments", "0", "0,0"}, io.Discard))
}

func TestSessionConfig(t *testing.T) {
	cfg := sessionConfig(config.SessionConfig{
		ProbeWindow:           3 * time.Second,
		CalibrationWindow:     time.Second,
		MinCalibrationSamples: 4,
		SmoothingWindow:       7,
		StoreTimeout:          time.Second,
		IdleTimeout:           time.Hour,
	})
	assert.Equal(t, 3*time.Second, cfg.ProbeWindow)
	assert.Equal(t, time.Second, cfg.CalibrationWindow)
	assert.Equal(t, 4, cfg.MinCalibrationSamples)
	assert.Equal(t, 7, cfg.SmoothingWindow)
	assert.Equal(t, time.Second, cfg.StoreTimeout)
}

func TestRun_VersionAndUnknown(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "qiblad "+Version))

	out.Reset()
	err := run(context.Background(), []string{"teleport"}, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Commands:")
}

func TestRunStatus_RequiresDevice(t *testing.T) {
	assert.Error(t, runStatus(context.Background(), nil, io.Discard))
}
