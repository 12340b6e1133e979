// Package redisstorage keeps device state in Redis: one hash per device plus a
// capped list of recent fixes. Keys expire after the configured TTL of inactivity.
package redisstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/geo"
)

// DefaultHistory is how many fixes are kept per device.
const DefaultHistory = 32

const (
	fieldLatitude  = "lat"
	fieldLongitude = "lon"
	fieldAccuracy  = "acc"
	fieldFixedAt   = "fixedAt"
	fieldGranted   = "granted"
)

var errEmptyDevice = errors.New("redisstorage: empty device key")

// Backend stores device state in Redis
type Backend struct {
	client  redis.UniversalClient
	cfg     config.RedisConfig
	history int64
	log     *slog.Logger
}

// New creates a backend with its own client.
func New(cfg config.RedisConfig, log *slog.Logger) *Backend {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg, log)
}

// NewWithClient creates a backend on an existing client.
func NewWithClient(client redis.UniversalClient, cfg config.RedisConfig, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		client:  client,
		cfg:     cfg,
		history: DefaultHistory,
		log:     log,
	}
}

// Init checks the server is reachable.
func (b *Backend) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", b.cfg.Addr, err)
	}
	b.log.Info("Connected to redis", "addr", b.cfg.Addr, "db", b.cfg.DB)
	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) deviceKey(device string) string {
	return b.cfg.KeyPrefix + device
}

func (b *Backend) historyKey(device string) string {
	return b.cfg.KeyPrefix + device + ":fixes"
}

func (b *Backend) touch(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if b.cfg.TTL <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, b.cfg.TTL)
	}
}

// LastKnown returns the stored position.
func (b *Backend) LastKnown(ctx context.Context, device string) (geo.Coordinate, bool, error) {
	if device == "" {
		return geo.Coordinate{}, false, errEmptyDevice
	}
	vals, err := b.client.HMGet(ctx, b.deviceKey(device), fieldLatitude, fieldLongitude).Result()
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("failed to load device %s: %w", device, err)
	}
	return parseCoordinate(vals)
}

// parseCoordinate decodes an HMGET reply of latitude and longitude.
func parseCoordinate(vals []any) (geo.Coordinate, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return geo.Coordinate{}, false, nil
	}
	latS, ok1 := vals[0].(string)
	lonS, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return geo.Coordinate{}, false, fmt.Errorf("unexpected coordinate reply %v", vals)
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("bad latitude %q: %w", latS, err)
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("bad longitude %q: %w", lonS, err)
	}
	c := geo.Coordinate{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return geo.Coordinate{}, false, err
	}
	return c, true, nil
}

// SaveFix stores the position and pushes the fix onto the capped history list.
func (b *Backend) SaveFix(ctx context.Context, device string, fix geo.Fix) error {
	if device == "" {
		return errEmptyDevice
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}
	encoded, err := encodeFix(fix)
	if err != nil {
		return err
	}

	key, hist := b.deviceKey(device), b.historyKey(device)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldLatitude, strconv.FormatFloat(fix.Coordinate.Latitude, 'f', -1, 64),
			fieldLongitude, strconv.FormatFloat(fix.Coordinate.Longitude, 'f', -1, 64),
			fieldAccuracy, strconv.FormatFloat(fix.AccuracyMeters, 'f', -1, 64),
			fieldFixedAt, fix.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		pipe.LPush(ctx, hist, encoded)
		pipe.LTrim(ctx, hist, 0, b.history-1)
		b.touch(ctx, pipe, key, hist)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save fix for %s: %w", device, err)
	}
	return nil
}

// PermissionGranted reports the stored flag; unknown devices have not granted.
func (b *Backend) PermissionGranted(ctx context.Context, device string) (bool, error) {
	if device == "" {
		return false, errEmptyDevice
	}
	v, err := b.client.HGet(ctx, b.deviceKey(device), fieldGranted).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load permission for %s: %w", device, err)
	}
	return v == "1", nil
}

// SetPermissionGranted stores the flag.
func (b *Backend) SetPermissionGranted(ctx context.Context, device string, granted bool) error {
	if device == "" {
		return errEmptyDevice
	}
	v := "0"
	if granted {
		v = "1"
	}
	key := b.deviceKey(device)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldGranted, v)
		b.touch(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store permission for %s: %w", device, err)
	}
	return nil
}

// RecentFixes returns up to limit fixes, newest first. A limit below 1 returns the whole list.
func (b *Backend) RecentFixes(ctx context.Context, device string, limit int) ([]geo.Fix, error) {
	if device == "" {
		return nil, errEmptyDevice
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.LRange(ctx, b.historyKey(device), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load fixes for %s: %w", device, err)
	}

	out := make([]geo.Fix, 0, len(raw))
	for _, s := range raw {
		f, err := decodeFix(s)
		if err != nil {
			b.log.Warn("Skipping corrupt fix entry", "device", device, "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

type fixEntry struct {
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	AccuracyMeters float64   `json:"acc"`
	Timestamp      time.Time `json:"ts"`
}

func encodeFix(f geo.Fix) (string, error) {
	b, err := json.Marshal(fixEntry{
		Latitude:       f.Coordinate.Latitude,
		Longitude:      f.Coordinate.Longitude,
		AccuracyMeters: f.AccuracyMeters,
		Timestamp:      f.Timestamp.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode fix: %w", err)
	}
	return string(b), nil
}

func decodeFix(s string) (geo.Fix, error) {
	var e fixEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return geo.Fix{}, err
	}
	return geo.Fix{
		Coordinate:     geo.Coordinate{Latitude: e.Latitude, Longitude: e.Longitude},
		AccuracyMeters: e.AccuracyMeters,
		Timestamp:      e.Timestamp,
	}, nil
}
