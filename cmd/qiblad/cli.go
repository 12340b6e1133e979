package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/noorlabs/qiblad/internal/api"
	"github.com/noorlabs/qiblad/internal/geo"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/pkg/streaming"
)

const defaultServer = "http://localhost:8080"

// parseCoordinate accepts "lat,lon" as one argument or lat and lon as two.
func parseCoordinate(args []string) (geo.Coordinate, error) {
	switch len(args) {
	case 1:
		return geo.CoordinateFromString(args[0])
	case 2:
		return geo.CoordinateFromString(args[0] + "," + args[1])
	default:
		return geo.Coordinate{}, errors.New("expected a coordinate as lat,lon or lat lon")
	}
}

func runBearing(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("bearing", flag.ContinueOnError)
	fs.SetOutput(stdout)
	server := fs.String("server", "", "ask a running server instead of computing locally")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	coord, err := parseCoordinate(fs.Args())
	if err != nil {
		return err
	}

	res := api.QiblaResponse{Location: coord}
	if *server != "" {
		res, err = api.NewClient(*server).Qibla(ctx, coord)
		if err != nil {
			return err
		}
	} else {
		res.Result = geo.Qibla(coord)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err = fmt.Fprintf(stdout, "Qibla from %.4f, %.4f\nBearing:  %.2f° %s\nDistance: %.1f mi (%.1f km)\n",
		coord.Latitude, coord.Longitude,
		res.BearingDegrees, res.Cardinal,
		res.DistanceMiles, res.DistanceKilometers,
	)
	return err
}

func runPath(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("path", flag.ContinueOnError)
	fs.SetOutput(stdout)
	segments := fs.Int("segments", 64, "number of great-circle segments")
	if err := fs.Parse(args); err != nil {
		return err
	}
	coord, err := parseCoordinate(fs.Args())
	if err != nil {
		return err
	}

	line, err := geo.GreatCirclePath(coord, geo.Kaaba, *segments)
	if err != nil {
		return err
	}
	geometry, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode path: %w", err)
	}
	res := geo.Qibla(coord)
	feature := map[string]any{
		"type":     "Feature",
		"geometry": json.RawMessage(geometry),
		"properties": map[string]any{
			"bearingDegrees":     res.BearingDegrees,
			"distanceMiles":      res.DistanceMiles,
			"distanceKilometers": res.DistanceKilometers,
			"cardinal":           res.Cardinal,
		},
	}
	return json.NewEncoder(stdout).Encode(feature)
}

func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stdout)
	server := fs.String("server", defaultServer, "server URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected a device id")
	}

	snap, err := api.NewClient(*server).DeviceSession(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// runSimulate plays a device that reports a fixed location and heading until
// the session settles or the timeout passes.
func runSimulate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stdout)
	server := fs.String("server", defaultServer, "server URL")
	device := fs.String("device", "simulator", "device id")
	platform := fs.String("platform", "android", "platform reported in hello")
	heading := fs.Float64("heading", 0, "compass heading to report, degrees")
	rate := fs.Duration("rate", 100*time.Millisecond, "interval between orientation events")
	timeout := fs.Duration("timeout", 10*time.Second, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	coord, err := parseCoordinate(fs.Args())
	if err != nil {
		return err
	}

	d, err := api.DialDevice(*server, streaming.HelloPayload{
		Device:               *device,
		Platform:             *platform,
		OrientationSupported: true,
	}, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Send(streaming.TypeLocation, streaming.LocationPayload{
		Latitude:       coord.Latitude,
		Longitude:      coord.Longitude,
		AccuracyMeters: 10,
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	h := *heading
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("session did not settle: %w", ctx.Err())
		case <-d.Done():
			return errors.New("server closed the connection")
		case e := <-d.Errors:
			return fmt.Errorf("server rejected %s: %s", e.For, e.Error)
		case <-ticker.C:
			if err := d.Send(streaming.TypeOrientation, streaming.OrientationPayload{CompassHeading: &h}); err != nil {
				return err
			}
		case snap := <-d.States:
			printState(stdout, snap)
			if snap.State != session.StateInitializing {
				return nil
			}
		}
	}
}

func printState(w io.Writer, snap session.Snapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s bearing=%.2f needle=%.2f", snap.State, snap.BearingDegrees, snap.NeedleRotationDegrees)
	if snap.SmoothedHeading != nil {
		fmt.Fprintf(&b, " heading=%.2f", *snap.SmoothedHeading)
	}
	if snap.LocationError != "" {
		fmt.Fprintf(&b, " location_error=%s", snap.LocationError)
	}
	if snap.OrientationError != "" {
		fmt.Fprintf(&b, " orientation_error=%s", snap.OrientationError)
	}
	fmt.Fprintln(w, b.String())
}
