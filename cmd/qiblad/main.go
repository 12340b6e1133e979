// Command qiblad serves the Qibla compass engine and offers one-shot bearing tools.
//
// Usage:
//
//	qiblad [serve] [-config dir] [-addr :8080]
//	qiblad bearing [-server url] [-json] <lat,lon | lat lon>
//	qiblad path [-segments n] <lat,lon | lat lon>
//	qiblad status [-server url] <device>
//	qiblad simulate [-server url] [-device id] [-platform name] [-heading deg] <lat,lon | lat lon>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// BuildDate can be set at build time via ldflags
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

const usage = `qiblad %s (built %s)

Commands:
  serve      run the HTTP and websocket server (default)
  bearing    print the Qibla bearing and distance from a coordinate
  path       print the great-circle route to the Kaaba as GeoJSON
  status     print the live session of a device
  simulate   stream a fake device into a running server
  version    print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = strings.ToLower(args[0])
		args = args[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, args)
	case "bearing":
		return runBearing(ctx, args, stdout)
	case "path":
		return runPath(args, stdout)
	case "status":
		return runStatus(ctx, args, stdout)
	case "simulate":
		return runSimulate(ctx, args, stdout)
	case "version":
		_, err := fmt.Fprintf(stdout, "qiblad %s (built %s)\n", Version, BuildDate)
		return err
	case "help":
		_, err := fmt.Fprintf(stdout, usage, Version, BuildDate)
		return err
	default:
		fmt.Fprintf(stdout, usage, Version, BuildDate)
		return fmt.Errorf("unknown command %q", command)
	}
}
