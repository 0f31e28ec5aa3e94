// Command alignscan scans a batch of rasters from the command line and
// prints the alignment metadata as JSON. It runs the same pipeline as the
// service but never touches redis or the upstream WFS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/airbusgeo/godal"

	"github.com/mohammed-shakir/geo-align/internal/align"
	"github.com/mohammed-shakir/geo-align/internal/core/model"
	"github.com/mohammed-shakir/geo-align/internal/core/observability"
	"github.com/mohammed-shakir/geo-align/internal/logger"
	h3mapper "github.com/mohammed-shakir/geo-align/internal/mapper/h3"
)

func main() {
	os.Exit(run())
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run() int {
	target := flag.String("target", getenv("TARGET_SRS", ""), "target SRS, e.g. EPSG:3006 (empty keeps native SRS)")
	reproject := flag.Bool("reproject", false, "materialize warped sidecar files next to the inputs")
	res := flag.Int("res", 8, "H3 resolution for coverage cells")
	level := flag.String("log-level", getenv("LOG_LEVEL", "warn"), "log level")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: alignscan [flags] raster.tif ...")
		flag.PrintDefaults()
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     *level,
		Console:   true,
		Service:   "geo-align",
		Component: "alignscan",
	}, os.Stderr)
	appLog := logger.NewSlog(&zl)

	godal.RegisterAll()
	observability.Init(nil, false)

	svc := align.New(appLog, align.Config{
		TargetSRS: strings.TrimSpace(*target),
		Reproject: *reproject,
		H3Res:     *res,
	}, h3mapper.New())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := svc.ScanRasters(ctx, model.ScanRequest{Paths: paths})
	if err != nil {
		appLog.Error("scan failed", "err", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		appLog.Error("encode scan result", "err", err)
		return 1
	}
	return 0
}
