package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/profile"

	"visit-counter/catalog"
	"visit-counter/config"
	"visit-counter/pipeline"
	"visit-counter/writer"
)

func main() {
	var (
		output       = flag.String("o", "-", "output JSON path (- for stdout)")
		catalogFile  = flag.String("catalog", "", "newline-delimited catalog of URLs to count")
		catalogDB    = flag.String("catalog-db", "", "sqlite database holding the catalog")
		catalogQuery = flag.String("catalog-query", catalog.DefaultQuery, "query returning one URL per row from -catalog-db")
		configPath   = flag.String("config", "", "YAML config file")
		preset       = flag.String("preset", "", "embedded config preset: local | mac-mini")
		profileMode  = flag.String("profile", "", "write a profile to the current directory: cpu | mem")

		workers   = flag.Int("workers", 0, "number of scanning units including the coordinator (0 = physical cores)")
		transport = flag.String("transport", "", "partial transport: shm | socket | file")
		window    = flag.Int("window", 0, "read window in bytes")
		calibrate = flag.Bool("calibrate", true, "size partitions by a calibration run; false splits evenly")
		compress  = flag.Bool("compress", false, "zstd-compress partials with the file transport")
		prefix    = flag.String("prefix", "", "output key prefix replacing the stripped domain")
		tempDir   = flag.String("tempdir", "", "directory for transport scratch files")
	)
	var loglevel slog.Level
	flag.TextVar(&loglevel, "loglevel", slog.LevelInfo, "log level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path-to-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loglevel,
	})))

	if flag.NArg() < 1 || (*catalogFile == "") == (*catalogDB == "") {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = *workers
		case "transport":
			cfg.Transport = *transport
		case "window":
			cfg.ReadWindow = *window
		case "calibrate":
			cfg.Calibrate = *calibrate
		case "compress":
			cfg.CompressFile = *compress
		case "prefix":
			cfg.OutputPrefix = *prefix
		case "tempdir":
			cfg.TempDir = *tempDir
		}
	})

	switch *profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	default:
		slog.Error("unknown profile mode", "mode", *profileMode)
		os.Exit(2)
	}

	if err := run(cfg, path, *output, *catalogFile, *catalogDB, *catalogQuery); err != nil {
		slog.Error("count failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path, preset string) (config.Config, error) {
	switch {
	case path != "" && preset != "":
		return config.Config{}, fmt.Errorf("-config and -preset are exclusive")
	case path != "":
		return config.Load(path)
	case preset != "":
		return config.Preset(preset)
	default:
		return config.Default(), nil
	}
}

func run(cfg config.Config, path, output, catalogFile, catalogDB, catalogQuery string) error {
	start := time.Now()
	ctx := context.Background()

	var (
		urls []string
		err  error
	)
	if catalogDB != "" {
		urls, err = catalog.FromSQLite(ctx, catalogDB, catalogQuery)
	} else {
		urls, err = catalog.FromFile(catalogFile)
	}
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	p, err := pipeline.New(cfg, slog.Default())
	if err != nil {
		return err
	}
	t, err := p.Setup(urls, path)
	if err != nil {
		return err
	}
	res, err := p.Load(ctx, path, t)
	if err != nil {
		return err
	}

	writeStart := time.Now()
	var out io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := writer.Write(out, t, res.Counts, cfg.WriteBuffer); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if f, ok := out.(*os.File); ok && f != os.Stdout {
		if err := f.Close(); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	slog.Debug("Write complete", "path", output, "elapsed", time.Since(writeStart))

	rows, skipped := res.Rows()
	slog.Info("Complete",
		"urls", t.URLs(),
		"rows", rows,
		"skipped", skipped,
		"visits", res.Counts.Total(),
		"mem", pipeline.ReadMemoryUsage(),
		"elapsed", time.Since(start),
	)
	return nil
}
