// Package main is the toji command line tool.
//
// toji compiles record schemas and reads and writes records in a key value
// store. Configuration is read from toji.yaml, TOJI_* environment variables
// and CLI flags, in increasing order of precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/weaver/Toji/internal/config"
)

const usage = `usage: toji [flags] <command> [args]

commands:
  schema FILE...   compile schema files and print the normalized schemas
  put TYPE         create one record per JSON line read from stdin
  get KEY...       print records as JSON
  rm KEY...        remove records
  dump [PREFIX]    print every stored key and value
  compact          reclaim the space of overwritten and deleted records
  watch FILE...    recompile schema files whenever they change

flags:
`

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "toji: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "toji.yaml", "Configuration file, created with defaults when missing")
	dataDir := flag.String("data-dir", "", "Data directory")
	backend := flag.String("backend", "", "Store backend (memory, jsonl, badger, bolt)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	keyStrategy := flag.String("key-strategy", "", "Record id generator (ksid, uuid)")
	jsonSchema := flag.Bool("jsonschema", false, "schema: print JSON Schema documents instead of record schemas")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Explicit flags win over the file and the environment.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["data-dir"] {
		cfg.DataDir = *dataDir
	}
	if set["backend"] {
		cfg.Backend = *backend
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["key-strategy"] {
		cfg.KeyStrategy = *keyStrategy
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	ll.Set(level)

	a := &app{cfg: cfg, log: logger, out: os.Stdout, in: os.Stdin, jsonSchema: *jsonSchema}
	err = a.run(ctx, flag.Args())
	if err2 := a.close(ctx); err == nil {
		err = err2
	}
	return err
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("toji %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
