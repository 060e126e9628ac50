package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/andesco/sieve/handlers"
	"github.com/andesco/sieve/pkg/fetch"
	"github.com/andesco/sieve/pkg/rewrite"
	"github.com/andesco/sieve/pkg/ruleset"
)

var version = "dev"

func main() {
	parser := argparse.NewParser("sieve", "Ad-stripping HTML rewriting proxy")

	host := parser.String("a", "host", &argparse.Options{
		Default: getenv("HOST", "0.0.0.0"),
		Help:    "Host the webserver will listen on",
	})
	port := parser.String("p", "port", &argparse.Options{
		Default: getenv("PORT", "8080"),
		Help:    "Port the webserver will listen on",
	})
	rulesetPath := parser.String("r", "ruleset", &argparse.Options{
		Default: getenv("RULESET", ""),
		Help:    "';'-separated list of ruleset files or directories",
	})
	timeout := parser.Int("t", "timeout", &argparse.Options{
		Default: getenvInt("HTTP_TIMEOUT", 15),
		Help:    "Upstream fetch timeout in seconds",
	})
	userAgent := parser.String("u", "user-agent", &argparse.Options{
		Default: getenv("USER_AGENT", ""),
		Help:    "User-Agent sent upstream, Go default when empty",
	})
	allowedDomains := parser.String("d", "allowed-domains", &argparse.Options{
		Default: getenv("ALLOWED_DOMAINS", ""),
		Help:    "Comma separated list of allowed target domains, all when empty",
	})
	maxBuffer := parser.Int("b", "max-buffer", &argparse.Options{
		Default: getenvInt("MAX_BUFFER_BYTES", rewrite.DefaultLimits.MaxBuffer),
		Help:    "Largest single HTML token the rewriter buffers, in bytes",
	})
	maxOutput := parser.Int("o", "max-output", &argparse.Options{
		Default: getenvInt("MAX_OUTPUT_BYTES", 0),
		Help:    "Largest rewritten document in bytes, 0 for unlimited",
	})
	maxBody := parser.Int("s", "max-body", &argparse.Options{
		Default: getenvInt("MAX_BODY_BYTES", fetch.DefaultMaxBody),
		Help:    "Largest upstream body in bytes, 0 for unlimited",
	})
	logLevel := parser.String("l", "log-level", &argparse.Options{
		Default: getenv("LOG_LEVEL", "info"),
		Help:    "Log level: trace, debug, info, warn, error",
	})
	logURLs := parser.Flag("v", "log-urls", &argparse.Options{
		Default: os.Getenv("LOG_URLS") == "true",
		Help:    "Log every proxied URL",
	})
	noMetrics := parser.Flag("n", "no-metrics", &argparse.Options{
		Default: os.Getenv("METRICS") == "false",
		Help:    "Do not expose /metrics",
	})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	log := newLogger(os.Stderr, *logLevel)

	rules, err := ruleset.Load(*rulesetPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load ruleset")
	}
	if *rulesetPath == "" {
		log.Warn().Msg("No ruleset specified, set RULESET or --ruleset to load one")
	} else {
		log.Info().Int("rules", rules.Count()).Int("domains", rules.DomainCount()).Msg("Loaded ruleset")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := fetch.New(&http.Client{Timeout: time.Duration(*timeout) * time.Second})
	f.UserAgent = *userAgent
	f.MaxBody = int64(*maxBody)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := handlers.ServerConfig{
		Proxy: handlers.Config{
			Fetcher:        f,
			Rules:          rules,
			Limits:         rewrite.Limits{MaxBuffer: *maxBuffer, MaxOutput: int64(*maxOutput)},
			AllowedDomains: splitList(*allowedDomains),
			LogURLs:        *logURLs,
			Logger:         log,
			Metrics:        handlers.NewMetrics(reg, "sieve"),
		},
		AccessLog:   os.Stdout,
		BaseContext: ctx,
	}
	if !*noMetrics {
		cfg.Gatherer = reg
	}

	app, err := handlers.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build app")
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	addr := net.JoinHostPort(*host, *port)
	log.Info().Str("addr", addr).Str("version", version).Msg("Listening")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func newLogger(w *os.File, level string) zerolog.Logger {
	var out io.Writer = w
	if term.IsTerminal(int(w.Fd())) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
