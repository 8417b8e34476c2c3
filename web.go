package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Seednode/txbattle/chain"
	"github.com/Seednode/txbattle/farcaster"
	"github.com/Seednode/txbattle/game"
	"github.com/Seednode/txbattle/metrics"
	"github.com/Seednode/txbattle/store"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("txbattle v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// engineOptions maps the game flags onto engine options. Collaborators are
// filled in by the caller.
func engineOptions(cfg *Config) game.Options {
	return game.Options{
		Hub:             game.NewHub(game.DefaultSendBuffer),
		ResolverTimeout: cfg.resolverTimeout,
		StoreTimeout:    cfg.storeTimeout,
		MaxPrediction:   cfg.maxPrediction,
		RoundLead:       cfg.roundLead,
		AllowPastRounds: cfg.allowPastRounds,
		PlayerTimeout:   cfg.playerTimeout,
	}
}

// newRouter registers every route. gatherer backs /metrics and may be nil.
func newRouter(cfg *Config, b *battle, gatherer prometheus.Gatherer, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		logf(cfg, "SERVE: Recovered from panic serving %s to %s: %v", r.URL.Path, realIP(r), i)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	registerBattle(cfg, b, mux, errs)
	registerAPI(cfg, b, mux, errs)

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, b, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	if gatherer != nil {
		mux.Handler("GET", cfg.prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServePage(ctx context.Context, cfg *Config, args []string) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: txbattle v%s", releaseVersion)

	logger := newLogger(cfg)

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	gateway, err := store.Open(ctx, cfg.database, logger)
	if err != nil {
		return fmt.Errorf("open %s: %w", store.Redact(cfg.database), err)
	}
	defer gateway.Close()

	logf(cfg, "START: Using database %s", store.Redact(cfg.database))

	if cfg.neynarAPIKey == "" {
		logf(cfg, "START: No profile api key set, joins will fail against the default endpoint")
	}
	resolver := farcaster.New(cfg.neynarURL, cfg.neynarAPIKey,
		farcaster.WithHTTPClient(&http.Client{Timeout: cfg.resolverTimeout}),
		farcaster.WithLogger(logger),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := engineOptions(cfg)
	opts.Resolver = resolver
	opts.Gateway = gateway
	opts.Logger = logger
	opts.Metrics = metrics.New(reg)

	engine, err := game.NewEngine(opts)
	if err != nil {
		return err
	}
	defer engine.Close()

	b := &battle{cfg: cfg, engine: engine}

	if cfg.rpcURL != "" {
		oracle := chain.NewRPC(cfg.rpcURL,
			chain.WithHTTPClient(&http.Client{Timeout: timeout}),
			chain.WithLogger(logger),
		)
		poller := chain.NewPoller(oracle, engine, cfg.pollInterval, logger)
		b.blocks = poller

		go poller.Run(ctx)

		logf(cfg, "START: Following blocks from %s every %s", cfg.rpcURL, cfg.pollInterval)
	} else {
		logf(cfg, "START: No rpc url set, rounds will not be resolved")
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	errs := make(chan error, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				logf(cfg, "ERROR: %v", err)
			}
		}
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           newRouter(cfg, b, reg, errs),
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
	}

	go func() {
		var err error
		logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("%s | ERROR: %v\n", time.Now().Format(logDate), err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}
