package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"explorermaps.dev/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/explorermaps.yaml", "config path (empty for built-in defaults)")
		envFile    = flag.String("env-file", ".env", "optional dotenv file loaded before reading EM_* variables")
		addr       = flag.String("addr", "", "http listen address (overrides http.addr)")
	)
	flag.Parse()

	logger := newLogger("server")

	if p := strings.TrimSpace(*envFile); p != "" {
		if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
			logger.Printf("warn: env file %s: %v", p, err)
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.HTTP.Addr = a
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("build runtime: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt.start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", rt.handler())
	if envBool("EM_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (EM_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s data=%s pois=%s workers=%d", cfg.HTTP.Addr, cfg.DataDir, cfg.POIDir, cfg.Cache.Workers)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rt.Close()
		logger.Fatalf("ListenAndServe: %v", err)
	}
	rt.Close()
	logger.Printf("shutdown complete")
}

// loadConfig reads the YAML file, overlays EM_* variables and validates the
// result.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *config.Config) {
	cfg.DataDir = envString("EM_DATA_DIR", cfg.DataDir)
	cfg.POIDir = envString("EM_POI_DIR", cfg.POIDir)
	cfg.HTTP.Addr = envString("EM_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Admin.JWTSecret = envString("EM_ADMIN_JWT_SECRET", cfg.Admin.JWTSecret)
	cfg.Admin.EnableHTTP = envBool("EM_ENABLE_ADMIN_HTTP", cfg.Admin.EnableHTTP)
	cfg.Cache.Workers = envInt("EM_CACHE_WORKERS", cfg.Cache.Workers)
	cfg.Style.Enabled = envBool("EM_STYLE_ENABLED", cfg.Style.Enabled)
	cfg.Style.SampleResolution = envInt("EM_SAMPLE_RESOLUTION", cfg.Style.SampleResolution)
	cfg.Debug = envBool("EM_DEBUG", cfg.Debug)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
