package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"zapd/go-daemon/internal/config"
	"zapd/go-daemon/internal/daemon"
	"zapd/go-daemon/internal/supervisor"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitWorkerDied = 1
	exitConfig     = 2
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to zapd.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "RPC listen address override")
	transport := flag.String("transport", "", "Feed transport override: mock | go-waku")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before config (ignored when missing)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("zapd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("zapd: ignoring env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("zapd failed to load config: %v", err)
		os.Exit(exitConfig)
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if *transport != "" {
		cfg.Feed.Transport = *transport
	}

	d, err := daemon.New(cfg, daemon.WithVersion(version))
	if err != nil {
		log.Printf("zapd failed to initialize: %v", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := d.Run(ctx); err != nil {
		stop()
		if errors.Is(err, supervisor.ErrWorkerDied) {
			os.Exit(exitWorkerDied)
		}
		log.Fatalf("zapd failed: %v", err)
	}
}
