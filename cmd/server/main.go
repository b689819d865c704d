package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/lanchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.lanchat/server.toml", "Path to config file")
	host := flag.String("host", "", "Interface to listen on (overrides config)")
	port := flag.Int("port", 0, "TCP port for chat connections (overrides config)")
	httpPort := flag.Int("http-port", -1, "WebSocket port, 0 disables (overrides config)")
	metricsPort := flag.Int("metrics-port", -1, "Metrics and health port, 0 disables (overrides config)")
	logDir := flag.String("log-dir", "", "Directory for server.log and errors.log (default: next to the config file)")
	debug := flag.Bool("debug", false, "Log every frame to stderr")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToServerConfig()

	// Flags win over file and environment
	if *host != "" {
		config.Host = *host
	}
	if *port > 0 {
		config.TCPPort = *port
	}
	if *httpPort >= 0 {
		config.HTTPPort = *httpPort
	}
	if *metricsPort >= 0 {
		config.MetricsPort = *metricsPort
	}

	dir := *logDir
	if dir == "" {
		path, err := server.ExpandHome(*configPath)
		if err != nil {
			log.Fatalf("Failed to resolve config path: %v", err)
		}
		dir = filepath.Dir(path)
	}
	if err := server.InitLoggers(dir); err != nil {
		log.Printf("Logging to files disabled: %v", err)
	}
	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
