package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rufengx/socks5proxy/socks5"
)

func main() {
	var (
		bindIP     = flag.String("bind", "0.0.0.0", "address to bind the SOCKS5 listener to")
		port       = flag.Uint("port", 1080, "port to listen on")
		configPath = flag.String("config", "", "path to a YAML config file; overrides -bind and -port")
	)
	flag.Parse()

	var cfg *socks5.Config
	var err error
	if *configPath != "" {
		cfg, err = socks5.LoadConfig(*configPath)
	} else {
		cfg = socks5.DefaultConfig(*bindIP, uint16(*port))
	}
	if err != nil {
		log.Fatal(err)
	}

	server, err := socks5.NewServerWithConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := server.Start(); err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), cfg.IdleTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}
