package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/n3cloud/webterm/internal/infrastructure/config"
	"github.com/n3cloud/webterm/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "webterm-server: %v\n", err)
		os.Exit(2)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webterm-server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP rereads the catalog file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				srv.ReloadCatalog()
			}
		}
	}()

	runErr := srv.Run(ctx)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "webterm-server: %v\n", runErr)
	}
	srv.Close()
	if runErr != nil {
		os.Exit(1)
	}
}
