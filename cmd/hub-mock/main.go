package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apollo/cohort/hubmock"
	"github.com/apollo/cohort/pkg/log"
	"github.com/apollo/cohort/pkg/version"
)

func main() {
	var (
		addr           = flag.String("addr", ":8443", "listen address")
		advertise      = flag.String("advertise", "", "base URL advertised as assignedHub (defaults to http://localhost{addr})")
		idScope        = flag.String("id-scope", "0ne00000000", "provisioning id scope")
		groupKey       = flag.String("group-key", os.Getenv("COHORT_GROUP_KEY"), "base64 enrollment group key")
		assigningPolls = flag.Int("assigning-polls", 1, "operation polls that report assigning before assigned")
		development    = flag.Bool("dev", true, "development logging")
		printVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version.String())
		return
	}

	logger := log.Setup(*development)
	if *groupKey == "" {
		logger.Info("group key is required (flag -group-key or COHORT_GROUP_KEY)")
		os.Exit(1)
	}

	mock := hubmock.New(*idScope, *groupKey, logger)
	hub := *advertise
	if hub == "" {
		hub = "http://localhost" + *addr
	}
	mock.SetHubHost(hub)
	mock.SetAssigningPolls(*assigningPolls)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *addr, Handler: mock.Handler()}
	logger.Info("hub mock listening", "addr", *addr, "assignedHub", hub, "idScope", *idScope)

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error(err, "hub mock failed")
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("hub mock stopped")
}
