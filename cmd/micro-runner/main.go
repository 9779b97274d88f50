// Package main implements the portagegt micro-runner: a small static binary
// uploaded to a remote Gentoo host that runs emerge, eix and eselect on
// behalf of portagegt over a JSON-lines protocol on stdin/stdout. It deletes
// itself when the controller disconnects.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfroyo/portagegt/pkg/micro_runner/server"
)

// ttl bounds a runner whose controller vanished without closing stdin. A
// world update can take hours, so it is generous.
const ttl = 6 * time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(os.Stdin, os.Stdout, server.Options{
		TTL:        ttl,
		SelfDelete: os.Getenv("PORTAGEGT_RUNNER_KEEP") == "",
	})
	code := srv.Serve(ctx)
	stop()
	os.Exit(code)
}
