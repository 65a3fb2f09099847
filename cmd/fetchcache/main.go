// Command fetchcache serves and queries a resilient JSON fetch cache.
//
//	fetchcache serve                     # HTTP proxy on $FETCHCACHE_LISTEN_ADDR
//	fetchcache get -t cards URL [URL...] # fetch through the cache and print
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mappy4ever/fetchcache/pkg/config"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(env).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}
