package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v3"

	"github.com/mappy4ever/fetchcache/pkg/batch"
	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/config"
	"github.com/mappy4ever/fetchcache/pkg/logging"
)

// newApp builds the CLI. Values from env are flag defaults; flags win.
func newApp(env config.Env) *cli.Command {
	return &cli.Command{
		Name:  "fetchcache",
		Usage: "resilient cached JSON fetches",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Value: env.ConfigPath},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: env.LogLevel},
			&cli.BoolFlag{Name: "log-pretty", Usage: "human-readable logs", Value: env.LogPretty},
			&cli.StringFlag{Name: "redis-addr", Usage: "share throttle state through Redis at this address", Value: env.RedisAddr},
			&cli.BoolFlag{Name: "tracing", Usage: "instrument upstream requests with OpenTelemetry", Value: env.Tracing},
			&cli.IntFlag{Name: "max-concurrency", Usage: "simultaneous upstream requests (0 = unlimited)", Value: env.MaxConcurrency},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, setupLogging(settingsFrom(cmd, env), cmd.Root().ErrWriter)
		},
		Commands: []*cli.Command{
			serveCommand(env),
			getCommand(env),
		},
	}
}

// settingsFrom overlays the root flags on env.
func settingsFrom(cmd *cli.Command, env config.Env) config.Env {
	root := cmd.Root()
	env.ConfigPath = root.String("config")
	env.LogLevel = root.String("log-level")
	env.LogPretty = root.Bool("log-pretty")
	env.RedisAddr = root.String("redis-addr")
	env.Tracing = root.Bool("tracing")
	env.MaxConcurrency = root.Int("max-concurrency")
	return env
}

func serveCommand(env config.Env) *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "run the caching HTTP proxy",
		UsageText: "fetchcache serve [--listen ADDR]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "listen address", Value: env.ListenAddr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			settings := settingsFrom(cmd, env)
			settings.ListenAddr = cmd.String("listen")

			svc, cleanup, err := buildService(ctx, settings)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := logging.NewLogger("proxy")
			return serve(ctx, settings.ListenAddr, newServer(svc, logger).routes(), logger)
		},
	}
}

func getCommand(env config.Env) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch URLs through the cache and print the JSON",
		UsageText: "fetchcache get --cache-type TYPE [--query PATH] URL [URL...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cache-type", Aliases: []string{"t"}, Usage: "cache domain", Required: true},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "skip fresh cache entries"},
			&cli.IntFlag{Name: "repeat", Aliases: []string{"r"}, Usage: "fetch every URL this many times", Value: 1},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "gjson path applied to each document"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			urls := cmd.Args().Slice()
			if len(urls) == 0 {
				return errors.New("at least one URL is required")
			}
			repeat := cmd.Int("repeat")
			if repeat < 1 {
				return fmt.Errorf("--repeat must be >= 1 (got %d)", repeat)
			}

			svc, cleanup, err := buildService(ctx, settingsFrom(cmd, env))
			if err != nil {
				return err
			}
			defer cleanup()

			opts := client.Options{CacheType: cmd.String("cache-type"), ForceRefresh: cmd.Bool("force")}
			out := &printer{out: cmd.Root().Writer, info: cmd.Root().ErrWriter, query: cmd.String("query")}
			bf := batch.NewFetcher(svc, batch.DefaultConfig(), logging.NewLogger("batch"))

			var failed int
			for range repeat {
				failed += out.items(bf.FetchAll(ctx, urls, opts))
			}
			out.stats(svc.Stats())

			if failed > 0 {
				return fmt.Errorf("%d of %d fetches failed", failed, len(urls)*repeat)
			}
			return nil
		},
	}
}

type printer struct {
	out   io.Writer
	info  io.Writer
	query string
}

// items prints every document and returns the number of failures.
func (p *printer) items(items []batch.Item) int {
	failed := 0
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Fprintf(p.info, "%s: %v\n", item.URL, item.Err)
			continue
		}

		fmt.Fprintf(p.info, "%s (%s, %s)\n", item.URL, item.Source, humanize.Bytes(uint64(len(item.Data))))
		doc := string(item.Data)
		if p.query != "" {
			res := gjson.GetBytes(item.Data, p.query)
			if !res.Exists() {
				fmt.Fprintf(p.info, "%s: query %q matched nothing\n", item.URL, p.query)
				continue
			}
			doc = res.Raw
		}
		fmt.Fprintln(p.out, strings.TrimSpace(doc))
	}
	return failed
}

func (p *printer) stats(s client.Stats) {
	fmt.Fprintf(p.info, "cache: %s hits, %s misses (%.0f%% hit rate), %s fetches, %s coalesced, %s/%s entries\n",
		humanize.Comma(s.Hits),
		humanize.Comma(s.Misses),
		s.HitRate*100,
		humanize.Comma(s.Fetches),
		humanize.Comma(s.Coalesced),
		humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.Capacity)),
	)
}
