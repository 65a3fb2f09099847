package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mappy4ever/fetchcache/pkg/client"
	"github.com/mappy4ever/fetchcache/pkg/strategy"
	"github.com/rs/zerolog"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per item
	Timeout time.Duration
	// ProgressEvery logs progress after this many completed items
	ProgressEvery int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 6,
		Timeout:        30 * time.Second,
		ProgressEvery:  50,
	}
}

// URLFetcher fetches one URL. *client.CacheService satisfies it.
type URLFetcher interface {
	Fetch(ctx context.Context, url string, opts client.Options) (*client.Result, error)
}

// Item is the outcome for one URL
type Item struct {
	Index  int
	URL    string
	Data   json.RawMessage
	Source strategy.Source
	Err    error
}

// Fetcher handles parallel fetching of many URLs
type Fetcher struct {
	fetcher URLFetcher
	config  Config
	logger  zerolog.Logger
}

// NewFetcher creates a new batch fetcher
func NewFetcher(fetcher URLFetcher, config Config, logger zerolog.Logger) *Fetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = defaults.ProgressEvery
	}

	return &Fetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// FetchAll fetches every URL with opts using a worker pool.
// The result has one Item per URL in input order. Items not attempted
// because ctx ended carry ctx.Err().
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, opts client.Options) []Item {
	start := time.Now()
	items := make([]Item, len(urls))
	if len(urls) == 0 {
		return items
	}

	workers := min(f.config.MaxConcurrency, len(urls))
	f.logger.Info().
		Int("urls", len(urls)).
		Int("workers", workers).
		Msg("Starting batch fetch")

	queue := make(chan int, len(urls))
	for i := range urls {
		queue <- i
	}
	close(queue)

	done := make(chan int, len(urls))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go f.worker(ctx, w, urls, opts, queue, items, done, &wg)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	completed, failed := 0, 0
	for i := range done {
		completed++
		if items[i].Err != nil {
			failed++
		}
		if completed%f.config.ProgressEvery == 0 {
			f.logger.Info().
				Int("fetched", completed).
				Int("total", len(urls)).
				Float64("progress_pct", float64(completed)/float64(len(urls))*100).
				Msg("Fetch progress")
		}
	}

	f.logger.Info().
		Int("urls", len(urls)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return items
}

// worker processes indices from the queue
func (f *Fetcher) worker(ctx context.Context, workerID int, urls []string, opts client.Options, queue <-chan int, items []Item, done chan<- int, wg *sync.WaitGroup) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		items[i] = Item{Index: i, URL: urls[i]}

		if err := ctx.Err(); err != nil {
			items[i].Err = err
			done <- i
			continue
		}

		itemCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		res, err := f.fetcher.Fetch(itemCtx, urls[i], opts)
		cancel()

		if err != nil {
			f.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("url", urls[i]).
				Msg("Batch item failed")
			items[i].Err = err
		} else {
			items[i].Data = res.Data
			items[i].Source = res.Source
		}

		processed++
		done <- i
	}

	if processed > 0 {
		f.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}
