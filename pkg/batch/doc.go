// Package batch fetches many URLs through a CacheService in parallel.
//
// Example usage:
//
//	fetcher := batch.NewFetcher(svc, batch.DefaultConfig(), logger)
//	items := fetcher.FetchAll(ctx, urls, client.Options{CacheType: "cards"})
//
// The fetcher:
//   - Spawns a worker pool (default 6 workers)
//   - Applies a timeout to every item
//   - Returns one Item per URL, in input order, carrying data or an error
//
// Because every item goes through the CacheService, duplicate URLs in one
// batch share a single upstream request.
package batch
