// Package crawler defines the types, errors, and collaborator interfaces
// shared by the exploration pipeline: the upstream client, the frontier,
// the ingestor, the crawl controller, and the graph aggregator.
//
// Nothing in this package talks to a database, the network, or the
// filesystem. Concrete implementations live under internal/storage,
// internal/publisher, internal/fetcher, and friends so that each piece can
// be swapped or faked in tests.
package crawler
