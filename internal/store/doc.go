// Package store defines the entity model (persons, songs, contributions) and
// the persistence interfaces the crawl path depends on. Implementations live
// in internal/storage/...; this package must not import database drivers or
// concrete clients.
package store
