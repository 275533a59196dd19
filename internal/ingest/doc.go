// Package ingest turns MusicBrainz recordings into stored songs, persons,
// and contribution edges, and reports the collaborators it discovered so
// the crawl controller can queue them.
//
// Every write goes through a store.Tx supplied by the caller; the ingestor
// never decides transaction boundaries itself.
package ingest
