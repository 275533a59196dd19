// Command musicgraph crawls MusicBrainz into a collaboration graph and serves
// queries over it.
//
// Architecture overview:
//   - CLI: cobra subcommands serve, crawl, and collaborators share one application built by
//     internal/server.Build from Viper config (file plus CRAWLER_* environment overrides).
//   - Crawl loop: internal/explore.Controller pops MusicBrainz artist ids from the persistent frontier
//     (a JSON file guarded by a file lock), ingests up to crawl.song_cap recordings per artist through
//     internal/ingest, enqueues newly credited artists, and stops when the frontier drains or the entity
//     store reaches the byte budget.
//   - Upstream: internal/musicbrainz serializes calls, sleeps between attempts, and retries transient
//     failures over a Colly transport. Raw payloads are optionally archived to memory, disk, or GCS.
//   - Persistence: SQLite (default), Postgres, or memory entity stores behind internal/store.EntityStore.
//   - Fanout: the progress hub batches run events to the log, Prometheus counters, and a publisher
//     (Pub/Sub when configured, memory otherwise).
//   - HTTP API: internal/api exposes /v1/crawls, collaborator queries, health probes, and /metrics.
//
// Quick checklist:
//   - Run a crawl: musicgraph crawl --seed-name "Artist" --budget 50MiB
//   - Query: musicgraph collaborators --mbid <artist-mbid> --limit 20
//   - Serve: musicgraph serve (port from server.port or CRAWLER_SERVER_PORT)
//   - Only one process may own a frontier file at a time; a second one fails fast.
package main
