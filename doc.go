// Package main hosts the mapmonkey command line entrypoint.
//
// Architecture overview:
//   - Input & state: internal/input reads the city and term lists (inline or CSV). internal/runstate loads the
//     run_state.json checkpoint, reverts units a crashed run left in_progress, merges new (city, term) pairs as
//     pending units and saves every snapshot with a write-temp-then-rename so a reader never sees a partial file.
//   - Work queue: internal/workqueue owns the in-memory RunState behind one mutex. Claim, Complete, Fail, Release
//     and cursor advances are persisted before the lock is released; a failed save rolls the mutation back and is
//     fatal for the run.
//   - Workers: internal/scheduler starts a bounded errgroup of internal/worker instances. Each worker owns one
//     chromedp session (internal/fetcher/headless), geocodes the city anchor once, expands it into the grid from
//     internal/grid and walks the grid from the unit's persisted cursor, paced by internal/policy/pacing.
//   - Dedup & storage: every listing passes internal/dedup, which normalizes (name, address) into an identity key,
//     admits each key at most once per run and writes accepted records to the configured sink under internal/sink
//     (memory, postgres, cassandra, sqlite, badger or csv).
//   - Progress: workers emit events into the internal/progress hub, which batches them to log, Prometheus,
//     Pub/Sub notification and Pushgateway sinks. The final state snapshot can be archived to a local directory or a
//     GCS bucket (internal/storage).
//
// Operational notes:
//   - Cancellation: SIGINT/SIGTERM stop new claims. The grid point in flight finishes under a detached context bounded
//     by scheduler.point_timeout_seconds, its cursor is saved and the unit returns to pending for the next run.
//   - Failure taxonomy: a failing grid point is logged and skipped; a dead browser session fails the unit and is
//     replaced; a state write failure aborts the run with a non-zero exit. Failed units are requeued with
//     `mapmonkey retry` or `mapmonkey run --retry-failed`.
//   - Configuration: Viper merges defaults, an optional config file, MAPMONKEY_* environment variables and CLI flags.
//
// Quick checklist:
//   - Run: mapmonkey run --city "Ada, OK" --term bakery --term cafe --steps 1
//   - Inspect: mapmonkey status --state run_state.json
//   - Start over: delete the state file; sinks keep their records and keep deduplicating across runs.
package main
