// Package api holds the types shared by the worker pool, its workers and the
// storage backends.
//
// # Tasks
//
// Task is a closed set of variants. Each variant carries everything its
// handler needs, and implements slog.LogValuer so a task can be logged as a
// single attribute group.
//
// # Store and Matcher
//
// Store is the narrow slice of MongoDB the handlers use: index listing and
// creation, unordered bulk writes, distinct, single inserts and multi
// updates. Matcher evaluates trial criteria and builds match documents. Both
// are interfaces so tests can run against in-memory implementations.
//
// # Observability
//
// Observer receives task lifecycle events, recorded matches and pool aborts.
// LoggingObserver writes them through slog, BasicMetrics keeps in-process
// counters, and NewCompositeObserver fans events out to several observers.
package api
