// Package stores provides the SQLite persistence layer for kidneyflow.
// It records pipeline run history (runs and their stage results) and
// doubles as the local experiment tracking backend (experiments, tracked
// runs, params, metrics and artifacts). Schema changes are embedded
// migrations applied with golang-migrate.
package stores
