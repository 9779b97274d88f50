// Package stores persists portagegt state in SQLite: run history, the
// BUILD_TIME recorded after each install for the build_time sync policy,
// and telemetry events. Schema changes are embedded migrations applied with
// golang-migrate.
package stores
