// Package database provides the SQLite store used by the bridge for
// state that must survive restarts, currently the vendor token pair.
//
// The connection is opened with WAL mode and a busy timeout, limited to
// a single writer, and the file is restricted to its owner because it
// holds credentials.
//
// Schema changes are forward-only migrations named
// YYYYMMDD_HHMMSS_description.up.sql, applied in version order, each in
// its own transaction and recorded in schema_migrations.
package database
