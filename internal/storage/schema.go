// Package storage provides job persistence using SQLite.
package storage

// Schema definitions for job persistence database
const (
	// SchemaV1 is the initial database schema
	SchemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	state TEXT NOT NULL,
	request_json TEXT NOT NULL,
	result_json TEXT,
	error_message TEXT,
	error_code TEXT,
	volume_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

	// SchemaV2 indexes jobs by the volume they touched
	SchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_jobs_volume_id ON jobs(volume_id);
`
)

// Migrations represents all available migrations
var Migrations = []struct {
	Version int
	SQL     string
}{
	{
		Version: 1,
		SQL:     SchemaV1,
	},
	{
		Version: 2,
		SQL:     SchemaV2,
	},
}
