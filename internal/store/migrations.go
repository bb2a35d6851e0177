package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create invocations",
		SQL: `
			CREATE TABLE invocations (
				id            TEXT PRIMARY KEY,
				event_id      TEXT NOT NULL DEFAULT '',
				command       TEXT NOT NULL,
				conversation  TEXT NOT NULL,
				actor         TEXT NOT NULL DEFAULT '',
				outcome       TEXT NOT NULL,
				members       INTEGER NOT NULL DEFAULT 0,
				duration_ms   INTEGER NOT NULL DEFAULT 0,
				error         TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			);

			CREATE INDEX idx_invocations_created ON invocations (created_at);
			CREATE INDEX idx_invocations_conversation ON invocations (conversation, created_at);
		`,
	},
	{
		Version: 2,
		Name:    "create connection events",
		SQL: `
			CREATE TABLE connection_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				state       TEXT NOT NULL,
				reason      TEXT NOT NULL DEFAULT '',
				detail      TEXT NOT NULL DEFAULT '',
				created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			);
		`,
	},
}
