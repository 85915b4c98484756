package storage

// Both SQL backends share this layout. Splitter rows reference their channel
// and disappear with it; position keeps the launcher's address order.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		url TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		header_size INTEGER NOT NULL DEFAULT 0,
		visible INTEGER NOT NULL DEFAULT 1,
		source_address TEXT NOT NULL,
		source_port INTEGER NOT NULL DEFAULT 0,
		splitter_count INTEGER NOT NULL,
		splitter_port INTEGER NOT NULL DEFAULT 0,
		monitor_port INTEGER NOT NULL DEFAULT 0,
		smart_source_client INTEGER NOT NULL DEFAULT 0,
		monitor_address TEXT NOT NULL DEFAULT '',
		listen_port INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS splitter (
		splitter_url TEXT NOT NULL REFERENCES channels(url) ON DELETE CASCADE,
		splitter_address TEXT NOT NULL,
		splitter_available INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL,
		PRIMARY KEY (splitter_url, splitter_address)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_visible_created ON channels(visible, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_splitter_address ON splitter(splitter_address)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		url TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		password TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		header_size INTEGER NOT NULL DEFAULT 0,
		visible BOOLEAN NOT NULL DEFAULT TRUE,
		source_address TEXT NOT NULL,
		source_port INTEGER NOT NULL DEFAULT 0,
		splitter_count INTEGER NOT NULL CHECK (splitter_count > 0),
		splitter_port INTEGER NOT NULL DEFAULT 0,
		monitor_port INTEGER NOT NULL DEFAULT 0,
		smart_source_client BOOLEAN NOT NULL DEFAULT FALSE,
		monitor_address TEXT NOT NULL DEFAULT '',
		listen_port INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS splitter (
		splitter_url TEXT NOT NULL REFERENCES channels(url) ON DELETE CASCADE,
		splitter_address TEXT NOT NULL,
		splitter_available BOOLEAN NOT NULL DEFAULT TRUE,
		position INTEGER NOT NULL,
		PRIMARY KEY (splitter_url, splitter_address)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_visible_created ON channels(visible, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_splitter_address ON splitter(splitter_address)`,
}
