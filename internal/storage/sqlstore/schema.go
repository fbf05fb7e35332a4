package sqlstore

// Timestamps are stored as Unix nanoseconds in BIGINT columns so both
// dialects round-trip them identically without driver-specific parsing.

const schemaVersion = 1

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS flags (
    value TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_attempt INTEGER,
    state TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_flags_state ON flags (state, first_seen)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
    id TEXT PRIMARY KEY,
    flag_value TEXT NOT NULL,
    collection_time INTEGER NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    target_team_id INTEGER NOT NULL DEFAULT 0,
    exploit_id TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_flag ON occurrences (flag_value, collection_time)`,
	`CREATE TABLE IF NOT EXISTS config (
    ` + "`key`" + ` TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
}

var mysqlSchema = []string{
	"CREATE TABLE IF NOT EXISTS flags (\n" +
		"    value VARCHAR(255) NOT NULL PRIMARY KEY,\n" +
		"    first_seen BIGINT NOT NULL,\n" +
		"    last_attempt BIGINT NULL,\n" +
		"    state VARCHAR(32) NOT NULL DEFAULT 'pending',\n" +
		"    retry_count INT NOT NULL DEFAULT 0,\n" +
		"    INDEX idx_flags_state (state, first_seen)\n" +
		")",
	"CREATE TABLE IF NOT EXISTS occurrences (\n" +
		"    id CHAR(36) NOT NULL PRIMARY KEY,\n" +
		"    flag_value VARCHAR(255) NOT NULL,\n" +
		"    collection_time BIGINT NOT NULL,\n" +
		"    run_id VARCHAR(255) NOT NULL DEFAULT '',\n" +
		"    target_team_id INT NOT NULL DEFAULT 0,\n" +
		"    exploit_id VARCHAR(255) NOT NULL DEFAULT '',\n" +
		"    INDEX idx_occurrences_flag (flag_value, collection_time)\n" +
		")",
	"CREATE TABLE IF NOT EXISTS config (\n" +
		"    `key` VARCHAR(64) NOT NULL PRIMARY KEY,\n" +
		"    value TEXT NOT NULL\n" +
		")",
}

const sqliteUpsertFlag = `INSERT INTO flags (value, first_seen, last_attempt, state, retry_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(value) DO UPDATE SET
    last_attempt = excluded.last_attempt,
    state = excluded.state,
    retry_count = excluded.retry_count`

const mysqlUpsertFlag = `INSERT INTO flags (value, first_seen, last_attempt, state, retry_count)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    last_attempt = VALUES(last_attempt),
    state = VALUES(state),
    retry_count = VALUES(retry_count)`

const sqliteSetVersion = "INSERT INTO config (`key`, value) VALUES ('schema_version', ?) ON CONFLICT(`key`) DO UPDATE SET value = excluded.value"

const mysqlSetVersion = "INSERT INTO config (`key`, value) VALUES ('schema_version', ?) ON DUPLICATE KEY UPDATE value = VALUES(value)"
