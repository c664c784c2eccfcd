package store

// Schema follows §4.1: three tables (messages, failed_messages, statistics)
// plus the four indices the fair-leasing, TTL-scan, stuck-lease-recovery and
// cleanup access patterns require. Grounded on the migration style of the
// sqlite-backed queue in the retrieval pack (WAL pragma + versioned ALTERs
// applied inside a single BEGIN IMMEDIATE transaction).
const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  source          TEXT NOT NULL,
  destination     TEXT NOT NULL,
  topic_or_node   TEXT NOT NULL,
  value           TEXT NOT NULL,
  data_type       TEXT NOT NULL,
  status          TEXT NOT NULL,
  priority        INTEGER NOT NULL,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  max_retries     INTEGER NOT NULL,
  created_at      INTEGER NOT NULL,
  next_attempt_at INTEGER NOT NULL,
  processed_at    INTEGER,
  expire_at       INTEGER NOT NULL,
  lease_owner     TEXT,
  lease_deadline  INTEGER,
  last_error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_claim
  ON messages(status, priority, created_at);

CREATE INDEX IF NOT EXISTS idx_messages_expire
  ON messages(expire_at);

CREATE INDEX IF NOT EXISTS idx_messages_lease
  ON messages(status, lease_deadline);

CREATE INDEX IF NOT EXISTS idx_messages_processed
  ON messages(processed_at);

CREATE INDEX IF NOT EXISTS idx_messages_coalesce
  ON messages(destination, topic_or_node, status, priority);

CREATE TABLE IF NOT EXISTS failed_messages (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  original_id    INTEGER NOT NULL,
  source         TEXT NOT NULL,
  destination    TEXT NOT NULL,
  topic_or_node  TEXT NOT NULL,
  value          TEXT NOT NULL,
  error_message  TEXT NOT NULL,
  failed_at      INTEGER NOT NULL,
  retry_count    INTEGER NOT NULL,
  failure_reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_messages_failed_at
  ON failed_messages(failed_at DESC);

CREATE TABLE IF NOT EXISTS statistics (
  timestamp    INTEGER NOT NULL,
  metric_name  TEXT NOT NULL,
  metric_value REAL NOT NULL,
  PRIMARY KEY (timestamp, metric_name)
);

CREATE INDEX IF NOT EXISTS idx_statistics_name_time
  ON statistics(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS schema_meta (
  version INTEGER NOT NULL
);
`
