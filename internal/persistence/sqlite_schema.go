package persistence

// schemaVersion is stored in PRAGMA user_version. Bump it with any change
// to the statements below or to the stored JSON shapes in codec.go.
const schemaVersion = 1

// schema creates every table of the local cache. It is idempotent.
const schema = `
-- Primary lease. At most one row.
CREATE TABLE IF NOT EXISTS owner (
    id INTEGER PRIMARY KEY CHECK (id = 0),
    owner_id TEXT NOT NULL,
    lease_timestamp_ms INTEGER NOT NULL
);

-- Clients sharing this cache.
CREATE TABLE IF NOT EXISTS client_metadata (
    client_id TEXT PRIMARY KEY,
    update_time_ms INTEGER NOT NULL,
    network_enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS mutation_queues (
    user_id TEXT PRIMARY KEY,
    last_stream_token BLOB
);

CREATE TABLE IF NOT EXISTS mutations (
    batch_id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    local_write_time_seconds INTEGER NOT NULL,
    local_write_time_nanos INTEGER NOT NULL,
    base_mutations BLOB NOT NULL,
    mutations BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutations_user ON mutations(user_id, batch_id);

-- Key index of the mutation queue.
CREATE TABLE IF NOT EXISTS document_mutations (
    user_id TEXT NOT NULL,
    path TEXT NOT NULL,
    collection_path TEXT NOT NULL,
    batch_id INTEGER NOT NULL REFERENCES mutations(batch_id) ON DELETE CASCADE,
    PRIMARY KEY (user_id, path, batch_id)
);
CREATE INDEX IF NOT EXISTS idx_document_mutations_collection ON document_mutations(user_id, collection_path);
CREATE INDEX IF NOT EXISTS idx_document_mutations_batch ON document_mutations(batch_id);

-- doc_key is the byte-comparable encoding of (collection path, document id).
CREATE TABLE IF NOT EXISTS remote_documents (
    doc_key BLOB PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    collection_path TEXT NOT NULL,
    collection_group TEXT NOT NULL,
    read_time_seconds INTEGER NOT NULL,
    read_time_nanos INTEGER NOT NULL,
    size INTEGER NOT NULL,
    contents BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_documents_collection ON remote_documents(collection_path, read_time_seconds, read_time_nanos);
CREATE INDEX IF NOT EXISTS idx_remote_documents_group ON remote_documents(collection_group, read_time_seconds, read_time_nanos, path);

CREATE TABLE IF NOT EXISTS document_overlays (
    user_id TEXT NOT NULL,
    path TEXT NOT NULL,
    collection_path TEXT NOT NULL,
    collection_group TEXT NOT NULL,
    largest_batch_id INTEGER NOT NULL,
    overlay_mutation BLOB NOT NULL,
    PRIMARY KEY (user_id, path)
);
CREATE INDEX IF NOT EXISTS idx_overlays_batch ON document_overlays(user_id, largest_batch_id);
CREATE INDEX IF NOT EXISTS idx_overlays_collection ON document_overlays(user_id, collection_path, largest_batch_id);
CREATE INDEX IF NOT EXISTS idx_overlays_group ON document_overlays(user_id, collection_group, largest_batch_id);

CREATE TABLE IF NOT EXISTS targets (
    target_id INTEGER PRIMARY KEY,
    canonical_id TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    target BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_canonical ON targets(canonical_id);

-- Matching keys per target. Rows with target_id 0 are sentinels carrying
-- the sequence number at which a document was last referenced.
CREATE TABLE IF NOT EXISTS target_documents (
    target_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    sequence_number INTEGER,
    PRIMARY KEY (target_id, path)
);
CREATE INDEX IF NOT EXISTS idx_target_documents_path ON target_documents(path, target_id);

CREATE TABLE IF NOT EXISTS target_globals (
    id INTEGER PRIMARY KEY CHECK (id = 0),
    highest_target_id INTEGER NOT NULL DEFAULT 0,
    highest_sequence_number INTEGER NOT NULL DEFAULT 0,
    last_remote_snapshot_seconds INTEGER NOT NULL DEFAULT 0,
    last_remote_snapshot_nanos INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO target_globals (id) VALUES (0);

CREATE TABLE IF NOT EXISTS collection_parents (
    collection_id TEXT NOT NULL,
    parent TEXT NOT NULL,
    PRIMARY KEY (collection_id, parent)
);

CREATE TABLE IF NOT EXISTS index_configuration (
    index_id INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_group TEXT NOT NULL,
    field_path TEXT NOT NULL,
    kind TEXT NOT NULL,
    UNIQUE (collection_group, field_path, kind)
);

CREATE TABLE IF NOT EXISTS index_entries (
    index_id INTEGER NOT NULL REFERENCES index_configuration(index_id) ON DELETE CASCADE,
    index_value BLOB NOT NULL,
    path TEXT NOT NULL,
    PRIMARY KEY (index_id, index_value, path)
);
CREATE INDEX IF NOT EXISTS idx_index_entries_path ON index_entries(path);
`
