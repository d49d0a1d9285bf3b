// Package nodedb is the per-storage-node local database: the segment
// and segment_sequence tables a Reader queries to serve bytes for one
// node's share of an object.
package nodedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type DB struct {
	SQL *sql.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	s, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite tolerates multiple conns; writes serialize.
	s.SetMaxOpenConns(4)
	s.SetMaxIdleConns(4)

	d := &DB{SQL: s}
	if err := d.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.SQL.Close() }

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS segment (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			unified_id INTEGER NOT NULL,
			conjoined_part INTEGER NOT NULL DEFAULT 0,
			segment_num INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			status TEXT NOT NULL,
			handoff_node_id INTEGER,
			original_size INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_segment_collection_key ON segment(collection_id, key);`,
		`CREATE INDEX IF NOT EXISTS idx_segment_unified ON segment(unified_id, conjoined_part, segment_num);`,

		`CREATE TABLE IF NOT EXISTS segment_sequence (
			segment_id INTEGER NOT NULL,
			sequence_num INTEGER NOT NULL,
			value_file_id INTEGER NOT NULL,
			value_file_offset INTEGER NOT NULL,
			size INTEGER NOT NULL,
			adler32 INTEGER,
			md5 BLOB,
			PRIMARY KEY(segment_id, sequence_num)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_segment_sequence_segment ON segment_sequence(segment_id);`,
	}
	for _, s := range stmts {
		if _, err := d.SQL.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ValueFilePath resolves (repository_root, value_file_id) to the
// on-disk path of an append-only value file. Deterministic pure
// function, sharded two levels deep to keep any one directory small.
func ValueFilePath(repositoryRoot string, valueFileID int64) string {
	shard1 := valueFileID % 100
	shard2 := (valueFileID / 100) % 100
	return filepath.Join(repositoryRoot,
		fmt.Sprintf("%02d", shard1),
		fmt.Sprintf("%02d", shard2),
		fmt.Sprintf("value_file_%d.dat", valueFileID))
}
