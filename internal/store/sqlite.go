package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pierrec/lz4/v4"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
	"chanstore/internal/security"
	"chanstore/internal/storage"
)

var (
	_ storage.Sink   = (*Store)(nil)
	_ storage.Source = (*Store)(nil)
)

// ErrUnknownCodec indicates a compaction blob written with an unsupported codec.
var ErrUnknownCodec = errors.New("store: unknown batch codec")

// Options configures a Store.
type Options struct {
	// Codec encodes compaction batches written by this store. The zero
	// value stores them raw. Batches in any known codec stay readable.
	Codec Codec

	Logger *slog.Logger
}

// Store is the SQLite history store.
type Store struct {
	db     *sql.DB
	codec  Codec
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := opts.Codec
	if codec == "" {
		codec = CodecRaw
	}
	if _, err := ParseCodec(string(codec)); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, codec: codec, logger: logger.With("component", "store")}

	if s.dec, err = zstd.NewReader(nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if codec == CodecZstd {
		if s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
			s.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	return s, nil
}

// Close releases the database and codecs.
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Persist implements storage.Sink. Every row of the commit is written in one
// database transaction.
func (s *Store) Persist(c *storage.Commit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO transactions (channel_id, position, kind, timestamp, old_commitment, new_commitment, metadata_hash, merkle_root)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	pos := c.Seq
	insert := func(kind Kind, t *record.Transaction) error {
		_, err := stmt.Exec(c.ChannelID[:], int64(pos), string(kind), int64(t.Timestamp),
			t.OldCommitment[:], t.NewCommitment[:], t.MetadataHash[:], t.MerkleRoot[:])
		if err != nil {
			return fmt.Errorf("insert %s at %d: %w", kind, pos, err)
		}
		pos++
		return nil
	}

	if c.Summary != nil {
		if err := insert(KindSummary, c.Summary); err != nil {
			return err
		}
		blob, err := s.encodeBatch(c.Batch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO compactions (channel_id, position, batch_size, codec, batch, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ChannelID[:], int64(c.Seq), len(c.Batch), string(s.codec), blob, time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert compaction: %w", err)
		}
	}
	if c.Record != nil {
		if err := insert(KindRecord, c.Record); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) encodeBatch(batch []record.Transaction) ([]byte, error) {
	raw := record.EncodeBatch(batch)
	switch s.codec {
	case CodecZstd:
		return s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case CodecS2:
		return s2.Encode(nil, raw), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return raw, nil
	}
}

func (s *Store) decodeBatch(codec Codec, blob []byte) ([]record.Transaction, error) {
	var err error
	switch codec {
	case CodecRaw:
	case CodecZstd:
		blob, err = s.dec.DecodeAll(blob, nil)
	case CodecS2:
		blob, err = s2.Decode(nil, blob)
	case CodecLZ4:
		blob, err = io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress %s batch: %w", codec, err)
	}
	return record.DecodeBatch(blob)
}

// CommitRoot implements storage.Sink.
func (s *Store) CommitRoot(id, root hashing.Bytes32) error {
	_, err := s.db.Exec(`
		INSERT INTO channel_roots (channel_id, root, committed_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET root = excluded.root, committed_at = excluded.committed_at`,
		id[:], root[:], time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert channel root: %w", err)
	}
	return nil
}

// Load implements storage.Source.
func (s *Store) Load() (map[hashing.Bytes32][]record.Transaction, map[hashing.Bytes32]hashing.Bytes32, error) {
	rows, err := s.queryRows(`
		SELECT channel_id, position, kind, timestamp, old_commitment, new_commitment, metadata_hash, merkle_root
		FROM transactions ORDER BY channel_id, position`)
	if err != nil {
		return nil, nil, err
	}

	history := make(map[hashing.Bytes32][]record.Transaction)
	for _, r := range rows {
		if have := uint64(len(history[r.ChannelID])); r.Position != have {
			return nil, nil, fmt.Errorf("channel %s: position %d follows %d rows", r.ChannelID.Short(), r.Position, have)
		}
		history[r.ChannelID] = append(history[r.ChannelID], r.Transaction)
	}

	roots, err := s.CommittedRoots()
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("history loaded", "channels", len(history), "rows", len(rows))
	return history, roots, nil
}

// History returns a channel's rows in position order.
func (s *Store) History(id hashing.Bytes32) ([]Row, error) {
	return s.queryRows(`
		SELECT channel_id, position, kind, timestamp, old_commitment, new_commitment, metadata_hash, merkle_root
		FROM transactions WHERE channel_id = ? ORDER BY position`, id[:])
}

// FindByCommitment returns every row whose new commitment matches.
func (s *Store) FindByCommitment(commitment hashing.Bytes32) ([]Row, error) {
	return s.queryRows(`
		SELECT channel_id, position, kind, timestamp, old_commitment, new_commitment, metadata_hash, merkle_root
		FROM transactions WHERE new_commitment = ? ORDER BY channel_id, position`, commitment[:])
}

func (s *Store) queryRows(query string, args ...any) ([]Row, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var channelID, oldC, newC, meta, root []byte
		var pos, ts int64
		var kind string
		if err := rows.Scan(&channelID, &pos, &kind, &ts, &oldC, &newC, &meta, &root); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		copy(r.ChannelID[:], channelID)
		r.Position = uint64(pos)
		r.Kind = Kind(kind)
		r.Timestamp = uint64(ts)
		copy(r.OldCommitment[:], oldC)
		copy(r.NewCommitment[:], newC)
		copy(r.MetadataHash[:], meta)
		copy(r.MerkleRoot[:], root)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// Compactions returns the folded batches of a channel in position order.
func (s *Store) Compactions(id hashing.Bytes32) ([]Compaction, error) {
	rows, err := s.db.Query(`
		SELECT position, codec, batch, created_at FROM compactions
		WHERE channel_id = ? ORDER BY position`, id[:])
	if err != nil {
		return nil, fmt.Errorf("query compactions: %w", err)
	}
	defer rows.Close()

	var out []Compaction
	for rows.Next() {
		c := Compaction{ChannelID: id}
		var pos int64
		var codec string
		var blob []byte
		if err := rows.Scan(&pos, &codec, &blob, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compaction: %w", err)
		}
		c.Position = uint64(pos)
		c.Codec = Codec(codec)
		if c.Batch, err = s.decodeBatch(c.Codec, blob); err != nil {
			return nil, fmt.Errorf("compaction at %d: %w", pos, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compactions: %w", err)
	}
	return out, nil
}

// Channels lists every channel with stored history.
func (s *Store) Channels() ([]hashing.Bytes32, error) {
	rows, err := s.db.Query("SELECT DISTINCT channel_id FROM transactions ORDER BY channel_id")
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var ids []hashing.Bytes32
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		var id hashing.Bytes32
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CommittedRoots returns every committed channel root.
func (s *Store) CommittedRoots() (map[hashing.Bytes32]hashing.Bytes32, error) {
	rows, err := s.db.Query("SELECT channel_id, root FROM channel_roots")
	if err != nil {
		return nil, fmt.Errorf("query channel roots: %w", err)
	}
	defer rows.Close()

	roots := make(map[hashing.Bytes32]hashing.Bytes32)
	for rows.Next() {
		var rawID, rawRoot []byte
		if err := rows.Scan(&rawID, &rawRoot); err != nil {
			return nil, fmt.Errorf("scan channel root: %w", err)
		}
		var id, root hashing.Bytes32
		copy(id[:], rawID)
		copy(root[:], rawRoot)
		roots[id] = root
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel roots: %w", err)
	}
	return roots, nil
}

// Stats returns row counts and the total stored batch size.
func (s *Store) Stats() (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(DISTINCT channel_id) FROM transactions),
			(SELECT COUNT(*) FROM transactions WHERE kind = 'record'),
			(SELECT COUNT(*) FROM transactions WHERE kind = 'summary'),
			(SELECT COUNT(*) FROM channel_roots),
			(SELECT COALESCE(SUM(LENGTH(batch)), 0) FROM compactions)`,
	).Scan(&st.Channels, &st.Records, &st.Summaries, &st.CommittedRoots, &st.BatchBytes)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}
