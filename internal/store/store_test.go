package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"chanstore/internal/channel"
	"chanstore/internal/hashing"
	"chanstore/internal/record"
	"chanstore/internal/storage"
)

func openTestStore(t *testing.T, codec Codec) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{Codec: codec})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChannel(n int) hashing.Bytes32 {
	return hashing.Digest([]byte(fmt.Sprintf("channel-%d", n)))
}

// fillChannel stores n transitions through an engine writing to s.
func fillChannel(t *testing.T, s *Store, id hashing.Bytes32, threshold, n int) *storage.Engine {
	t.Helper()
	e, err := storage.New(storage.Config{CompressionThreshold: threshold, RetentionPeriod: 3600}, storage.WithSink(s))
	if err != nil {
		t.Fatalf("New engine failed: %v", err)
	}
	for i := 0; i < n; i++ {
		old := hashing.Digest([]byte(fmt.Sprintf("c%d", i)))
		next := hashing.Digest([]byte(fmt.Sprintf("c%d", i+1)))
		if err := e.StoreTransaction(id, old, next, channel.StaticProof(1000+i), map[string]any{"step": i}); err != nil {
			t.Fatalf("StoreTransaction %d failed: %v", i, err)
		}
	}
	return e
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close on empty store should not error: %v", err)
	}
}

func TestSchema(t *testing.T) {
	s := openTestStore(t, CodecRaw)

	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}
	current, latest, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if current != latest || latest != 2 {
		t.Errorf("expected schema 2/2, got %d/%d", current, latest)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if current, _, _ = SchemaVersion(s.DB()); current != 1 {
		t.Errorf("expected version 1 after rollback, got %d", current)
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if current, _, _ = SchemaVersion(s.DB()); current != 2 {
		t.Errorf("expected version 2 after re-migrate, got %d", current)
	}
}

func TestPersistLayout(t *testing.T) {
	for _, codec := range []Codec{CodecRaw, CodecZstd, CodecLZ4, CodecS2} {
		t.Run(string(codec), func(t *testing.T) {
			s := openTestStore(t, codec)
			id := testChannel(1)
			e := fillChannel(t, s, id, 3, 4)

			rows, err := s.History(id)
			if err != nil {
				t.Fatalf("History failed: %v", err)
			}
			wantKinds := []Kind{KindRecord, KindRecord, KindSummary, KindRecord}
			if len(rows) != len(wantKinds) {
				t.Fatalf("expected %d rows, got %d", len(wantKinds), len(rows))
			}
			history := e.History(id)
			for i, r := range rows {
				if r.Position != uint64(i) {
					t.Errorf("row %d: position %d", i, r.Position)
				}
				if r.Kind != wantKinds[i] {
					t.Errorf("row %d: expected kind %s, got %s", i, wantKinds[i], r.Kind)
				}
				if r.Transaction != history[i] {
					t.Errorf("row %d differs from engine history", i)
				}
			}

			compactions, err := s.Compactions(id)
			if err != nil {
				t.Fatalf("Compactions failed: %v", err)
			}
			if len(compactions) != 1 {
				t.Fatalf("expected 1 compaction, got %d", len(compactions))
			}
			c := compactions[0]
			if c.Position != 2 {
				t.Errorf("expected compaction at position 2, got %d", c.Position)
			}
			if c.Codec != codec {
				t.Errorf("expected codec %s, got %s", codec, c.Codec)
			}
			if len(c.Batch) != 3 || c.Batch[0] != history[0] || c.Batch[2] != history[3] {
				t.Errorf("unexpected folded batch: %+v", c.Batch)
			}

			st, err := s.Stats()
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if st.Channels != 1 || st.Records != 3 || st.Summaries != 1 {
				t.Errorf("unexpected stats: %+v", st)
			}
			if st.BatchBytes == 0 {
				t.Error("expected non-zero batch bytes")
			}
		})
	}
}

func TestLoadRestoresEngine(t *testing.T) {
	s := openTestStore(t, CodecZstd)
	a, b := testChannel(1), testChannel(2)
	e := fillChannel(t, s, a, 3, 7)
	fillChannel(t, s, b, 5, 2)

	if _, err := e.CommitRoot(a); err != nil {
		t.Fatalf("CommitRoot failed: %v", err)
	}

	restored, err := storage.New(storage.Config{CompressionThreshold: 3, RetentionPeriod: 3600})
	if err != nil {
		t.Fatalf("New engine failed: %v", err)
	}
	if err := restored.Restore(s); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if restored.ChannelRoot(a) != e.ChannelRoot(a) {
		t.Error("restored root differs for channel a")
	}
	if got := len(restored.History(b)); got != 2 {
		t.Errorf("expected 2 records for channel b, got %d", got)
	}
	root, ok := restored.CommittedRoot(a)
	if !ok || root != e.ChannelRoot(a) {
		t.Error("committed root not restored")
	}
	if err := restored.VerifyHistory(a); err != nil {
		t.Errorf("restored history failed verification: %v", err)
	}
}

func TestLoadDetectsGap(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	id := testChannel(1)
	fillChannel(t, s, id, 10, 3)

	if _, err := s.DB().Exec("DELETE FROM transactions WHERE position = 1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatal("expected Load to fail on a position gap")
	}
}

func TestCommitRootUpsert(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	id := testChannel(1)
	first := hashing.Digest([]byte("first"))
	second := hashing.Digest([]byte("second"))

	if err := s.CommitRoot(id, first); err != nil {
		t.Fatalf("CommitRoot failed: %v", err)
	}
	if err := s.CommitRoot(id, second); err != nil {
		t.Fatalf("second CommitRoot failed: %v", err)
	}

	roots, err := s.CommittedRoots()
	if err != nil {
		t.Fatalf("CommittedRoots failed: %v", err)
	}
	if len(roots) != 1 || roots[id] != second {
		t.Errorf("expected latest root only, got %v", roots)
	}
}

func TestChannelsAndFindByCommitment(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	fillChannel(t, s, testChannel(1), 10, 2)
	fillChannel(t, s, testChannel(2), 10, 1)

	ids, err := s.Channels()
	if err != nil {
		t.Fatalf("Channels failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(ids))
	}
	if ids[0].Compare(ids[1]) >= 0 {
		t.Error("channels not sorted")
	}

	// Both channels moved c0 -> c1.
	rows, err := s.FindByCommitment(hashing.Digest([]byte("c1")))
	if err != nil {
		t.Fatalf("FindByCommitment failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 matching rows, got %d", len(rows))
	}
}

func TestPersistDuplicatePositionRollsBack(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	id := testChannel(1)
	tx := record.Transaction{Timestamp: 1}

	if err := s.Persist(&storage.Commit{ChannelID: id, Seq: 0, Record: &tx}); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	summary := record.Transaction{Timestamp: 2}
	err := s.Persist(&storage.Commit{ChannelID: id, Seq: 1, Record: &tx, Summary: &summary, Batch: []record.Transaction{tx}})
	if err != nil {
		t.Fatalf("Persist with summary failed: %v", err)
	}

	// Position 2 is already taken by the record above.
	if err := s.Persist(&storage.Commit{ChannelID: id, Seq: 2, Record: &tx, Summary: &summary, Batch: []record.Transaction{tx}}); err == nil {
		t.Fatal("expected duplicate position to fail")
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Records != 2 || st.Summaries != 1 {
		t.Errorf("failed commit left rows behind: %+v", st)
	}
}

func TestVerifyHistoryClean(t *testing.T) {
	s := openTestStore(t, CodecZstd)
	fillChannel(t, s, testChannel(1), 3, 10)
	fillChannel(t, s, testChannel(2), 2, 5)

	corrupted, err := s.VerifyHistory(hashing.Default())
	if err != nil {
		t.Fatalf("VerifyHistory failed: %v", err)
	}
	if len(corrupted) != 0 {
		t.Errorf("expected clean history, got %v", corrupted)
	}
}

func TestVerifyHistoryDetectsRootTamper(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	id := testChannel(1)
	fillChannel(t, s, id, 10, 5)

	forged := hashing.Digest([]byte("forged"))
	if _, err := s.DB().Exec("UPDATE transactions SET merkle_root = ? WHERE position = 3", forged[:]); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	corrupted, err := s.VerifyHistory(hashing.Default())
	if err != nil {
		t.Fatalf("VerifyHistory failed: %v", err)
	}
	if len(corrupted) != 1 {
		t.Fatalf("expected 1 corruption, got %v", corrupted)
	}
	if corrupted[0].Position != 3 || corrupted[0].ChannelID != id {
		t.Errorf("unexpected corruption: %s", corrupted[0])
	}
}

func TestVerifyHistoryDetectsBatchTamper(t *testing.T) {
	s := openTestStore(t, CodecZstd)
	id := testChannel(1)
	fillChannel(t, s, id, 3, 3)

	forged := record.EncodeBatch([]record.Transaction{{Timestamp: 99}})
	if _, err := s.DB().Exec("UPDATE compactions SET codec = 'raw', batch = ?", forged); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	corrupted, err := s.VerifyHistory(hashing.Default())
	if err != nil {
		t.Fatalf("VerifyHistory failed: %v", err)
	}
	if len(corrupted) != 1 || !strings.Contains(corrupted[0].Reason, "folded batch") {
		t.Errorf("expected folded batch mismatch, got %v", corrupted)
	}
}

func TestUnknownCodec(t *testing.T) {
	s := openTestStore(t, CodecRaw)
	id := testChannel(1)
	fillChannel(t, s, id, 2, 2)

	if _, err := s.DB().Exec("UPDATE compactions SET codec = 'brotli'"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := s.Compactions(id); err == nil {
		t.Fatal("expected unknown codec error")
	}
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"": CodecZstd, "raw": CodecRaw, "lz4": CodecLZ4, "s2": CodecS2} {
		got, err := ParseCodec(in)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCodec("gzip"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("ParseCodec(gzip) = %v, want ErrUnknownCodec", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "bad.db"), Options{Codec: "gzip"}); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("Open with gzip codec = %v, want ErrUnknownCodec", err)
	}
}

func TestMixedCodecsReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.db")
	id := testChannel(1)

	s, err := Open(path, Options{Codec: CodecLZ4})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	e := fillChannel(t, s, id, 2, 2)
	s.Close()

	s, err = Open(path, Options{Codec: CodecS2})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := e.Restore(s); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	compactions, err := s.Compactions(id)
	if err != nil {
		t.Fatalf("Compactions failed: %v", err)
	}
	if len(compactions) != 1 || compactions[0].Codec != CodecLZ4 || len(compactions[0].Batch) != 2 {
		t.Errorf("unexpected compactions: %+v", compactions)
	}
}
