package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanstore/internal/hashing"
	"chanstore/internal/record"
)

// =============================================================================
// Helpers
// =============================================================================

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code, stdout.String(), stderr.String()}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func sqliteConfig(t *testing.T, threshold int) (configPath, dbPath string) {
	t.Helper()
	dbPath = filepath.Join(t.TempDir(), "history.db")
	configPath = writeConfig(t, fmt.Sprintf(`
[storage]
compression_threshold = %d

[sink]
type = "sqlite"
path = %q
batch_codec = "lz4"

[logging]
level = "error"
`, threshold, dbPath))
	return configPath, dbPath
}

func channelID(n int) hashing.Bytes32 {
	return hashing.Digest([]byte(fmt.Sprintf("channel-%d", n)))
}

// events renders n transitions c(i) -> c(i+1) for a channel as JSON lines.
func events(id hashing.Bytes32, from, n int, baseTime int64) string {
	var b strings.Builder
	for i := from; i < from+n; i++ {
		fmt.Fprintf(&b, `{"channel_id":%q,"old_commitment":%q,"new_commitment":%q,"timestamp":%d,"metadata":{"step":%d}}`+"\n",
			id, hashing.Digest([]byte(fmt.Sprintf("c%d", i))), hashing.Digest([]byte(fmt.Sprintf("c%d", i+1))),
			baseTime+int64(i), i)
	}
	return b.String()
}

func history(t *testing.T, configPath string, id hashing.Bytes32) []record.Transaction {
	t.Helper()
	res := runCLI(t, "", "-config", configPath, "history", "-json", id.String())
	require.Equal(t, 0, res.code, res.stderr)
	var txs []record.Transaction
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &txs))
	return txs
}

// =============================================================================
// Dispatch
// =============================================================================

func TestHelpAndUnknownCommand(t *testing.T) {
	res := runCLI(t, "", "help")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stderr, "Commands:")

	res = runCLI(t, "", "frobnicate")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "Unknown command: frobnicate")

	res = runCLI(t, "")
	assert.Equal(t, 1, res.code)
}

func TestInvalidConfig(t *testing.T) {
	path := writeConfig(t, "[storage]\ncompression_threshold = 0\n")
	res := runCLI(t, "", "-config", path, "channels")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "storage.compression_threshold")
}

// =============================================================================
// Ingest and read back
// =============================================================================

func TestIngestPersistsAcrossRuns(t *testing.T) {
	configPath, _ := sqliteConfig(t, 3)
	id := channelID(1)

	res := runCLI(t, events(id, 0, 4, 1000), "-config", configPath, "ingest", "-")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "stored 4, rejected 0\n", res.stdout)

	// Threshold 3: two records, the summary, then the triggering record and one more.
	txs := history(t, configPath, id)
	require.Len(t, txs, 5)
	assert.Equal(t, uint64(1002), txs[2].Timestamp)
	assert.Equal(t, txs[2].MerkleRoot, txs[3].MerkleRoot)

	res = runCLI(t, "", "-config", configPath, "channels")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, fmt.Sprintf("%s 5\n", id), res.stdout)

	res = runCLI(t, "", "-config", configPath, "history", id.String())
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "INDEX")
	assert.Contains(t, res.stdout, "1970-01-01T00:16:40Z")
}

func TestIngestFromFile(t *testing.T) {
	configPath, _ := sqliteConfig(t, 10)
	id := channelID(2)

	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(eventsPath, []byte(events(id, 0, 2, 1000)+"\n"), 0600))

	res := runCLI(t, "", "-config", configPath, "ingest", eventsPath)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Len(t, history(t, configPath, id), 2)
}

func TestIngestMalformedLine(t *testing.T) {
	configPath, _ := sqliteConfig(t, 10)

	res := runCLI(t, "{not json\n", "-config", configPath, "ingest", "-")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "line 1")
}

func TestIngestRejections(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	configPath := writeConfig(t, fmt.Sprintf(`
[storage]
compression_threshold = 10
retention_period_sec = 60

[policy]
enforce_retention = true
max_history_per_channel = 2

[sink]
type = "sqlite"
path = %q

[logging]
level = "error"
`, dbPath))

	now := time.Now().Unix()
	stale := events(channelID(1), 0, 1, 1000)
	fresh := events(channelID(2), 0, 3, now)

	res := runCLI(t, stale+fresh, "-config", configPath, "ingest", "-")
	assert.Equal(t, 1, res.code)
	assert.Equal(t, "stored 2, rejected 2\n", res.stdout)
	assert.Contains(t, res.stderr, "line 1: rejected (transaction too old)")
	assert.Contains(t, res.stderr, "line 4: rejected (storage limit exceeded)")
}

// =============================================================================
// Roots, proofs and verification
// =============================================================================

func TestRootCommitAndProve(t *testing.T) {
	configPath, _ := sqliteConfig(t, 3)
	id := channelID(1)
	require.Equal(t, 0, runCLI(t, events(id, 0, 5, 1000), "-config", configPath, "ingest", "-").code)

	res := runCLI(t, "", "-config", configPath, "root", "-commit", id.String())
	require.Equal(t, 0, res.code, res.stderr)
	root := strings.TrimSpace(res.stdout)
	assert.Len(t, root, 64)

	res = runCLI(t, "", "-config", configPath, "root", id.String())
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, root, strings.TrimSpace(res.stdout))

	res = runCLI(t, "", "-config", configPath, "prove", id.String(), "4")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "root:  "+root)
	assert.Contains(t, res.stdout, "proof: ")

	res = runCLI(t, "", "-config", configPath, "prove", id.String(), "99")
	assert.Equal(t, 1, res.code)

	res = runCLI(t, "", "-config", configPath, "stats")
	require.Equal(t, 0, res.code, res.stderr)
	var stats struct {
		Engine struct {
			ColdRecords    int `json:"cold_records"`
			CommittedRoots int `json:"committed_roots"`
		} `json:"engine"`
		Store struct {
			Summaries int64 `json:"summaries"`
		} `json:"store"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &stats))
	assert.Equal(t, 6, stats.Engine.ColdRecords)
	assert.Equal(t, 1, stats.Engine.CommittedRoots)
	assert.Equal(t, int64(1), stats.Store.Summaries)

	res = runCLI(t, "", "-config", configPath, "stats", "-prometheus")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "chanstore_cold_records")
}

func TestVerify(t *testing.T) {
	configPath, dbPath := sqliteConfig(t, 3)
	id := channelID(1)
	require.Equal(t, 0, runCLI(t, events(id, 0, 6, 1000), "-config", configPath, "ingest", "-").code)

	res := runCLI(t, "", "-config", configPath, "verify")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "OK   "+id.String()+"\n", res.stdout)

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	forged := hashing.Digest([]byte("forged"))
	_, err = db.Exec("UPDATE transactions SET merkle_root = ? WHERE position = 5", forged[:])
	require.NoError(t, err)
	require.NoError(t, db.Close())

	res = runCLI(t, "", "-config", configPath, "verify")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "FAIL "+id.String())
	assert.Contains(t, res.stderr, "integrity failures")
}

func TestInvalidChannelID(t *testing.T) {
	configPath, _ := sqliteConfig(t, 3)
	res := runCLI(t, "", "-config", configPath, "history", "xyz")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "invalid channel id")
}

// =============================================================================
// WAL sink
// =============================================================================

func TestWALSinkRoundTrip(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "chanstore.wal")
	configPath := writeConfig(t, fmt.Sprintf(`
[storage]
compression_threshold = 2
hash_algorithm = "blake3"

[sink]
type = "wal"
path = %q

[logging]
level = "error"
`, walPath))
	t.Setenv("CHANSTORE_SINK_SECRET", "correct horse")

	id := channelID(3)
	res := runCLI(t, events(id, 0, 3, 1000), "-config", configPath, "ingest", "-")
	require.Equal(t, 0, res.code, res.stderr)

	// A second run continues the restored history.
	res = runCLI(t, events(id, 3, 1, 1000), "-config", configPath, "ingest", "-")
	require.Equal(t, 0, res.code, res.stderr)

	txs := history(t, configPath, id)
	assert.NotEmpty(t, txs)

	res = runCLI(t, "", "-config", configPath, "verify")
	require.Equal(t, 0, res.code, res.stderr)

	t.Setenv("CHANSTORE_SINK_SECRET", "wrong secret")
	res = runCLI(t, "", "-config", configPath, "channels")
	assert.Equal(t, 1, res.code)
}

func walConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("CHANSTORE_SINK_SECRET", "correct horse")
	return writeConfig(t, fmt.Sprintf(`
[storage]
compression_threshold = 2

[sink]
type = "wal"
path = %q

[logging]
level = "error"
`, filepath.Join(t.TempDir(), "chanstore.wal")))
}

func TestCheckpointKeepsHistory(t *testing.T) {
	configPath := walConfig(t)
	id := channelID(5)

	res := runCLI(t, events(id, 0, 5, 1000), "-config", configPath, "ingest", "-")
	require.Equal(t, 0, res.code, res.stderr)
	before := history(t, configPath, id)

	res = runCLI(t, "", "-config", configPath, "checkpoint")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "checkpoint: 5 entries -> 1")
	assert.Equal(t, before, history(t, configPath, id))

	res = runCLI(t, "", "-config", configPath, "log")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "SEQ")
	assert.Contains(t, res.stdout, "snapshot")
	assert.NotContains(t, res.stdout, "commit")

	// Ingestion continues on top of the snapshot.
	res = runCLI(t, events(id, 5, 1, 1000), "-config", configPath, "ingest", "-")
	require.Equal(t, 0, res.code, res.stderr)
	after := history(t, configPath, id)
	assert.Greater(t, len(after), len(before))
	assert.Equal(t, before, after[:len(before)])

	res = runCLI(t, "", "-config", configPath, "log", "-from", "5")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "commit")
	assert.NotContains(t, res.stdout, "snapshot")

	res = runCLI(t, "", "-config", configPath, "verify")
	assert.Equal(t, 0, res.code, res.stderr)
}

func TestLogCommandsNeedWAL(t *testing.T) {
	configPath, _ := sqliteConfig(t, 3)
	for _, cmd := range []string{"log", "checkpoint"} {
		res := runCLI(t, "", "-config", configPath, cmd)
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "wal sink")
	}
}

func TestIngestWatchConfigDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHANSTORE_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[logging]\nlevel = \"error\"\n"), 0600))

	res := runCLI(t, events(channelID(6), 0, 2, 1000), "ingest", "-watch-config", "-")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "stored 2, rejected 0\n", res.stdout)

	// Without -config the default path is watched, so a missing data
	// directory is an error rather than a silently unwatched run.
	t.Setenv("CHANSTORE_DATA_DIR", filepath.Join(dir, "missing"))
	res = runCLI(t, events(channelID(6), 0, 2, 1000), "ingest", "-watch-config", "-")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "watch")
}
