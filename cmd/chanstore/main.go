// chanstore is the command-line front end for the channel store.
//
//	chanstore ingest <events.jsonl|->   Store channel events, one JSON object per line
//	chanstore channels                  List channels with history
//	chanstore history <channel>         Print a channel's compressed history
//	chanstore root <channel>            Print (and optionally commit) a channel root
//	chanstore prove <channel> <index>   Print an inclusion proof for a record
//	chanstore verify                    Check every channel's root chain
//	chanstore stats                     Print engine statistics and metrics
//	chanstore log [-from seq]           Print write-ahead log entries
//	chanstore checkpoint                Fold the write-ahead log into snapshots
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"chanstore/internal/channel"
	"chanstore/internal/config"
	"chanstore/internal/hashing"
	"chanstore/internal/logging"
	"chanstore/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	cfg        *config.Config
	logger     *logging.Logger
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	fs := flag.NewFlagSet("chanstore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.configPath, "config", "", "path to config file")
	fs.Usage = c.usage
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		c.usage()
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		c.usage()
		return 0
	}

	commands := map[string]func([]string) error{
		"ingest":     c.cmdIngest,
		"channels":   c.cmdChannels,
		"history":    c.cmdHistory,
		"root":       c.cmdRoot,
		"prove":      c.cmdProve,
		"verify":     c.cmdVerify,
		"stats":      c.cmdStats,
		"log":        c.cmdLog,
		"checkpoint": c.cmdCheckpoint,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		c.usage()
		return 1
	}

	if err := c.setup(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.logger.Close()

	if err := fn(rest); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, `chanstore - compressed channel history store

Usage: chanstore [options] <command> [args]

Commands:
  ingest <file|->           Store channel events (JSON lines)
  channels                  List channels with history
  history <channel>         Print a channel's compressed history
  root <channel>            Print a channel root (-commit to persist it)
  prove <channel> <index>   Print an inclusion proof for a record root
  verify                    Check every channel's root chain
  stats                     Print engine statistics and metrics
  log [-from <seq>]         Print write-ahead log entries (wal sink)
  checkpoint                Fold the write-ahead log into snapshots (wal sink)
  help                      Show this help message

Options:
  -config <path>  Path to config file (default: <data dir>/config.toml)`)
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	if lc.Output == "stderr" || lc.Output == "" {
		lc.Writer = c.stderr
	}
	c.logger, err = logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	c.logger.SetDefault()
	return nil
}

func (c *cli) open() (*session, error) {
	return openSession(c.cfg, c.logger.Logger)
}

func parseChannel(s string) (hashing.Bytes32, error) {
	id, err := hashing.ParseBytes32(s)
	if err != nil {
		return id, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return id, nil
}

func (c *cli) cmdIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	watch := fs.Bool("watch-config", false, "apply config file changes while ingesting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chanstore ingest [-watch-config] <file|->")
	}

	in := c.stdin
	if path := fs.Arg(0); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		in = f
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if *watch {
		path := c.configPath
		if path == "" {
			path = config.ConfigPath()
		}
		loader := config.NewLoader(path)
		if _, err := loader.Load(); err != nil {
			return err
		}
		loader.OnChange(func(cfg *config.Config) {
			if err := s.engine.ApplyConfig(cfg.EngineConfig()); err != nil {
				slog.Warn("config change rejected", "error", err)
			}
		})
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()
	}

	stored, rejected, err := ingest(s.engine, in, c.stderr)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "stored %d, rejected %d\n", stored, rejected)
	if rejected > 0 {
		return fmt.Errorf("%d events rejected", rejected)
	}
	return nil
}

// ingest stores every event read from r. Rejected events are reported to
// errOut with their error kind and skipped; a malformed line stops ingestion.
func ingest(e *storage.Engine, r io.Reader, errOut io.Writer) (stored, rejected int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var ev channel.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return stored, rejected, fmt.Errorf("line %d: %w", line, err)
		}

		if err := e.StoreEvent(ev); err != nil {
			kind, _ := storage.KindOf(err)
			fmt.Fprintf(errOut, "line %d: rejected (%s): %v\n", line, kind, err)
			rejected++
			continue
		}
		stored++
	}
	if err := scanner.Err(); err != nil {
		return stored, rejected, fmt.Errorf("read events: %w", err)
	}
	return stored, rejected, nil
}

func (c *cli) cmdChannels(args []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, id := range s.engine.Channels() {
		fmt.Fprintf(c.stdout, "%s %d\n", id, len(s.engine.History(id)))
	}
	return nil
}

func (c *cli) cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	asJSON := fs.Bool("json", false, "print records as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chanstore history [-json] <channel>")
	}
	id, err := parseChannel(fs.Arg(0))
	if err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	history := s.engine.History(id)
	if *asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIMESTAMP\tOLD\tNEW\tROOT")
	for i, tx := range history {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i,
			time.Unix(int64(tx.Timestamp), 0).UTC().Format(time.RFC3339),
			tx.OldCommitment.Short(), tx.NewCommitment.Short(), tx.MerkleRoot.Short())
	}
	return w.Flush()
}

func (c *cli) cmdRoot(args []string) error {
	fs := flag.NewFlagSet("root", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	commit := fs.Bool("commit", false, "persist the root as the channel's committed root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chanstore root [-commit] <channel>")
	}
	id, err := parseChannel(fs.Arg(0))
	if err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	root := s.engine.ChannelRoot(id)
	if *commit {
		if root, err = s.engine.CommitRoot(id); err != nil {
			return err
		}
	}
	fmt.Fprintln(c.stdout, root)
	return nil
}

func (c *cli) cmdProve(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: chanstore prove <channel> <index>")
	}
	id, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid index %q: %w", args[1], err)
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	proof, err := s.engine.ProveRecord(id, index)
	if err != nil {
		return err
	}
	root := s.engine.ChannelRoot(id)
	if !proof.Verify(s.engine.Hasher(), root) {
		return errors.New("proof does not verify against current root")
	}

	fmt.Fprintf(c.stdout, "root:  %s\n", root)
	fmt.Fprintf(c.stdout, "proof: %s\n", hex.EncodeToString(proof.Encode()))
	return nil
}

func (c *cli) cmdVerify(args []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	failed := 0
	for _, id := range s.engine.Channels() {
		if err := s.engine.VerifyHistory(id); err != nil {
			fmt.Fprintf(c.stdout, "FAIL %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(c.stdout, "OK   %s\n", id)
	}

	if s.store != nil {
		corrupted, err := s.store.VerifyHistory(s.engine.Hasher())
		if err != nil {
			return err
		}
		for _, bad := range corrupted {
			fmt.Fprintf(c.stdout, "FAIL %s\n", bad)
		}
		failed += len(corrupted)
	}

	if failed > 0 {
		return fmt.Errorf("%d integrity failures", failed)
	}
	return nil
}

func (c *cli) cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	prom := fs.Bool("prometheus", false, "print metrics in Prometheus text format")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()

	if *prom {
		return s.engine.Metrics().Registry().WritePrometheus(c.stdout)
	}

	out := map[string]any{
		"engine":  s.engine.Stats(),
		"metrics": s.engine.Metrics().Registry().Snapshot(),
	}
	if s.store != nil {
		st, err := s.store.Stats()
		if err != nil {
			return err
		}
		out["store"] = st
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var errNoWAL = errors.New("command needs the wal sink (sink.type = \"wal\")")

func (c *cli) cmdLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	from := fs.Uint64("from", 0, "first sequence to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	if s.wal == nil {
		return errNoWAL
	}

	entries, err := s.wal.ReadAfter(*from, true)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tTIME\tBYTES")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", e.Sequence, e.Type,
			time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339), e.Length)
	}
	return w.Flush()
}

func (c *cli) cmdCheckpoint(args []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.Close()
	if s.wal == nil {
		return errNoWAL
	}

	before, entries := s.wal.Size(), s.wal.EntryCount()
	if err := s.wal.Truncate(s.wal.NextSequence()); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	fmt.Fprintf(c.stdout, "checkpoint: %d entries -> %d, %d bytes -> %d\n",
		entries, s.wal.EntryCount(), before, s.wal.Size())
	return nil
}
