// Command lsmcli is a line-oriented REPL in front of the db engine.
// It is a thin external collaborator: it never touches memtable, WAL
// or SSTable internals directly, only the db.DB API.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/anthropics/lsmgo/db"

	flag "github.com/spf13/pflag"
)

func main() {
	fs := flag.NewFlagSet("lsmcli", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	walPath := fs.String("wal", "data/wal.log", "path to the write-ahead log")
	sstDir := fs.String("sstdir", "data/sstables", "directory holding SSTables and the manifest")
	flushThreshold := fs.Int("flush-threshold", 4<<20, "flush the memtable once it reaches this many bytes (<=0 means flush on every write)")
	l0Trigger := fs.Int("l0-trigger", 4, "compact once L0 holds this many tables (0 disables auto-compaction)")
	sync := fs.Bool("sync", true, "fsync the WAL after every write")
	lock := fs.Bool("lock", false, "take an advisory lock on sstdir for the life of the process")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	opts := db.DefaultOptions(*walPath, *sstDir)
	opts.FlushThresholdBytes = *flushThreshold
	opts.L0CompactionTrigger = *l0Trigger
	opts.WalSync = *sync
	opts.Lock = *lock

	engine, err := db.Open(opts)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = engine.Close() }()

	repl(os.Stdin, os.Stdout, engine)
}

func repl(in io.Reader, out io.Writer, engine *db.DB) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToUpper(fields[0])
		args := fields[1:]

		if cmd == "EXIT" {
			return
		}
		if err := dispatch(out, engine, cmd, args); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func dispatch(out io.Writer, engine *db.DB, cmd string, args []string) error {
	switch cmd {
	case "SET":
		if len(args) != 2 {
			return fmt.Errorf("usage: SET <key> <value>")
		}
		if err := engine.Set([]byte(args[0]), []byte(args[1])); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "GET":
		if len(args) != 1 {
			return fmt.Errorf("usage: GET <key>")
		}
		v, ok, err := engine.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "(nil)")
			return nil
		}
		fmt.Fprintln(out, string(v))

	case "DEL":
		if len(args) != 1 {
			return fmt.Errorf("usage: DEL <key>")
		}
		if err := engine.Del([]byte(args[0])); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "SCAN":
		if len(args) > 2 {
			return fmt.Errorf("usage: SCAN [start] [end]")
		}
		var start, end []byte
		if len(args) >= 1 {
			start = []byte(args[0])
		}
		if len(args) == 2 {
			end = []byte(args[1])
		}
		kvs, err := engine.Scan(start, end)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			fmt.Fprintf(out, "%s %s\n", kv.Key, kv.Value)
		}

	case "FLUSH":
		if err := engine.ForceFlush(); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "COMPACT":
		if err := engine.Compact(); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")

	case "STATS":
		fmt.Fprintf(out, "seq=%d l0_count=%d l1_count=%d flush_threshold=%d l0_compaction_trigger=%d\n",
			engine.Seq(), engine.L0Count(), engine.L1Count(), engine.FlushThreshold(), engine.L0CompactionTrigger())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
