// Command embeddb is a small CLI around the embeddb B-tree store and
// external sorter: enough to create tables, put/get/scan rows, sort
// arbitrary lines from stdin, inspect page usage, and run a long-lived
// background-checkpoint daemon.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/embeddb/embeddb/internal/btree"
	"github.com/embeddb/embeddb/internal/checkpoint"
	"github.com/embeddb/embeddb/internal/config"
	"github.com/embeddb/embeddb/internal/sort"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "put":
		err = runPut(args)
	case "get":
		err = runGet(args)
	case "scan":
		err = runScan(args)
	case "sort":
		err = runSort(args)
	case "inspect":
		err = runInspect(args)
	case "serve":
		err = runServe(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: embeddb <put|get|scan|sort|inspect|serve> [flags]")
}

func openDB(path string, pageSize int) (*btree.DB, error) {
	return btree.OpenWithPageSize(path, pageSize, nil)
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dbPath := fs.String("db", "embeddb.db", "database file")
	table := fs.String("table", "default", "table name")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: embeddb put -db=FILE -table=NAME key value")
	}
	db, err := openDB(*dbPath, 0)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Begin(true); err != nil {
		return err
	}
	if err := db.CreateTable(*table); err != nil {
		if berr, ok := err.(*btree.Error); !ok || berr.Code != btree.ERR {
			db.Rollback()
			return err
		}
	}
	if err := db.Insert(*table, []byte(fs.Arg(0)), []byte(fs.Arg(1))); err != nil {
		db.Rollback()
		return err
	}
	return db.Commit()
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dbPath := fs.String("db", "embeddb.db", "database file")
	table := fs.String("table", "default", "table name")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: embeddb get -db=FILE -table=NAME key")
	}
	db, err := openDB(*dbPath, 0)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Begin(false); err != nil {
		return err
	}
	defer db.Commit()
	cur, err := db.OpenCursor(*table)
	if err != nil {
		return err
	}
	defer cur.Close()
	found, err := cur.MoveTo([]byte(fs.Arg(0)))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key not found: %s", fs.Arg(0))
	}
	data, err := cur.Data()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	dbPath := fs.String("db", "embeddb.db", "database file")
	table := fs.String("table", "default", "table name")
	fs.Parse(args)
	db, err := openDB(*dbPath, 0)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Begin(false); err != nil {
		return err
	}
	defer db.Commit()
	cur, err := db.OpenCursor(*table)
	if err != nil {
		return err
	}
	defer cur.Close()
	if err := cur.First(); err != nil {
		return err
	}
	for cur.Valid() {
		k, err := cur.Key()
		if err != nil {
			return err
		}
		v, err := cur.Data()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", k, v)
		if _, err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

// runSort reads newline-delimited records from stdin, runs them through
// the external merge sorter, and writes the sorted result to stdout — a
// smoke test for the sort package that also doubles as a `sort(1)`-alike
// for files too large to hold entirely in memory.
func runSort(args []string) error {
	fs := flag.NewFlagSet("sort", flag.ExitOnError)
	minFlush := fs.Int("min-flush", 4<<20, "soft flush threshold in bytes")
	maxFlush := fs.Int("max-flush", 16<<20, "hard flush threshold in bytes")
	workers := fs.Int("workers", 1, "parallel PMA-writing workers")
	tempDir := fs.String("temp-dir", "", "temp directory for PMA files")
	fs.Parse(args)

	s, err := sort.New(sort.Config{
		MinFlushBytes: *minFlush,
		MaxFlushBytes: *maxFlush,
		Workers:       *workers,
		TempDir:       *tempDir,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if err := s.Write(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := s.Rewind(); err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for {
		payload, ok, err := s.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		w.Write(payload)
		w.WriteByte('\n')
	}
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dbPath := fs.String("db", "embeddb.db", "database file")
	fs.Parse(args)
	db, err := openDB(*dbPath, 0)
	if err != nil {
		return err
	}
	defer db.Close()
	stats, err := db.Inspect()
	if err != nil {
		return err
	}
	fmt.Println(stats.String())
	return nil
}

// runServe loads a YAML config and keeps the database open with a
// background checkpoint scheduler running until terminated.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "embeddb.yaml", "path to YAML config")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg.Path, cfg.PageSize)
	if err != nil {
		return err
	}
	defer db.Close()

	sched, err := checkpoint.NewScheduler(db, cfg.CheckpointCron)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	log.Printf("embeddb serving %s (checkpoint schedule %q)", cfg.Path, cfg.CheckpointCron)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("embeddb shutting down")
	return nil
}
