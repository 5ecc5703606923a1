// Command bptkv is a small command-line front end for the bptkv
// key/value store: open a file, put or get one key, bulk-load a CSV of
// key,value pairs, or inspect the page tree.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"bptkv"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: bptkv <put|get|load|inspect> <db-file> [args...]")
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cmd, dbPath := args[0], args[1]
	db, err := bptkv.Open(dbPath, bptkv.Options{})
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer db.Close()

	switch cmd {
	case "put":
		if len(args) != 4 {
			log.Fatal("usage: bptkv put <db-file> <key> <value>")
		}
		runPut(db, args[2], args[3])
	case "get":
		if len(args) != 3 {
			log.Fatal("usage: bptkv get <db-file> <key>")
		}
		runGet(db, args[2])
	case "load":
		if len(args) != 3 {
			log.Fatal("usage: bptkv load <db-file> <csv-file>")
		}
		runLoad(db, args[2])
	case "inspect":
		runInspect(db)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runPut(db *bptkv.DB, key, value string) {
	err := db.Update(func(tx *bptkv.Tx) error {
		return tx.Put([]byte(key), []byte(value))
	})
	if err != nil {
		log.Fatalf("put: %v", err)
	}
}

func runGet(db *bptkv.DB, key string) {
	v, ok, err := db.Get([]byte(key))
	if err != nil {
		log.Fatalf("get: %v", err)
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	fmt.Println(string(v))
}

func runLoad(db *bptkv.DB, csvPath string) {
	f, err := os.Open(csvPath)
	if err != nil {
		log.Fatalf("load: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024), 64*1024*1024)

	n := 0
	err = db.Update(func(tx *bptkv.Tx) error {
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, ",", 2)
			if len(parts) != 2 {
				return fmt.Errorf("load: bad line %q", line)
			}
			if err := tx.Put([]byte(parts[0]), []byte(parts[1])); err != nil {
				return err
			}
			n++
		}
		return sc.Err()
	})
	if err != nil {
		log.Fatalf("load: %v", err)
	}
	fmt.Printf("loaded %d pairs\n", n)
}

func runInspect(db *bptkv.DB) {
	infos, problems, err := db.Inspect()
	if err != nil {
		log.Fatalf("inspect: %v", err)
	}
	for _, info := range infos {
		fmt.Printf("page %d: %s inodes=%d overflow=%d\n", info.ID, info.Type, info.InodeCount, info.OverflowCount)
	}
	if len(problems) == 0 {
		fmt.Println("no invariant violations found")
		return
	}
	fmt.Println("invariant violations:")
	for _, p := range problems {
		fmt.Println(" -", p)
	}
}
