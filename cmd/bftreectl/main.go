// Command bftreectl is a thin pass-through CLI over GET/PUT/DELETE,
// per SPEC_FULL.md §15: the core never defines a CLI of its own.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/bftree-go/bftree/internal/bftree"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file (optional)")
	dbPath     = flag.String("db", "", "backing file path (overrides config)")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg := bftree.DefaultConfig()
	if *configPath != "" {
		loaded, err := bftree.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bftreectl:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Path = *dbPath
	}

	tree, err := bftree.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bftreectl:", err)
		os.Exit(1)
	}
	defer tree.Close()

	if err := dispatch(tree, args); err != nil {
		fmt.Fprintln(os.Stderr, "bftreectl:", err)
		os.Exit(1)
	}
}

func dispatch(tree *bftree.Tree, args []string) error {
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: bftreectl get <key>")
		}
		value, err := tree.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		if value == nil {
			fmt.Println("(not found)")
			return nil
		}
		fmt.Println(string(value))
		return nil

	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: bftreectl put <key> <value>")
		}
		return tree.Put([]byte(args[1]), []byte(args[2]))

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: bftreectl delete <key>")
		}
		return tree.Delete([]byte(args[1]))

	case "stats":
		size, err := tree.BackingFileSize()
		if err != nil {
			return err
		}
		fmt.Printf("instance: %s\nbacking file size: %s\n", tree.InstanceID(), humanize.Bytes(uint64(size)))
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bftreectl [-config path] [-db path] <get|put|delete|stats> [args]")
}
