// Command bmapcli is an interactive shell over a bmap tree file: insert,
// search, and delete uint32->int64 entries, and inspect the tree's shape
// and root offset.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaxdb/bmap/internal/bmap"
)

const (
	defaultFile      = "bmap.db"
	defaultBlockSize = 4096
	defaultCacheSize = 256
)

func main() {
	fmt.Println("bmapcli - disk-backed B+ tree shell")
	fmt.Println("type .help for commands, exit or \\q to quit")

	tree, err := openTree(defaultFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", defaultFile, err)
		os.Exit(1)
	}
	defer func() {
		if err := tree.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close error: %v\n", err)
		}
	}()

	runREPL(tree)
}

func openTree(path string) (*bmap.Tree, error) {
	cfg := bmap.Config{
		FileName:  path,
		BlockSize: defaultBlockSize,
		CacheSize: defaultCacheSize,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return bmap.Open(cfg)
}

func runREPL(tree *bmap.Tree) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("bmap> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "exit", "quit", "\\q":
			return
		case "help", "\\h":
			showHelp()
			continue
		}
		if strings.HasPrefix(line, ".") {
			handleMetaCommand(tree, line)
			continue
		}
		handleCommand(tree, line)
	}
}

func handleMetaCommand(tree *bmap.Tree, line string) {
	switch {
	case line == ".help":
		showHelp()
	case line == ".tree":
		if err := tree.Visualize(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	case line == ".root":
		root := tree.RootOffset()
		if root == bmap.InvalidOffset {
			fmt.Println("(no root: tree is empty)")
			return
		}
		fmt.Printf("root offset: %#x\n", root)
	default:
		fmt.Printf("unknown command: %s (try .help)\n", line)
	}
}

func handleCommand(tree *bmap.Tree, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "insert", "put":
		if len(fields) != 3 {
			fmt.Println("usage: insert <key> <value>")
			return
		}
		key, err1 := strconv.ParseUint(fields[1], 10, 32)
		value, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			fmt.Println("key must be a uint32, value must be an int64")
			return
		}
		if err := tree.Insert(uint32(key), value); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("OK")
	case "search", "get":
		if len(fields) != 2 {
			fmt.Println("usage: search <key>")
			return
		}
		key, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			fmt.Println("key must be a uint32")
			return
		}
		value, found, err := tree.Search(uint32(key))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !found {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(value)
	case "delete", "del":
		if len(fields) != 2 {
			fmt.Println("usage: delete <key>")
			return
		}
		key, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			fmt.Println("key must be a uint32")
			return
		}
		if err := tree.Delete(uint32(key)); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("OK")
	default:
		fmt.Printf("unknown command: %s (try .help)\n", fields[0])
	}
}

func showHelp() {
	fmt.Println(`Commands:
  insert <key> <value>   insert a new key/value pair
  search <key>            look up a key
  delete <key>             remove a key
  .tree                        dump the tree structure
  .root                        show the current root offset
  exit, quit, \q            leave the shell`)
}
