// Command numstorec is an interactive line-oriented client for a local
// numstore database: create variables, insert/write/read/remove their
// byte streams, and trigger checkpoints, one command per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/engine"
	"github.com/lincketheo/numstore/internal/store"
)

var (
	flagData   = flag.String("data", "numstore.db", "path to the data file")
	flagWAL    = flag.String("wal", "numstore.wal", "path to the write-ahead log")
	flagConfig = flag.String("config", "", "optional YAML config file overriding defaults")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	eng, err := engine.Open(*flagData, *flagWAL, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open engine:", err)
		os.Exit(1)
	}
	defer eng.Close()

	runREPL(eng)
}

func runREPL(eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}
	if interactive {
		fmt.Println("numstore REPL. '.help' for commands, '.quit' to exit.")
	}

	ctx := context.Background()
	for {
		if interactive {
			fmt.Print("numstore> ")
		}
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == ".quit" || line == ".exit" {
			break
		}
		if line == ".help" {
			printHelp()
			continue
		}
		if err := dispatch(ctx, eng, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  create <name> <type>              allocate a variable with the given type descriptor bytes (as text)
  drop <name>                       remove a variable's mapping
  insert <name> <bstart> <text>     insert text's bytes at byte offset bstart
  write <name> <bstart> <text>      overwrite in place starting at byte offset bstart
  read <name> <bstart> <nelems>     read nelems bytes starting at byte offset bstart
  remove <name> <bstart> <n>        remove n bytes starting at byte offset bstart
  checkpoint                        force an immediate checkpoint`)
}

func dispatch(ctx context.Context, eng *engine.Engine, line string) error {
	fields := strings.SplitN(line, " ", 4)
	switch fields[0] {
	case "create":
		if len(fields) < 3 {
			return fmt.Errorf("usage: create <name> <type>")
		}
		pgno, err := eng.CreateVariable(ctx, fields[1], []byte(fields[2]))
		if err != nil {
			return err
		}
		fmt.Printf("created %s at rpt_root=%d\n", fields[1], pgno)
		return nil

	case "drop":
		if len(fields) < 2 {
			return fmt.Errorf("usage: drop <name>")
		}
		found, err := eng.RemoveVariable(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("removed=%v\n", found)
		return nil

	case "insert":
		if len(fields) < 4 {
			return fmt.Errorf("usage: insert <name> <bstart> <text>")
		}
		bstart, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad bstart: %w", err)
		}
		return eng.Insert(ctx, fields[1], store.BSize(bstart), []byte(fields[3]))

	case "write":
		if len(fields) < 4 {
			return fmt.Errorf("usage: write <name> <bstart> <text>")
		}
		bstart, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad bstart: %w", err)
		}
		data := []byte(fields[3])
		return eng.Write(ctx, fields[1], store.BSize(bstart), data, 1, 1)

	case "read":
		if len(fields) < 4 {
			return fmt.Errorf("usage: read <name> <bstart> <nelems>")
		}
		bstart, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad bstart: %w", err)
		}
		nelems, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("bad nelems: %w", err)
		}
		dest := make([]byte, nelems)
		n, err := eng.Read(ctx, fields[1], store.BSize(bstart), dest, nelems, 1, 1)
		if err != nil {
			return err
		}
		fmt.Printf("%q (%d bytes)\n", dest[:n], n)
		return nil

	case "remove":
		if len(fields) < 4 {
			return fmt.Errorf("usage: remove <name> <bstart> <n>")
		}
		bstart, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad bstart: %w", err)
		}
		maxRemove, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("bad n: %w", err)
		}
		dest := make([]byte, maxRemove)
		n, err := eng.Remove(ctx, fields[1], store.BSize(bstart), dest, maxRemove, 1, 1)
		if err != nil {
			return err
		}
		fmt.Printf("removed %q (%d bytes)\n", dest[:n], n)
		return nil

	case "checkpoint":
		return eng.Checkpoint()

	default:
		return fmt.Errorf("unknown command %q, try .help", fields[0])
	}
}
