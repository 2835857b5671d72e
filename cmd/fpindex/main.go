// Command fpindex is a thin demonstration shell around the directory
// package: a line-oriented REPL reading put/get/delete/stats commands from
// stdin, backed by one on-disk log and one in-process directory. It is not
// part of the index's public API surface (§6); wire format and CLI parsing
// are explicitly out of scope for the library packages themselves.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/directory"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/sslog"
)

const usage = `fpindex [options] -- an extendible-hash fingerprint index demo shell

Options:
  -c, --config path     JSONC traits file (see SPEC_FULL.md §7) [optional]
  -l, --log path        append-only log file [default: fpindex.log]
      --threads n       override NumThreads from the config file
      --verbose         enable production zap logging instead of a no-op logger

Once started, reads commands from stdin, one per line:
  put <key> <value>
  get <key>
  delete <key>
  stats
  quit
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("fpindex", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	configPath := flagSet.StringP("config", "c", "", "JSONC traits file")
	logPath := flagSet.StringP("log", "l", "fpindex.log", "append-only log file")
	threads := flagSet.Uint("threads", 0, "override NumThreads")
	verbose := flagSet.Bool("verbose", false, "enable production logging")
	help := flagSet.BoolP("help", "h", false, "show usage")

	if err := flagSet.Parse(args); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *help {
		fmt.Fprint(out, usage)
		return 0
	}

	traits, err := loadTraits(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if *threads > 0 {
		traits.NumThreads = *threads
	}
	if err := traits.Validate(); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintln(errOut, err)
			return 1
		}
		logger = l
		defer logger.Sync() //nolint:errcheck
	}

	log, err := sslog.OpenFileLog(*logPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer log.Close()

	hasher := hashing.XXHash{}
	dir := directory.New(traits, hasher, logger)
	defer dir.Close()

	shell := &shell{traits: traits, hasher: hasher, log: log, dir: dir, out: out}
	return shell.run(in)
}

type shell struct {
	traits config.Traits
	hasher hashing.Hasher
	log    *sslog.FileLog
	dir    *directory.Directory
	out    io.Writer
}

func (sh *shell) run(in io.Reader) int {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return 0
		case "put":
			sh.cmdPut(fields)
		case "get":
			sh.cmdGet(fields)
		case "delete", "del":
			sh.cmdDelete(fields)
		case "stats":
			sh.cmdStats()
		default:
			fmt.Fprintf(sh.out, "unknown command %q\n", fields[0])
		}
	}
	return 0
}

// fingerprint folds a raw digest down to FingerprintSize bits, the same
// masking every BuildFingerprint caller in the tests performs by construction.
func (sh *shell) fingerprint(key string) uint64 {
	fp := sh.hasher.Digest([]byte(key))
	if sh.traits.FingerprintSize >= 64 {
		return fp
	}
	return fp & ((uint64(1) << sh.traits.FingerprintSize) - 1)
}

func (sh *shell) cmdPut(fields []string) {
	if len(fields) != 3 {
		fmt.Fprintln(sh.out, "usage: put <key> <value>")
		return
	}
	key, value := fields[1], fields[2]
	off, err := sh.log.Write([]byte(key), []byte(value))
	if err != nil {
		fmt.Fprintf(sh.out, "put %s: %v\n", key, err)
		return
	}
	ok, err := sh.dir.WriteSegmentSync(sh.fingerprint(key), sh.log, payload.Payload{Offset: off})
	if err != nil {
		fmt.Fprintf(sh.out, "put %s: %v\n", key, err)
		return
	}
	fmt.Fprintf(sh.out, "put %s: ok=%v\n", key, ok)
}

func (sh *shell) cmdGet(fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(sh.out, "usage: get <key>")
		return
	}
	key := fields[1]
	r, err := sh.dir.ReadSegmentSync(sh.fingerprint(key), sh.log)
	if err != nil {
		fmt.Fprintf(sh.out, "get %s: %v\n", key, err)
		return
	}
	if !r.Found {
		fmt.Fprintf(sh.out, "get %s: not found\n", key)
		return
	}
	_, value, err := sh.log.Read(r.Payload.Offset)
	if err != nil {
		fmt.Fprintf(sh.out, "get %s: %v\n", key, err)
		return
	}
	fmt.Fprintf(sh.out, "get %s: %s\n", key, value)
}

func (sh *shell) cmdDelete(fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(sh.out, "usage: delete <key>")
		return
	}
	key := fields[1]
	removed, err := sh.dir.RemoveSegmentSync(sh.fingerprint(key), sh.log)
	if err != nil {
		fmt.Fprintf(sh.out, "delete %s: %v\n", key, err)
		return
	}
	fmt.Fprintf(sh.out, "delete %s: removed=%v\n", key, removed)
}

func (sh *shell) cmdStats() {
	fmt.Fprintf(sh.out, "globalDepth=%d segments=%d\n", sh.dir.GlobalDepth(), sh.dir.SegmentCount())
}
