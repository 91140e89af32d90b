// pmctl is a CLI for administering PMwCAS pool files.
//
// Usage:
//
//	pmctl create [opts] <pool-file>   Create a new pool file
//	pmctl info <pool-file>            Print header and descriptor census
//	pmctl recover <pool-file>         Run crash recovery on a pool file
//	pmctl repl <pool-file>            Interactive inspector
//
// Options for 'create':
//
//	-s, --size         Pool size in bytes (default from config, else 64 MiB)
//	-d, --descriptors  Descriptor slots (default from config, else 1024)
//	    --sync         Open with synchronous writeback
//
// Commands (in REPL):
//
//	info                      Show pool info
//	census                    Count descriptor slots by status
//	status <slot>             Show one descriptor slot
//	read <offset>             Logical read of a managed word
//	cas <offset> <old> <new>  Single-word PMwCAS
//	help                      Show this help
//	exit / quit / q           Exit
//
// Configuration is read from .pmctl.json in the working directory (HuJSON,
// comments allowed):
//
//	{
//	    // defaults for 'pmctl create'
//	    "pool_size": 67108864,
//	    "descriptors": 1024,
//	    "sync": false,
//	}
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/pmwcas/pkg/ebr"
	"github.com/calvinalkan/pmwcas/pkg/pmem"
	"github.com/calvinalkan/pmwcas/pkg/pmwcas"
)

// configFileName is the per-directory config file.
const configFileName = ".pmctl.json"

// config holds defaults for pool creation.
type config struct {
	PoolSize    int64 `json:"pool_size"`    //nolint:tagliatelle // snake_case for config file
	Descriptors int   `json:"descriptors"`  //nolint:tagliatelle
	Sync        bool  `json:"sync"`
}

func defaultConfig() config {
	return config{
		PoolSize:    64 << 20,
		Descriptors: 1024,
	}
}

// loadConfig reads .pmctl.json if present. Missing file is not an error.
func loadConfig() (config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(configFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return cfg, fmt.Errorf("reading %s: %w", configFileName, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", configFileName, err)
	}

	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", configFileName, err)
	}

	return cfg, nil
}

// manifest is the JSON sidecar written next to a created pool.
type manifest struct {
	Path               string `json:"path"`
	PoolSize           int64  `json:"pool_size"`            //nolint:tagliatelle
	Descriptors        int    `json:"descriptors"`          //nolint:tagliatelle
	WordsPerDescriptor int    `json:"words_per_descriptor"` //nolint:tagliatelle
	Created            string `json:"created"`
}

func writeManifest(poolPath string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	data = append(data, '\n')

	return atomic.WriteFile(poolPath+".manifest.json", strings.NewReader(string(data)))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()

		return errors.New("missing command")
	}

	switch args[0] {
	case "create":
		return runCreate(args[1:])
	case "info":
		return runInfo(args[1:])
	case "recover":
		return runRecover(args[1:])
	case "repl":
		return runREPL(args[1:])
	case "help", "--help", "-h":
		printUsage()

		return nil
	default:
		printUsage()

		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  pmctl create [opts] <pool-file>   Create a new pool file\n")
	fmt.Fprintf(os.Stderr, "  pmctl info <pool-file>            Print header and descriptor census\n")
	fmt.Fprintf(os.Stderr, "  pmctl recover <pool-file>         Run crash recovery\n")
	fmt.Fprintf(os.Stderr, "  pmctl repl <pool-file>            Interactive inspector\n")
}

func runCreate(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	size := fs.Int64P("size", "s", cfg.PoolSize, "pool size in bytes")
	descriptors := fs.IntP("descriptors", "d", cfg.Descriptors, "descriptor slots")
	sync := fs.Bool("sync", cfg.Sync, "synchronous writeback")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return errors.New("missing pool file path")
	}

	path := fs.Arg(0)

	pool, err := pmwcas.Create(pmwcas.Options{
		Path:        path,
		PoolSize:    *size,
		Descriptors: *descriptors,
		Writeback:   writeback(*sync),
	})
	if err != nil {
		return err
	}

	defer func() { _ = pool.Close() }()

	m := manifest{
		Path:               path,
		PoolSize:           pool.Mem().Size(),
		Descriptors:        pool.Capacity(),
		WordsPerDescriptor: pmwcas.WordsPerDescriptor,
		Created:            time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeManifest(path, m); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	fmt.Printf("created %s: %d bytes, %d descriptors\n", path, pool.Mem().Size(), pool.Capacity())

	return nil
}

func writeback(sync bool) pmem.Writeback {
	if sync {
		return pmem.SyncWriteback
	}

	return pmem.NoWriteback
}

func openPool(args []string, sync bool) (*pmwcas.Pool, error) {
	if len(args) < 1 {
		return nil, errors.New("missing pool file path")
	}

	return pmwcas.Open(pmwcas.Options{
		Path:      args[0],
		Writeback: writeback(sync),
	})
}

func runInfo(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := openPool(args, cfg.Sync)
	if err != nil {
		return err
	}

	defer func() { _ = pool.Close() }()

	printInfo(os.Stdout, pool)
	printCensus(os.Stdout, pool)

	return nil
}

func runRecover(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Open already runs recovery; running it again here demonstrates and
	// relies on recovery idempotence.
	pool, err := openPool(args, cfg.Sync)
	if err != nil {
		return err
	}

	defer func() { _ = pool.Close() }()

	pool.Recover()
	fmt.Println("recovery complete; all descriptor slots free")

	return nil
}

func printInfo(w io.Writer, pool *pmwcas.Pool) {
	fmt.Fprintf(w, "pool size:            %d bytes\n", pool.Mem().Size())
	fmt.Fprintf(w, "descriptors:          %d\n", pool.Capacity())
	fmt.Fprintf(w, "words per descriptor: %d\n", pmwcas.WordsPerDescriptor)
	fmt.Fprintf(w, "data region:          %s .. end\n", pool.UserOffset())
}

func printCensus(w io.Writer, pool *pmwcas.Pool) {
	counts := map[pmwcas.Status]int{}

	for i := 0; i < pool.Capacity(); i++ {
		counts[pool.SlotStatus(i)]++
	}

	fmt.Fprintf(w, "slots: %d free, %d undecided, %d success, %d failed\n",
		counts[pmwcas.StatusFree], counts[pmwcas.StatusUndecided],
		counts[pmwcas.StatusSuccess], counts[pmwcas.StatusFailed])
}

// repl is the interactive inspector session.
type repl struct {
	pool   *pmwcas.Pool
	liner  *liner.State
	worker *ebr.Worker
}

func runREPL(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := openPool(args, cfg.Sync)
	if err != nil {
		return err
	}

	defer func() { _ = pool.Close() }()

	r := &repl{pool: pool, worker: pool.Register()}

	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	for {
		line, err := r.liner.Prompt("pmctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		if done := r.dispatch(line); done {
			return nil
		}
	}
}

func (r *repl) dispatch(line string) (done bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		r.help()
	case "info":
		printInfo(os.Stdout, r.pool)
	case "census":
		printCensus(os.Stdout, r.pool)
	case "status":
		r.cmdStatus(args)
	case "read":
		r.cmdRead(args)
	case "cas":
		r.cmdCAS(args)
	default:
		fmt.Printf("unknown command %q (try 'help')\n", cmd)
	}

	return false
}

func (r *repl) help() {
	fmt.Println("  info                      Show pool info")
	fmt.Println("  census                    Count descriptor slots by status")
	fmt.Println("  status <slot>             Show one descriptor slot")
	fmt.Println("  read <offset>             Logical read of a managed word")
	fmt.Println("  cas <offset> <old> <new>  Single-word PMwCAS")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *repl) cmdStatus(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: status <slot>")

		return
	}

	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 0 || slot >= r.pool.Capacity() {
		fmt.Printf("bad slot (0..%d)\n", r.pool.Capacity()-1)

		return
	}

	fmt.Printf("slot %d: %s\n", slot, r.pool.SlotStatus(slot))
}

func (r *repl) cmdRead(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: read <offset>")

		return
	}

	off, ok := r.parseOffset(args[0])
	if !ok {
		return
	}

	r.worker.Enter()
	v := r.pool.Read(off)
	r.worker.Exit()

	fmt.Printf("%s = %d (0x%x)\n", off, v, v)
}

func (r *repl) cmdCAS(args []string) {
	if len(args) != 3 {
		fmt.Println("usage: cas <offset> <old> <new>")

		return
	}

	off, ok := r.parseOffset(args[0])
	if !ok {
		return
	}

	old, err1 := strconv.ParseUint(args[1], 0, 64)
	newVal, err2 := strconv.ParseUint(args[2], 0, 64)

	if err1 != nil || err2 != nil {
		fmt.Println("bad value")

		return
	}

	r.worker.Enter()
	defer r.worker.Exit()

	d, err := r.pool.Alloc(pmwcas.RecycleNone, 0)
	if err != nil {
		fmt.Printf("alloc: %v\n", err)

		return
	}

	if err := r.pool.Add(d, off, old, newVal, pmwcas.RecycleDefault); err != nil {
		r.pool.Free(d)
		fmt.Printf("add: %v\n", err)

		return
	}

	ok = r.pool.Commit(d)
	r.pool.Free(d)

	if ok {
		fmt.Println("swapped")
	} else {
		fmt.Println("mismatch, word unchanged")
	}
}

func (r *repl) parseOffset(s string) (pmem.Offset, bool) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil || v%8 != 0 || int64(v)+8 > r.pool.Mem().Size() {
		fmt.Println("bad offset (8-byte aligned, within pool)")

		return 0, false
	}

	return pmem.Offset(v), true
}
