// Command replaydbg serves a previously captured RISC-V execution trace to
// a standard source-level debugger over the GDB remote serial protocol, or
// (with -inspect) browses the trace offline in a terminal UI. Shaped after
// the teacher's main.go: stdlib flag parsing, config-file defaults
// overridden by flags, one-shot errors on stderr, structured diagnostics
// via the stdlib log package for the long-running server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/config"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/inspector"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/loader"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/memmap"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/replay"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/rsp"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/server"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/tracelog"
)

// blobFlag accumulates repeatable -blob addr=path arguments.
type blobFlag []loader.RawBlob

func (b *blobFlag) String() string {
	if b == nil {
		return ""
	}
	parts := make([]string, len(*b))
	for i, v := range *b {
		parts[i] = fmt.Sprintf("0x%x=%s", v.LoadAddress, v.Path)
	}
	return strings.Join(parts, ",")
}

func (b *blobFlag) Set(s string) error {
	addrStr, path, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("-blob must be addr=path, got %q", s)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("-blob address %q: %w", addrStr, err)
	}
	*b = append(*b, loader.RawBlob{LoadAddress: addr, Path: path})
	return nil
}

// elfManifestFlag accumulates repeatable -elf path arguments. Each path
// names a JSON manifest produced by an external object-file loader (this
// core never parses object file formats itself), shaped as:
//
//	{"load_address": "0x8000", "address_width_bits": 32, "blob_path": "prog.bin"}
type elfManifestFlag []string

func (e *elfManifestFlag) String() string {
	if e == nil {
		return ""
	}
	return strings.Join(*e, ",")
}

func (e *elfManifestFlag) Set(s string) error {
	*e = append(*e, s)
	return nil
}

type elfManifest struct {
	LoadAddress      string `json:"load_address"`
	AddressWidthBits int    `json:"address_width_bits"`
	BlobPath         string `json:"blob_path"`
}

func loadELFManifest(path string) (loader.ELFBlob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return loader.ELFBlob{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m elfManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return loader.ELFBlob{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(m.LoadAddress, "0x"), 16, 64)
	if err != nil {
		return loader.ELFBlob{}, fmt.Errorf("manifest %s: bad load_address %q: %w", path, m.LoadAddress, err)
	}
	bytes, err := os.ReadFile(m.BlobPath)
	if err != nil {
		return loader.ELFBlob{}, fmt.Errorf("manifest %s: reading blob %s: %w", path, m.BlobPath, err)
	}
	return loader.ELFBlob{LoadAddress: addr, Bytes: bytes, AddressWidthBits: m.AddressWidthBits}, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a TOML config file (defaults applied if absent)")
		listen     = flag.String("listen", "", "host:port to listen on (overrides config)")
		traceLog   = flag.String("trace-log", "", "path to the captured trace log (overrides config)")
		verbose    = flag.Bool("verbose", false, "verbose diagnostics")
		quiet      = flag.Bool("quiet", false, "suppress non-error diagnostics")
		inspect    = flag.Bool("inspect", false, "browse the trace offline instead of serving it")
		blobs      blobFlag
		elfs       elfManifestFlag
	)
	flag.Var(&blobs, "blob", "addr=path raw binary blob, repeatable")
	flag.Var(&elfs, "elf", "path to an object-file-loader manifest, repeatable")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydbg: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *listen, *traceLog, *verbose, *quiet)

	logger := newLogger(cfg.Logging.Verbosity)

	mm, xlenBytes, err := buildMemMap(cfg, blobs, elfs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydbg: %v\n", err)
		return 1
	}

	stream, err := loadTrace(cfg.Trace.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydbg: %v\n", err)
		return 1
	}

	if *inspect {
		app := inspector.New(mm, stream)
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "replaydbg: inspector: %v\n", err)
			return 1
		}
		return 0
	}

	session, err := replay.NewSession(mm, stream, xlenBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydbg: %v\n", err)
		return 1
	}
	session.Logger = logger

	dispatcher := rsp.NewDispatcher(session, logger)
	srv := server.New(cfg.Server.Listen, dispatcher, logger)

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf("replaydbg: received interrupt, shutting down")
		interrupted.Store(true)
		_ = srv.Shutdown()
	}()

	logger.Printf("replaydbg: listening on %s", cfg.Server.Listen)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "replaydbg: %v\n", err)
		return 1
	}
	if interrupted.Load() {
		return 2
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func applyOverrides(cfg *config.Config, listen, traceLog string, verbose, quiet bool) {
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if traceLog != "" {
		cfg.Trace.LogPath = traceLog
	}
	if verbose {
		cfg.Logging.Verbosity = "verbose"
	}
	if quiet {
		cfg.Logging.Verbosity = "quiet"
	}
}

func newLogger(verbosity string) *log.Logger {
	if verbosity == "quiet" {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "replaydbg: ", log.LstdFlags)
}

func buildMemMap(cfg *config.Config, blobFlags blobFlag, elfFlags elfManifestFlag) (*memmap.Map, int, error) {
	rawBlobs := make([]loader.RawBlob, 0, len(cfg.RawBlobs)+len(blobFlags))
	for _, b := range cfg.RawBlobs {
		addr, err := strconv.ParseUint(strings.TrimPrefix(b.Address, "0x"), 16, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("config raw_blob address %q: %w", b.Address, err)
		}
		rawBlobs = append(rawBlobs, loader.RawBlob{LoadAddress: addr, Path: b.Path})
	}
	rawBlobs = append(rawBlobs, blobFlags...)

	elfBlobs := make([]loader.ELFBlob, 0, len(cfg.ELFBlobs)+len(elfFlags))
	for _, e := range cfg.ELFBlobs {
		addr, err := strconv.ParseUint(strings.TrimPrefix(e.Address, "0x"), 16, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("config elf_blob address %q: %w", e.Address, err)
		}
		bytes, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("config elf_blob %s: %w", e.Path, err)
		}
		elfBlobs = append(elfBlobs, loader.ELFBlob{LoadAddress: addr, Bytes: bytes, AddressWidthBits: e.AddressBits})
	}
	for _, path := range elfFlags {
		blob, err := loadELFManifest(path)
		if err != nil {
			return nil, 0, err
		}
		elfBlobs = append(elfBlobs, blob)
	}

	mm, xlen, err := loader.Load(elfBlobs, rawBlobs)
	if err != nil {
		return nil, 0, err
	}
	return mm, xlen, nil
}

func loadTrace(path string) (*tracelog.Stream, error) {
	if path == "" {
		return nil, fmt.Errorf("no trace log configured (use -trace-log or the config file)")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace log %s: %w", path, err)
	}
	defer f.Close()

	stream, err := tracelog.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing trace log %s: %w", path, err)
	}
	return stream, nil
}
