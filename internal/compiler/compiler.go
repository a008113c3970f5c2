// Package compiler turns sketch source into a runnable binary. It owns
// the toolchain invocation, diagnostic scrubbing, and a hash-keyed cache
// that deduplicates identical sources across sessions.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/unosim/internal/firmware"
)

// DefaultTimeout bounds a single toolchain invocation.
const DefaultTimeout = 30 * time.Second

// UsagePlaceholder is reported when the toolchain gives no size data.
const UsagePlaceholder = "Sketch uses an unknown amount of program storage space."

// ErrCanceled reports a compile abandoned before the toolchain finished.
var ErrCanceled = errors.New("compile canceled")

// Config controls toolchain selection and limits.
type Config struct {
	// Compiler is the C++ toolchain binary. Defaults to g++.
	Compiler string `yaml:"compiler"`
	// WorkRoot is where per-compile build directories are created.
	// Defaults to the system temp dir.
	WorkRoot string `yaml:"workRoot"`
	// Timeout bounds a single compile. Defaults to DefaultTimeout.
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) compiler() string {
	if c.Compiler == "" {
		return "g++"
	}
	return c.Compiler
}

func (c Config) workRoot() string {
	if c.WorkRoot == "" {
		return os.TempDir()
	}
	return c.WorkRoot
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Result is the outcome of one compile.
type Result struct {
	// OK reports whether a binary was produced.
	OK bool
	// Diagnostics is the scrubbed toolchain output, empty on a clean build.
	Diagnostics string
	// Binary is the absolute path of the produced executable.
	Binary string
	// BuildDir holds the binary and composed sources. The caller owns
	// its lifetime once the result is returned.
	BuildDir string
	// Usage is a human-readable resource summary.
	Usage string
}

// runFunc executes a toolchain command and returns its combined output.
// Swappable in tests so they need no real g++.
type runFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Compiler compiles sketches with per-source-hash deduplication: at most
// one toolchain invocation is in flight per distinct source, and repeat
// sources are served from cache.
type Compiler struct {
	cfg    Config
	logger *slog.Logger
	run    runFunc

	group singleflight.Group
	cache sync.Map // sha256 hex -> *Result
}

func New(cfg Config, logger *slog.Logger) *Compiler {
	return &Compiler{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "compiler")),
		run:    runCommand,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Compile builds the sketch, serving identical sources from cache.
// Toolchain failures are results, not errors: err is reserved for
// infrastructure problems (filesystem, cancellation).
func (c *Compiler) Compile(ctx context.Context, source string) (*Result, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	if cached, ok := c.cache.Load(key); ok {
		res := cached.(*Result)
		// A cached binary can disappear underneath us when its build
		// dir was reclaimed; recompile in that case.
		if !res.OK || fileExists(res.Binary) {
			c.logger.Debug("compile cache hit", slog.String("hash", key[:12]))
			return res, nil
		}
		c.cache.Delete(key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		res, err := c.compile(ctx, source)
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, res)
		return res, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Compiler) compile(ctx context.Context, source string) (*Result, error) {
	dir, err := os.MkdirTemp(c.cfg.workRoot(), "unosim-build-")
	if err != nil {
		return nil, fmt.Errorf("creating build dir: %w", err)
	}

	if err := firmware.WriteAssets(dir); err != nil {
		return nil, err
	}
	unit := firmware.Compose(source)
	if err := os.WriteFile(filepath.Join(dir, firmware.SketchFile), []byte(unit), 0o644); err != nil {
		return nil, fmt.Errorf("writing sketch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()

	binary := filepath.Join(dir, "sketch.bin")
	start := time.Now()
	out, err := c.run(ctx, dir, c.cfg.compiler(),
		"-std=c++17", "-O1", "-fno-exceptions",
		"-o", binary, firmware.SketchFile, firmware.SourceFile)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: toolchain exceeded %s", ErrCanceled, c.cfg.timeout())
	}

	diagnostics := scrubPaths(string(out), dir)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("invoking %s: %w", c.cfg.compiler(), err)
		}
		c.logger.Info("compile failed",
			slog.Duration("elapsed", elapsed),
			slog.Int("exitCode", exitErr.ExitCode()))
		return &Result{Diagnostics: diagnostics, BuildDir: dir}, nil
	}

	c.logger.Info("compile succeeded", slog.Duration("elapsed", elapsed))
	return &Result{
		OK:          true,
		Diagnostics: diagnostics,
		Binary:      binary,
		BuildDir:    dir,
		Usage:       c.usage(ctx, dir, binary),
	}, nil
}

// usage summarizes the binary's footprint from `size` output when the
// tool is available.
func (c *Compiler) usage(ctx context.Context, dir, binary string) string {
	out, err := c.run(ctx, dir, "size", binary)
	if err != nil {
		return UsagePlaceholder
	}
	// Second line of `size` output: text data bss dec hex filename.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return UsagePlaceholder
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 {
		return UsagePlaceholder
	}
	return fmt.Sprintf("Sketch uses %s bytes of program storage space. Global variables use %s bytes of dynamic memory.",
		fields[0], fields[2])
}

var sketchPattern = regexp.MustCompile(`sketch\.(cpp|ino)`)

// scrubPaths rewrites build-dir fragments so diagnostics reference the
// stable name users saw in the editor, never a server temp path.
func scrubPaths(diagnostics, dir string) string {
	diagnostics = strings.ReplaceAll(diagnostics, dir+string(filepath.Separator), "")
	diagnostics = strings.ReplaceAll(diagnostics, dir, "")
	return sketchPattern.ReplaceAllString(diagnostics, firmware.ScrubbedName)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
