// Package firmware carries the hardware mock layer linked with every
// sketch: C++ sources implementing the Arduino API surface against the
// marker protocol, plus the generated entry-point footer that drives
// setup()/loop(). The emitting side of the marker contract lives in
// these assets; internal/protocol is the grammar both sides obey.
package firmware

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed assets/arduino.h assets/arduino.cpp
var assets embed.FS

// Asset file names as written into a build directory.
const (
	HeaderFile = "arduino.h"
	SourceFile = "arduino.cpp"

	// SketchFile is the composed translation unit handed to the compiler.
	SketchFile = "sketch.cpp"

	// ScrubbedName is what user-facing diagnostics call the sketch.
	ScrubbedName = "sketch.ino"
)

var (
	setupPattern = regexp.MustCompile(`void\s+setup\s*\(\s*(void)?\s*\)`)
	loopPattern  = regexp.MustCompile(`void\s+loop\s*\(\s*(void)?\s*\)`)
)

// WriteAssets materializes the mock layer sources into dir.
func WriteAssets(dir string) error {
	for _, name := range []string{HeaderFile, SourceFile} {
		data, err := assets.ReadFile("assets/" + name)
		if err != nil {
			return fmt.Errorf("reading embedded %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// Compose builds the full sketch translation unit: mock-layer include,
// the user source pinned to sketch.ino line numbers so diagnostics match
// what the user wrote, and the generated entry point.
func Compose(source string) string {
	var b strings.Builder
	b.WriteString("#include \"arduino.h\"\n")
	b.WriteString("#line 1 \"" + ScrubbedName + "\"\n")
	b.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(entryPoint(source))
	return b.String()
}

// entryPoint generates the main() footer. A sketch with setup()/loop()
// gets the standard Arduino drive loop; source defining neither runs as
// a bare library — degraded but not an error.
func entryPoint(source string) string {
	hasSetup := setupPattern.MatchString(source)
	hasLoop := loopPattern.MatchString(source)

	var b strings.Builder
	b.WriteString("\nint main() {\n")
	b.WriteString("    unosim::boot();\n")
	if hasSetup {
		b.WriteString("    setup();\n")
	}
	b.WriteString("    unosim::emit_registry();\n")
	if hasLoop {
		b.WriteString("    for (;;) {\n")
		b.WriteString("        unosim::poll_input();\n")
		b.WriteString("        loop();\n")
		b.WriteString("    }\n")
	}
	b.WriteString("    unosim::shutdown();\n")
	b.WriteString("    return 0;\n")
	b.WriteString("}\n")
	return b.String()
}

// HasEntryPoints reports whether the source defines setup() or loop().
func HasEntryPoints(source string) bool {
	return setupPattern.MatchString(source) || loopPattern.MatchString(source)
}
