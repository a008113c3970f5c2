package firmware

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCompose_FullSketch(t *testing.T) {
	source := "void setup() {\n  pinMode(13, OUTPUT);\n}\n\nvoid loop() {\n  digitalWrite(13, HIGH);\n}\n"
	got := Compose(source)

	if !strings.HasPrefix(got, "#include \"arduino.h\"\n#line 1 \"sketch.ino\"\n") {
		t.Errorf("composed unit does not start with include and line directive:\n%s", got)
	}
	for _, want := range []string{
		"unosim::boot();",
		"setup();",
		"unosim::emit_registry();",
		"unosim::poll_input();",
		"loop();",
		"for (;;)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("composed unit missing %q", want)
		}
	}
}

func TestCompose_SetupOnly(t *testing.T) {
	got := Compose("void setup() {}\n")
	if !strings.Contains(got, "setup();") {
		t.Error("setup() not called")
	}
	if strings.Contains(got, "loop();") {
		t.Error("loop() called for a sketch without one")
	}
	if strings.Contains(got, "for (;;)") {
		t.Error("drive loop generated for a sketch without loop()")
	}
	if !strings.Contains(got, "unosim::shutdown();") {
		t.Error("shutdown hook missing from linear sketch")
	}
}

func TestCompose_NoEntryPoints(t *testing.T) {
	got := Compose("int add(int a, int b) { return a + b; }\n")
	if strings.Contains(got, "setup();") || strings.Contains(got, "loop();") {
		t.Error("entry points called for a bare library sketch")
	}
	if !strings.Contains(got, "unosim::emit_registry();") {
		t.Error("registry still emitted even without entry points")
	}
}

func TestCompose_TerminatesUnterminatedSource(t *testing.T) {
	got := Compose("void setup() {}")
	if !strings.Contains(got, "void setup() {}\n") {
		t.Error("source not newline-terminated before footer")
	}
}

func TestHasEntryPoints(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   bool
	}{
		{"both", "void setup() {}\nvoid loop() {}", true},
		{"setup only", "void setup(void) {}", true},
		{"loop spaced", "void  loop ( ) {}", true},
		{"neither", "int main() { return 0; }", false},
		{"mention in comment counts", "// void setup()", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasEntryPoints(tt.source); got != tt.want {
				t.Errorf("HasEntryPoints(%q) = %v, want %v", tt.source, got, tt.want)
			}
		})
	}
}

func TestWriteAssets(t *testing.T) {
	dir := t.TempDir()
	if err := WriteAssets(dir); err != nil {
		t.Fatalf("WriteAssets: %v", err)
	}

	header, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	if err != nil {
		t.Fatalf("reading header: %v", err)
	}
	if !strings.Contains(string(header), "class HardwareSerial") {
		t.Error("header missing HardwareSerial declaration")
	}

	source, err := os.ReadFile(filepath.Join(dir, SourceFile))
	if err != nil {
		t.Fatalf("reading source: %v", err)
	}
	for _, marker := range []string{"[[PIN_MODE:", "[[SERIAL_EVENT:", "[[IO_REGISTRY_START]]", "[[STDIN_RECV:"} {
		if !strings.Contains(string(source), marker) {
			t.Errorf("mock layer source missing %s emitter", marker)
		}
	}
}
