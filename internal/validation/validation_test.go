package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/flightrec/internal/errors"
)

func TestValidateEventType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "Sample", false},
		{"dotted", "gc.PhasePause", false},
		{"underscore", "io_wait.Read", false},
		{"digits", "x86.Cpu0", false},
		{"empty", "", true},
		{"leading dot", ".hidden", true},
		{"trailing dot", "gc.", true},
		{"empty segment", "gc..Pause", true},
		{"hyphen", "gc-pause", true},
		{"space", "gc pause", true},
		{"slash", "a/b", true},
		{"control char", "a\x00b", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEventType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEventType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidConfig) {
				t.Errorf("error does not wrap ErrInvalidConfig: %v", err)
			}
		})
	}
}

func TestValidateThreadName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "producer-0", false},
		{"spaces", "GC Thread 3", false},
		{"dots", "pool.worker_1", false},
		{"empty", "", true},
		{"padded", " worker", true},
		{"newline", "a\nb", true},
		{"colon", "a:b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateThreadName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateThreadName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestEscapeLikePattern(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no special", "hello", "hello"},
		{"percent", "100%", "100\\%"},
		{"underscore", "my_name", "my\\_name"},
		{"both", "100%_complete", "100\\%\\_complete"},
		{"backslash", "path\\file", "path\\\\file"},
		{"brackets", "[test]", "\\[test\\]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLikePattern(tt.input)
			if got != tt.want {
				t.Errorf("EscapeLikePattern(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSafeLikePrefix(t *testing.T) {
	got := SafeLikePrefix("100%")
	want := "100\\%%"
	if got != want {
		t.Errorf("SafeLikePrefix(%q) = %q, want %q", "100%", got, want)
	}
}

func TestSafeLikeContains(t *testing.T) {
	got := SafeLikeContains("100%")
	want := "%100\\%%"
	if got != want {
		t.Errorf("SafeLikeContains(%q) = %q, want %q", "100%", got, want)
	}
}

func BenchmarkEscapeLikePattern(b *testing.B) {
	pattern := "100%_[test]"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EscapeLikePattern(pattern)
	}
}
