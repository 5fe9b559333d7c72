package registry

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stratabase/strata/internal/domain"
)

func TestNormalizeSource(t *testing.T) {
	in := "\ufeffdef main(input):   \r\n    return input\t\r\n"
	want := "def main(input):\n    return input\n"
	if got := NormalizeSource(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestContentHashStableAcrossFormatting(t *testing.T) {
	a := ContentHash(NormalizeSource("x = 1\r\ny = 2  \r\n"))
	b := ContentHash(NormalizeSource("x = 1\ny = 2\n"))
	if a != b {
		t.Fatal("formatting-only differences must hash identically")
	}

	c := ContentHash(NormalizeSource("x = 1\ny = 3\n"))
	if a == c {
		t.Fatal("distinct source must hash differently")
	}
}

func TestParseInlineDeps(t *testing.T) {
	source := `# /// script
# dependencies = [ "requests==2.31", "pydantic" ]
# ///
def main(input):
    return input
`
	deps, err := ParseInlineDeps(source)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"requests==2.31", "pydantic"}
	if !reflect.DeepEqual(deps, want) {
		t.Fatalf("got %v, want %v", deps, want)
	}
}

func TestParseInlineDepsMultiline(t *testing.T) {
	source := `# /// script
# dependencies = [
#   "requests==2.31",
#   "httpx",
# ]
# ///
`
	deps, err := ParseInlineDeps(source)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"requests==2.31", "httpx"}
	if !reflect.DeepEqual(deps, want) {
		t.Fatalf("got %v, want %v", deps, want)
	}
}

func TestParseInlineDepsNoBlock(t *testing.T) {
	deps, err := ParseInlineDeps("def main(input):\n    return 1\n")
	if err != nil || deps != nil {
		t.Fatalf("no block should parse to nil, got %v %v", deps, err)
	}
}

func TestParseInlineDepsIgnoresUnknownKeys(t *testing.T) {
	source := `# /// script
# requires-python = ">=3.11"
# dependencies = [ "numpy" ]
# ///
`
	deps, err := ParseInlineDeps(source)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(deps, []string{"numpy"}) {
		t.Fatalf("got %v", deps)
	}
}

func TestParseInlineDepsBadSource(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"unclosed block", "# /// script\n# dependencies = [ \"x\" ]\n"},
		{"uncommented line", "# /// script\ndependencies = [ \"x\" ]\n# ///\n"},
		{"unquoted entry", "# /// script\n# dependencies = [ x ]\n# ///\n"},
		{"missing equals", "# /// script\n# dependencies [ \"x\" ]\n# ///\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseInlineDeps(tc.source); !errors.Is(err, domain.ErrBadSource) {
				t.Fatalf("want ErrBadSource, got %v", err)
			}
		})
	}
}
