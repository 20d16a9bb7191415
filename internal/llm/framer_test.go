package llm

import "testing"

func collect(t *testing.T, f *framer, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		for _, line := range f.feed([]byte(c)) {
			out = append(out, string(line))
		}
	}
	return out
}

func TestFramer(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		rest   string
	}{
		{
			name:   "single complete line",
			chunks: []string{"{\"a\":1}\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "two lines one chunk",
			chunks: []string{"{\"a\":1}\n{\"b\":2}\n"},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "record split mid chunk",
			chunks: []string{`{"a"`, ":1}\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "newline split from record",
			chunks: []string{`{"a":1}`, "\n", `{"b":2}`, "\n"},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "crlf stripped",
			chunks: []string{"{\"a\":1}\r\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "blank lines skipped",
			chunks: []string{"\n\n{\"a\":1}\n\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "trailing partial buffered",
			chunks: []string{"{\"a\":1}\n{\"b\""},
			want:   []string{`{"a":1}`},
			rest:   `{"b"`,
		},
		{
			name:   "byte at a time",
			chunks: []string{"{", "\"", "a", "\"", ":", "1", "}", "\n"},
			want:   []string{`{"a":1}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f framer
			got := collect(t, &f, tt.chunks...)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d lines %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
			if rest := string(f.rest()); rest != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestFramerLinesOutliveNextFeed(t *testing.T) {
	var f framer
	lines := f.feed([]byte("first\n"))
	f.feed([]byte("second line overwriting buffer\n"))
	if string(lines[0]) != "first" {
		t.Fatalf("returned line mutated by later feed: %q", lines[0])
	}
}
