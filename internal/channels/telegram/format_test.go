package telegram

import (
	"strings"
	"testing"
)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**Session compacted**", "<b>Session compacted</b>"},
		{"italic", "_Nothing to compact: history within threshold._", "<i>Nothing to compact: history within threshold.</i>"},
		{"code", "use `/compact 20`", "use <code>/compact 20</code>"},
		{"escape", "a < b & c", "a &lt; b &amp; c"},
		{"link", "[docs](https://example.com/?a=1&b=2)", `<a href="https://example.com/?a=1&amp;b=2">docs</a>`},
		{"strike", "~~old~~", "<s>old</s>"},
		{"heading", "# Status", "<b>Status</b>"},
		{"raw html dropped", "x <span>y</span>", "x y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FormatMessage(tt.in)
			if !ok {
				t.Fatalf("conversion failed for %q", tt.in)
			}
			if got != tt.want {
				t.Errorf("FormatMessage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatReportList(t *testing.T) {
	md := "**Session compacted**\n\n- Compacted: 152 messages\n- Kept: 50 messages"
	got, _ := FormatMessage(md)
	for _, want := range []string{"<b>Session compacted</b>", "• Compacted: 152 messages\n", "• Kept: 50 messages"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestFormatCodeBlockEscapes(t *testing.T) {
	got, _ := FormatMessage("```json\n{\"a\": \"<b>\"}\n```")
	if got != "<pre>{\"a\": \"&lt;b&gt;\"}\n</pre>" {
		t.Errorf("got %q", got)
	}
}

func TestFormatTable(t *testing.T) {
	got, _ := FormatMessage("| key | total |\n|---|---|\n| telegram:1 | 2 |")
	want := "<pre>| key        | total |\n|------------|-------|\n| telegram:1 | 2     |\n</pre>"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestFormatEmpty(t *testing.T) {
	if got, ok := FormatMessage(""); got != "" || !ok {
		t.Errorf("got %q, %v", got, ok)
	}
}

func TestChunk(t *testing.T) {
	if got := Chunk("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("got %q", got)
	}

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := Chunk(text, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Errorf("expected split at newline, got %q", got)
	}

	got = Chunk(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Errorf("expected hard split, got %q", got)
	}
}

func TestSessionKeys(t *testing.T) {
	key := SessionKey(-100123)
	if key != "telegram:-100123" {
		t.Errorf("key = %q", key)
	}
	if id, ok := ChatIDFromKey(key); !ok || id != -100123 {
		t.Errorf("round trip failed: %d %v", id, ok)
	}
	for _, bad := range []string{"cli:1", "telegram:", "telegram:abc"} {
		if _, ok := ChatIDFromKey(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
