package display

import (
	"strings"
	"testing"
)

func TestAppend_MergesConsecutiveSameKind(t *testing.T) {
	t.Parallel()
	var d Display
	d.Append(KindThinking, "let me ")
	d.Append(KindThinking, "think")
	d.Append(KindText, "Answer: ")
	d.Append(KindText, "42")
	d.Append(KindThinking, "more thinking")

	blocks := d.Blocks()
	if got, want := len(blocks), 3; got != want {
		t.Fatalf("block count = %d, want %d", got, want)
	}
	if blocks[0].Text != "let me think" {
		t.Errorf("blocks[0] = %q", blocks[0].Text)
	}
	if blocks[1].Text != "Answer: 42" {
		t.Errorf("blocks[1] = %q", blocks[1].Text)
	}
}

func TestAppend_EmptyIsNoOp(t *testing.T) {
	t.Parallel()
	var d Display
	d.Append(KindText, "")
	if d.HasContent() {
		t.Error("empty append must not create a block")
	}
}

func TestHasTextContent_IgnoresThinking(t *testing.T) {
	t.Parallel()
	var d Display
	d.Append(KindThinking, "pondering deeply")
	if d.HasTextContent() {
		t.Error("thinking alone must not count as text content")
	}
	d.Append(KindText, "   ")
	if d.HasTextContent() {
		t.Error("whitespace prose must not count as text content")
	}
	d.Append(KindText, "hello")
	if !d.HasTextContent() {
		t.Error("prose must count as text content")
	}
}

func TestFinalText_ExcludesThinking(t *testing.T) {
	t.Parallel()
	var d Display
	d.Append(KindThinking, "hmm")
	d.Append(KindText, "part one")
	d.Append(KindThinking, "hmm again")
	d.Append(KindText, " part two")

	if got, want := d.FinalText(), "part one part two"; got != want {
		t.Errorf("FinalText = %q, want %q", got, want)
	}
}

func TestSplit_ShortStringUntouched(t *testing.T) {
	t.Parallel()
	got := Split("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("Split = %v, want [hello]", got)
	}
	if got := Split("   ", 100); got != nil {
		t.Errorf("whitespace-only Split = %v, want nil", got)
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	got := Split(s, 80)
	if len(got) != 2 {
		t.Fatalf("chunk count = %d, want 2: %q", len(got), got)
	}
	if got[0] != strings.Repeat("a", 50) {
		t.Errorf("first chunk = %q", got[0])
	}
	if got[1] != strings.Repeat("b", 50) {
		t.Errorf("second chunk = %q", got[1])
	}
}

func TestSplit_FallsBackToNewlineThenHardCut(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 50)
	got := Split(s, 80)
	if len(got) != 2 || got[0] != strings.Repeat("a", 50) {
		t.Fatalf("newline split = %q", got)
	}

	hard := strings.Repeat("c", 100)
	got = Split(hard, 40)
	if len(got) != 3 {
		t.Fatalf("hard cut chunk count = %d, want 3", len(got))
	}
	for i, c := range got {
		if len(c) > 40 {
			t.Errorf("chunk %d length = %d, exceeds max", i, len(c))
		}
	}
	if strings.Join(got, "") != hard {
		t.Error("hard cut must preserve all content")
	}
}

func TestSplit_NeverCutsRune(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é", 50)
	for _, chunk := range Split(s, 41) {
		if !strings.HasPrefix(chunk, "é") {
			t.Fatalf("chunk starts mid-rune: %q", chunk)
		}
	}
}

func TestRenderChunks_FoldsThinking(t *testing.T) {
	t.Parallel()
	blocks := []Block{
		{Kind: KindThinking, Text: "a < b"},
		{Kind: KindText, Text: "result"},
	}
	chunks := renderChunks(blocks, 4096)
	if len(chunks) != 1 {
		t.Fatalf("chunk count = %d, want 1", len(chunks))
	}
	want := "<blockquote expandable>a &lt; b</blockquote>\n\nresult"
	if chunks[0] != want {
		t.Errorf("rendered = %q, want %q", chunks[0], want)
	}
}

func TestRenderChunks_RespectsMax(t *testing.T) {
	t.Parallel()
	blocks := []Block{{Kind: KindText, Text: strings.Repeat("x", 9000)}}
	chunks := renderChunks(blocks, 4096)
	if len(chunks) < 3 {
		t.Fatalf("chunk count = %d, want >= 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4096 {
			t.Errorf("chunk %d length = %d, exceeds platform cap", i, len(c))
		}
	}
}
