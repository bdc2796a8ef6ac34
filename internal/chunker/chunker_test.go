package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkNeedsTargetLength(t *testing.T) {
	seg, n := Chunk("Short. Text.", 20)
	if seg != "" || n != 0 {
		t.Fatalf("Chunk(short) = (%q, %d), want no segment", seg, n)
	}
}

func TestChunkPrefersLastSentenceEndBeforeTarget(t *testing.T) {
	text := "Step one is easy. Step two requires care, and you should take your time. Done."
	seg, n := Chunk(text, 20)
	if seg != "Step one is easy." {
		t.Fatalf("segment = %q, want %q", seg, "Step one is easy.")
	}
	if n != utf8.RuneCountInString(seg) {
		t.Fatalf("consumed = %d, want %d", n, utf8.RuneCountInString(seg))
	}

	rest := text[len(seg):]
	seg, n = Chunk(rest, 50)
	want := " Step two requires care, and you should take your time."
	if seg != want {
		t.Fatalf("second segment = %q, want %q", seg, want)
	}
	if n != utf8.RuneCountInString(want) {
		t.Fatalf("second consumed = %d, want %d", n, utf8.RuneCountInString(want))
	}
}

func TestChunkFallsBackToSoftBreak(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta"
	seg, n := ChunkWithOverflow(text, 20, 0)
	if seg != "alpha beta gamma " {
		t.Fatalf("segment = %q, want %q", seg, "alpha beta gamma ")
	}
	if n != 17 {
		t.Fatalf("consumed = %d, want 17", n)
	}
}

func TestChunkEmitsNothingWithoutBoundary(t *testing.T) {
	text := strings.Repeat("x", 40)
	if seg, n := Chunk(text, 20); seg != "" || n != 0 {
		t.Fatalf("Chunk(no boundary) = (%q, %d), want no segment", seg, n)
	}
}

func TestChunkCJK(t *testing.T) {
	text := "今天天气很好。我们去公园散步吧！然后回家"
	seg, n := ChunkWithOverflow(text, 10, 0)
	if seg != "今天天气很好。" {
		t.Fatalf("segment = %q, want %q", seg, "今天天气很好。")
	}
	if n != 7 {
		t.Fatalf("consumed = %d, want 7", n)
	}
	if !utf8.ValidString(seg) {
		t.Fatalf("segment is not valid UTF-8: %q", seg)
	}
}

func TestChunkFullWidthSoftBreak(t *testing.T) {
	text := "我们需要准备材料，然后开始实验并且记录数据结果"
	seg, n := ChunkWithOverflow(text, 12, 0)
	if seg != "我们需要准备材料，" {
		t.Fatalf("segment = %q, want %q", seg, "我们需要准备材料，")
	}
	if n != 9 {
		t.Fatalf("consumed = %d, want 9", n)
	}
}

func TestChunkOverflowWindowIsBounded(t *testing.T) {
	text := strings.Repeat("word ", 10) + "end."
	// The terminator sits at rune 53, outside a 20+10 window.
	seg, _ := ChunkWithOverflow(text, 20, 10)
	if strings.HasSuffix(seg, ".") {
		t.Fatalf("segment = %q, must not reach the distant terminator", seg)
	}
	if !strings.HasSuffix(seg, " ") {
		t.Fatalf("segment = %q, want soft-break cut", seg)
	}
}

func TestChunkNewlineIsSentenceEnd(t *testing.T) {
	seg, _ := ChunkWithOverflow("first line\nsecond line goes on", 15, 0)
	if seg != "first line\n" {
		t.Fatalf("segment = %q, want %q", seg, "first line\n")
	}
}
