package stream

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

const exampleText = "Step one is easy. Step two requires care, and you should take your time. Done."

func TestAggregatorWorkedExample(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 20, ChunkTarget: 50, SessionID: "s1", RequestID: "r1"})

	segs, err := a.OnDelta(exampleText)
	if err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	completed := completedTexts(segs)
	want := []string{"Step one is easy.", " Step two requires care, and you should take your time."}
	if strings.Join(completed, "|") != strings.Join(want, "|") {
		t.Fatalf("completed = %q, want %q", completed, want)
	}
	last := segs[len(segs)-1]
	if last.Kind != KindPartial || last.Text != " Done." {
		t.Fatalf("last segment = %+v, want partial %q", last, " Done.")
	}
	if st := a.State(); st.IsFirstSegment || st.TotalProcessedLength != 17+55 {
		t.Fatalf("State() = %+v, want processed %d and not first", st, 17+55)
	}

	final, ok := a.Finalize(exampleText)
	if !ok {
		t.Fatalf("Finalize() ok = false, want true")
	}
	if final.Text != " Done." || final.Kind != KindCompleted {
		t.Fatalf("Finalize() = %+v, want completed %q", final, " Done.")
	}
	if !final.Promoted {
		t.Fatalf("Finalize().Promoted = false, want true")
	}
	if final.Ordinal != last.Ordinal {
		t.Fatalf("Finalize().Ordinal = %d, want partial ordinal %d", final.Ordinal, last.Ordinal)
	}
}

func TestAggregatorFirstSegmentState(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 20, ChunkTarget: 50})
	segs, err := a.OnDelta("Step one is easy. St")
	if err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	if len(segs) != 2 || segs[0].Text != "Step one is easy." || segs[1].Text != " St" {
		t.Fatalf("segments = %+v", segs)
	}
	st := a.State()
	if st.TotalProcessedLength != utf8.RuneCountInString("Step one is easy.") || st.IsFirstSegment {
		t.Fatalf("State() = %+v", st)
	}
}

func TestAggregatorNoLossAcrossRandomDeltas(t *testing.T) {
	texts := []string{
		exampleText,
		strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40),
		strings.Repeat("今天天气很好，我们去公园散步吧！", 30),
		strings.Repeat("nobreaksatall", 30),
		"Line one\nLine two\n\nLine four, with a comma; and more words here? Yes!",
	}
	rng := rand.New(rand.NewSource(7))
	for _, text := range texts {
		for trial := 0; trial < 20; trial++ {
			a := NewAggregator(Options{FirstTarget: 12 + rng.Intn(20), ChunkTarget: 30 + rng.Intn(60)})
			runes := []rune(text)
			var (
				completed []string
				partial   string
				lastProc  int
				cut       int
			)
			for cut < len(runes) {
				cut += 1 + rng.Intn(9)
				if cut > len(runes) {
					cut = len(runes)
				}
				acc := string(runes[:cut])
				segs, err := a.OnDelta(acc)
				if err != nil {
					t.Fatalf("OnDelta() error = %v", err)
				}
				for _, s := range segs {
					if s.Kind == KindCompleted {
						completed = append(completed, s.Text)
						partial = ""
					} else {
						partial = s.Text
					}
				}
				st := a.State()
				if st.TotalProcessedLength < lastProc {
					t.Fatalf("TotalProcessedLength decreased: %d < %d", st.TotalProcessedLength, lastProc)
				}
				if st.TotalProcessedLength > cut {
					t.Fatalf("TotalProcessedLength %d exceeds seen length %d", st.TotalProcessedLength, cut)
				}
				lastProc = st.TotalProcessedLength
				if got := strings.Join(completed, "") + partial; got != acc {
					t.Fatalf("segments cover %q, want %q", got, acc)
				}
			}
			if final, ok := a.Finalize(text); ok {
				completed = append(completed, final.Text)
			}
			if got := strings.Join(completed, ""); got != text {
				t.Fatalf("reassembled text mismatch:\n got %q\nwant %q", got, text)
			}
		}
	}
}

func TestAggregatorIgnoresStaleDelta(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 10, ChunkTarget: 20})
	if _, err := a.OnDelta("Hello there. General"); err != nil {
		t.Fatalf("OnDelta() error = %v", err)
	}
	before := a.State()
	segs, err := a.OnDelta("Hello")
	if err != nil {
		t.Fatalf("OnDelta(stale) error = %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("OnDelta(stale) segments = %+v, want none", segs)
	}
	if a.State() != before {
		t.Fatalf("State() changed on stale delta: %+v -> %+v", before, a.State())
	}
}

func TestAggregatorUnchangedPartialIsNotRepeated(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 50, ChunkTarget: 80})
	segs, _ := a.OnDelta("partial text")
	if len(segs) != 1 || segs[0].Kind != KindPartial {
		t.Fatalf("first segments = %+v, want one partial", segs)
	}
	segs, _ = a.OnDelta("partial text")
	if len(segs) != 0 {
		t.Fatalf("repeated delta segments = %+v, want none", segs)
	}
}

func TestAggregatorFinalizeWithoutBoundary(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 100, ChunkTarget: 200})
	_, _ = a.OnDelta("no boundary here")
	seg, ok := a.Finalize("")
	if !ok || seg.Text != "no boundary here" || seg.Kind != KindCompleted {
		t.Fatalf("Finalize() = (%+v, %v)", seg, ok)
	}
	if _, ok := a.Finalize(""); ok {
		t.Fatalf("second Finalize() ok = true, want false")
	}
}

func TestAggregatorFinalizeUsesLongerFullText(t *testing.T) {
	a := NewAggregator(Options{FirstTarget: 100, ChunkTarget: 200})
	_, _ = a.OnDelta("Hello")
	seg, ok := a.Finalize("Hello world")
	if !ok || seg.Text != "Hello world" || seg.Promoted {
		t.Fatalf("Finalize() = (%+v, %v)", seg, ok)
	}
}

func TestAggregatorInvariantViolation(t *testing.T) {
	bad := func(unprocessed string, _ int) (string, int) {
		if len(unprocessed) < 4 {
			return "", 0
		}
		return unprocessed[:4], -1
	}
	a := NewAggregator(Options{FirstTarget: 4, ChunkTarget: 4, Chunk: bad})
	segs, err := a.OnDelta("abcdefgh")
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("OnDelta() error = %v, want ErrInvariantViolation", err)
	}
	if !a.Broken() {
		t.Fatalf("Broken() = false, want true")
	}
	if len(completedTexts(segs)) != 0 {
		t.Fatalf("completed after violation = %+v", segs)
	}
	segs, err = a.OnDelta("abcdefghijkl")
	if err != nil || len(completedTexts(segs)) != 0 {
		t.Fatalf("OnDelta() after violation = (%+v, %v)", segs, err)
	}
	final, ok := a.Finalize("abcdefghijkl")
	if !ok || final.Text != "abcdefghijkl" {
		t.Fatalf("Finalize() = (%+v, %v), want whole text", final, ok)
	}
}

func TestAggregatorSubsequentTargetsAreLarger(t *testing.T) {
	text := strings.Repeat("Short one. ", 30)
	a := NewAggregator(Options{FirstTarget: 15, ChunkTarget: 60})
	segs, _ := a.OnDelta(text)
	completed := completedTexts(segs)
	if len(completed) < 2 {
		t.Fatalf("completed = %d, want at least 2", len(completed))
	}
	first := utf8.RuneCountInString(completed[0])
	if first > 15 {
		t.Fatalf("first segment length = %d, want <= 15", first)
	}
	if second := utf8.RuneCountInString(completed[1]); second <= first {
		t.Fatalf("second segment length = %d, want > first %d", second, first)
	}
}

func completedTexts(segs []Segment) []string {
	var out []string
	for _, s := range segs {
		if s.Kind == KindCompleted {
			out = append(out, s.Text)
		}
	}
	return out
}
