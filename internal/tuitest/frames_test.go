package tuitest

import "testing"

func TestParseFramesSplitsOnClear(t *testing.T) {
	raw := []byte("\x1b[2J\x1b[Hfirst  \r\n\x1b[1mbold\x1b[0m\n\n\x1b[2J\x1b[Hsecond")
	frames := parseFrames(raw)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Plain != "first\nbold" {
		t.Fatalf("unexpected first frame %q", frames[0].Plain)
	}
	rec := &Recording{Raw: raw, Frames: frames}
	last, ok := rec.FinalFrame()
	if !ok || last.Plain != "second" {
		t.Fatalf("unexpected final frame %q", last.Plain)
	}
	if !rec.Contains("bold") || rec.Contains("missing") {
		t.Fatal("Contains should match frame text only")
	}
}

func TestStripANSIRemovesOSC(t *testing.T) {
	if got := stripANSI("\x1b]11;?\x07plain\x1b[31m!\x1b[0m"); got != "plain!" {
		t.Fatalf("unexpected stripped text %q", got)
	}
}
