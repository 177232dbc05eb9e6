package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegment(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Segments
	}{
		{"absent", "plain answer", Segments{Phase: PhaseAnswering, Answer: "plain answer"}},
		{"empty", "", Segments{Phase: PhaseAnswering}},
		{"open at start", "<think>step one", Segments{Phase: PhaseThinking, Thought: "step one"}},
		{"closed at start", "<think> reason </think>\n\nThe answer", Segments{Phase: PhaseAnswering, Thought: "reason", Answer: "The answer"}},
		{"mid buffer", "hello <think>plan A</think>world", Segments{Phase: PhaseAnswering, Thought: "plan A", Answer: "helloworld"}},
		{"thinking in progress", "foo <think>partial", Segments{Phase: PhaseThinking, Thought: "partial", Answer: "foo "}},
		{"partial close marker", "<think>almost</thi", Segments{Phase: PhaseThinking, Thought: "almost</thi"}},
		{"close before open", "</think>x <think>y", Segments{Phase: PhaseThinking, Thought: "y", Answer: "</think>x "}},
		{"empty thought", "<think></think>done", Segments{Phase: PhaseAnswering, Answer: "done"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Segment(tc.raw))
		})
	}
}

func TestStripControlTokens(t *testing.T) {
	got, found := StripControlTokens("Answer<|im_end|> done<｜end▁of▁sentence｜>")
	assert.Equal(t, "Answer done", got)
	assert.Equal(t, []string{"<|im_end|>", "<｜end▁of▁sentence｜>"}, found)

	got, found = StripControlTokens("a | b < c > d")
	assert.Equal(t, "a | b < c > d", got)
	assert.Nil(t, found)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "thinking", PhaseThinking.String())
	assert.Equal(t, "answering", PhaseAnswering.String())
}
