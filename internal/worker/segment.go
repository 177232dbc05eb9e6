package worker

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Control tokens such as <|im_end|> and <｜end▁of▁sentence｜>.
var controlTokenRegexp = regexp.MustCompile(`<\|[^<>|]*\|>|<｜[^｜]*｜>`)

// Segments is rawBuffer split into thought and answer spans.
type Segments struct {
	Phase   Phase
	Thought string
	Answer  string
}

// Segment splits raw model output on <think> ... </think>. It is a pure
// function of raw and is recomputed after every append.
//
//   - no opening marker: answering, the whole buffer is the answer
//   - opening marker without a later closing marker: thinking, the thought is
//     the text after the marker and the answer the text before it
//   - both markers: answering, the thought is the trimmed text between them and
//     the answer joins the text before and after the markers
func Segment(raw string) Segments {
	open := strings.Index(raw, thinkOpen)
	if open < 0 {
		return Segments{Phase: PhaseAnswering, Answer: raw}
	}
	pre := raw[:open]
	rest := raw[open+len(thinkOpen):]
	closeAt := strings.Index(rest, thinkClose)
	if closeAt < 0 {
		return Segments{
			Phase:   PhaseThinking,
			Thought: strings.TrimSpace(rest),
			Answer:  pre,
		}
	}
	post := rest[closeAt+len(thinkClose):]
	return Segments{
		Phase:   PhaseAnswering,
		Thought: strings.TrimSpace(rest[:closeAt]),
		Answer:  strings.TrimRightFunc(pre, unicode.IsSpace) + strings.TrimLeftFunc(post, unicode.IsSpace),
	}
}

// StripControlTokens removes control tokens and returns the removed ones.
func StripControlTokens(s string) (string, []string) {
	found := controlTokenRegexp.FindAllString(s, -1)
	if len(found) == 0 {
		return s, nil
	}
	return controlTokenRegexp.ReplaceAllString(s, ""), found
}
