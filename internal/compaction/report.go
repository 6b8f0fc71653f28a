package compaction

import (
	"fmt"
	"strings"
)

// Rendered is a result formatted for a channel
type Rendered struct {
	Text     string
	Markdown string
}

// Render formats a result for the user. Failures name only the failure kind;
// internal error detail stays in the logs.
func Render(res Result) Rendered {
	switch res.Outcome {
	case OutcomeApplied:
		return renderApplied(res)
	case OutcomeNoOp:
		reason := res.Reason
		if reason == "" {
			reason = ReasonWithinThreshold
		}
		return Rendered{
			Text:     "Nothing to compact: " + reason + ".",
			Markdown: "_Nothing to compact: " + reason + "._",
		}
	case OutcomeFailed:
		msg := "Compaction failed: " + res.Kind.Describe()
		return Rendered{Text: msg, Markdown: "**" + msg + "**"}
	}
	return Rendered{Text: "Compaction did not run.", Markdown: "Compaction did not run."}
}

func renderApplied(res Result) Rendered {
	t := res.Telemetry

	var text strings.Builder
	fmt.Fprintf(&text, "Compacted %d messages into a summary, kept the last %d.\n", res.Compacted, res.Kept)
	fmt.Fprintf(&text, "Compactions so far: %d (%d messages compacted in total)", t.Total, t.MessagesCompacted)

	var md strings.Builder
	md.WriteString("**Session compacted**\n\n")
	fmt.Fprintf(&md, "- Compacted: %d messages\n", res.Compacted)
	fmt.Fprintf(&md, "- Kept: %d messages\n", res.Kept)
	fmt.Fprintf(&md, "- Total compactions: %d\n", t.Total)
	fmt.Fprintf(&md, "- Messages compacted overall: %d", t.MessagesCompacted)

	return Rendered{Text: text.String(), Markdown: md.String()}
}
