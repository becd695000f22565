package transform

import (
	"fmt"

	"github.com/anyllm/broker/internal/core"
)

// Warning is a non-fatal translation note (spec.md §4.3: "tool is kept but
// input is {} and a warning recorded" on tool-argument parse failure).
type Warning struct {
	Stage   string
	Message string
}

// ToEnvelope implements spec.md §4.3's response-direction mapping. It is a
// pure function of (rr, protocol): the caller supplies which upstream
// vocabulary produced rr.FinishReason.
func ToEnvelope(rr core.RawResponse, protocol core.Protocol) (core.ResponseEnvelope, []Warning) {
	var warnings []Warning
	var blocks []core.ContentBlock

	if rr.Content != "" {
		blocks = append(blocks, core.ContentBlock{Kind: core.BlockText, Text: rr.Content})
	}
	for i, tc := range rr.ToolCalls {
		args, ok := toolArgsOrEmpty(tc.Args)
		if !ok {
			warnings = append(warnings, Warning{
				Stage:   "transform",
				Message: fmt.Sprintf("tool call %q (index %d) had unparseable arguments; input reset to {}", tc.Name, i),
			})
		}
		id := tc.CallID
		if id == "" {
			id = fmt.Sprintf("toolu_%d", i)
		}
		blocks = append(blocks, core.ContentBlock{
			Kind:      core.BlockToolUse,
			ToolUseID: id,
			ToolName:  tc.Name,
			ToolInput: args,
		})
	}

	var stop core.StopReason
	switch protocol {
	case core.ProtocolGemini:
		stop = MapGeminiFinishReason(rr.FinishReason)
	default:
		stop = MapOpenAIFinishReason(rr.FinishReason)
	}

	return core.ResponseEnvelope{
		Blocks:     blocks,
		StopReason: stop,
		Usage:      rr.Usage,
	}, warnings
}
