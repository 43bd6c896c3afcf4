package toolsyntax

// FragmentKind discriminates Fragment variants.
type FragmentKind string

const (
	FragmentText       FragmentKind = "text"
	FragmentThinking   FragmentKind = "thinking"
	FragmentSummary    FragmentKind = "summary"
	FragmentToolName   FragmentKind = "tool_name"
	FragmentToolParam  FragmentKind = "tool_param"
	FragmentToolEnd    FragmentKind = "tool_end"
	FragmentCompaction FragmentKind = "compaction"
)

// Fragment is an incremental display unit emitted by the parser. Fragments are
// purely observational: the loop forwards them to observers and never reads
// them back into agent logic.
type Fragment struct {
	Kind FragmentKind `json:"kind"`

	// Text carries the delta for text, thinking, and summary fragments.
	Text string `json:"text,omitempty"`

	// ToolName is set on tool_name fragments.
	ToolName string `json:"tool_name,omitempty"`

	// Param and Value are set on tool_param fragments. Param may be empty
	// when the underlying provider streams opaque argument fragments.
	Param string `json:"param,omitempty"`
	Value string `json:"value,omitempty"`

	// Sequence is set on compaction fragments.
	Sequence int `json:"sequence,omitempty"`
}

func textFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Text: text}
}

func thinkingFragment(text string) Fragment {
	return Fragment{Kind: FragmentThinking, Text: text}
}

// SummaryFragment creates a reasoning-summary delta fragment.
func SummaryFragment(text string) Fragment {
	return Fragment{Kind: FragmentSummary, Text: text}
}

func toolNameFragment(name string) Fragment {
	return Fragment{Kind: FragmentToolName, ToolName: name}
}

func paramFragment(param, value string) Fragment {
	return Fragment{Kind: FragmentToolParam, Param: param, Value: value}
}

func toolEndFragment() Fragment {
	return Fragment{Kind: FragmentToolEnd}
}

// CompactionFragment creates a compaction marker fragment.
func CompactionFragment(sequence int) Fragment {
	return Fragment{Kind: FragmentCompaction, Sequence: sequence}
}

// JoinText concatenates the text of all text fragments, used to compare live
// and replayed output which may split deltas at different boundaries.
func JoinText(frags []Fragment) string {
	var out string
	for _, f := range frags {
		if f.Kind == FragmentText {
			out += f.Text
		}
	}
	return out
}
