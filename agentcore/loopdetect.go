package agentcore

import (
	"crypto/sha256"
	"fmt"

	"github.com/gyre-dev/gyre/modelstream"
)

// toolUseSignature computes a deterministic signature for a recorded tool use
// (name plus a hash of its input).
func toolUseSignature(use modelstream.ToolUseData) string {
	h := sha256.Sum256(use.Input)
	return fmt.Sprintf("%s:%x", use.Name, h[:8])
}

// recentToolSignatures walks the message log backwards collecting up to count
// tool-use signatures, returned in chronological order.
func recentToolSignatures(messages []modelstream.Message, count int) []string {
	var sigs []string
	for i := len(messages) - 1; i >= 0 && len(sigs) < count; i-- {
		if messages[i].Role != modelstream.RoleAssistant {
			continue
		}
		uses := messages[i].ToolUses()
		for j := len(uses) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolUseSignature(uses[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool uses follow a repeating
// pattern of length 1, 2, or 3. Used to steer the model out of retry loops.
func DetectLoop(messages []modelstream.Message, windowSize int) bool {
	sigs := recentToolSignatures(messages, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
