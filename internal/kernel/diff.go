package kernel

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders a unified diff between two ruleset texts. It returns an empty
// string when they are equal.
func Diff(before, after []byte) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return text
}
