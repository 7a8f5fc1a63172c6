// Package promptx contains pure helpers for composing generation prompts.
package promptx

import (
	"strconv"
	"strings"
)

// LoraToken renders the prompt token referencing a LoRA adapter. Weight is
// always formatted with one fractional digit, e.g. <lora:catstyle:0.8>.
func LoraToken(name string, weight float64) string {
	return "<lora:" + name + ":" + strconv.FormatFloat(weight, 'f', 1, 64) + ">"
}

// JoinWords joins trigger words with a comma separator, skipping empties.
func JoinWords(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, ", ")
}

// Compose concatenates prompt segments with single spaces, omitting empty
// segments and collapsing internal whitespace runs.
func Compose(segments ...string) string {
	var fields []string
	for _, s := range segments {
		fields = append(fields, strings.Fields(s)...)
	}
	return strings.Join(fields, " ")
}
