package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"json code block", "```json\n{\"action\": \"full_refund\"}\n```", `{"action": "full_refund"}`},
		{"generic code block", "```\n{\"action\": \"full_refund\"}\n```", `{"action": "full_refund"}`},
		{"plain JSON", `{"action": "full_refund"}`, `{"action": "full_refund"}`},
		{"preamble", "Here is the resolution:\n{\"amount\": 5}\nThanks", `{"amount": 5}`},
		{"nested objects", `{"a": {"b": 1}}`, `{"a": {"b": 1}}`},
		{"no object", "not json", "not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}
