package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractArrayIgnoresBracketsInsideStrings(t *testing.T) {
	raw := `prefix [{"action":"hold","reasoning":"range is [90, 110] and } odd"},{"action":"pause_agent","params":{"x":[1,2]}}] trailing ] noise`
	got, ok := ExtractArray(raw)
	assert.True(t, ok)
	assert.Equal(t, `[{"action":"hold","reasoning":"range is [90, 110] and } odd"},{"action":"pause_agent","params":{"x":[1,2]}}]`, got)
}

func TestExtractArrayHandlesEscapedQuotes(t *testing.T) {
	raw := `["say \"]\" loudly", "ok"] tail`
	got, ok := ExtractArray(raw)
	assert.True(t, ok)
	assert.Equal(t, `["say \"]\" loudly", "ok"]`, got)
}

func TestExtractUnbalancedFails(t *testing.T) {
	_, ok := ExtractArray(`[{"action":"hold"}`)
	assert.False(t, ok)
	_, ok = ExtractObject(`no json here`)
	assert.False(t, ok)
}

func TestExtractObjectFromFencedBlock(t *testing.T) {
	raw := "note: no trade today\n```json\n{\"action\":\"buy\",\"note\":\"{x}\"}\n```"
	got, ok := ExtractObject(StripReasoning(raw))
	assert.True(t, ok)
	assert.Equal(t, `{"action":"buy","note":"{x}"}`, got)
}

func TestStripReasoning(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"think block", "<think>maybe [1,2] {}</think>\n[{\"action\":\"hold\"}]", `[{"action":"hold"}]`},
		{"fenced", "```json\n[1]\n```", "[1]"},
		{"unterminated think", "[2]\n<think>still going [", "[2]"},
		{"mixed case", "<THINK>x</THINK>ok", "ok"},
		{"reasoning tag", "<reasoning>a</reasoning> {\"a\":1}", `{"a":1}`},
		{"inline fence", "```[3]```", "[3]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripReasoning(tc.in))
		})
	}
}
