// Package jsonutil 从模型的自由文本输出中取出 JSON 片段。
package jsonutil

import (
	"regexp"
	"strings"
)

var (
	reasoningRe = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(?:think|thinking|reasoning)>`)
	openThinkRe = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>`)
	fenceRe     = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_-]*[ \t]*$|```")
)

// StripReasoning 去掉推理块与代码围栏标记，围栏内的正文保留。
// 未闭合的推理块视为吞掉其后的全部输出。
func StripReasoning(raw string) string {
	out := reasoningRe.ReplaceAllString(raw, "")
	if loc := openThinkRe.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	return strings.TrimSpace(fenceRe.ReplaceAllString(out, ""))
}

// ExtractArray 第一个顶层 JSON 数组。
func ExtractArray(raw string) (string, bool) {
	return firstBalanced(raw, '[', ']')
}

// ExtractObject 第一个顶层 JSON 对象。
func ExtractObject(raw string) (string, bool) {
	return firstBalanced(raw, '{', '}')
}

// scanner 跟踪括号深度，字符串字面量（含转义）内的括号不计数。
type scanner struct {
	open, close byte
	depth       int
	inString    bool
	escaped     bool
}

// feed 返回 true 表示 ch 闭合了最外层括号。
func (s *scanner) feed(ch byte) bool {
	switch {
	case s.escaped:
		s.escaped = false
	case s.inString:
		s.escaped = ch == '\\'
		s.inString = ch != '"'
	case ch == '"':
		s.inString = true
	case ch == s.open:
		s.depth++
	case ch == s.close:
		s.depth--
		return s.depth == 0
	}
	return false
}

func firstBalanced(raw string, open, close byte) (string, bool) {
	start := strings.IndexByte(raw, open)
	if start < 0 {
		return "", false
	}
	sc := scanner{open: open, close: close}
	for i := start; i < len(raw); i++ {
		if sc.feed(raw[i]) {
			return raw[start : i+1], true
		}
	}
	return "", false
}
