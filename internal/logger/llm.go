package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// llmDump oracle 请求与响应原文，写入独立文件，默认关闭。
var llmDump struct {
	enabled atomic.Bool
	mu      sync.Mutex
	w       io.Writer
}

func SetLLMWriter(w io.Writer) {
	llmDump.mu.Lock()
	llmDump.w = w
	llmDump.mu.Unlock()
}

func EnableLLMPayloadDump(enabled bool) {
	llmDump.enabled.Store(enabled)
}

// LogLLMRequest purpose 区分 agent 决策与 manager 评估。
func LogLLMRequest(model, purpose, systemPrompt, userPrompt string) {
	writeLLM("request", model, purpose, "system", systemPrompt, "user", userPrompt)
}

func LogLLMResponse(model, purpose, raw string) {
	writeLLM("response", model, purpose, "raw", raw)
}

// writeLLM parts 为 标题/正文 交替。
func writeLLM(kind, model, purpose string, parts ...string) {
	if !llmDump.enabled.Load() {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [LLM] %s model=%s purpose=%s\n", time.Now().UTC().Format(time.RFC3339), kind, model, purpose)
	for i := 0; i+1 < len(parts); i += 2 {
		fmt.Fprintf(&b, "--- %s ---\n%s", strings.ToUpper(parts[i]), parts[i+1])
		if !strings.HasSuffix(parts[i+1], "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("=====\n")

	llmDump.mu.Lock()
	defer llmDump.mu.Unlock()
	if llmDump.w != nil {
		_, _ = io.WriteString(llmDump.w, b.String())
	}
}
