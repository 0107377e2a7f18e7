package logger

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriticalfRendersDedicatedLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel("info")

	Criticalf("agent %s failed to reschedule", "a1")
	Debugf("hidden")

	out := buf.String()
	assert.Contains(t, out, "level=CRITICAL")
	assert.Contains(t, out, "agent a1 failed to reschedule")
	assert.NotContains(t, out, "hidden")
}

func TestSetLevelCriticalSilencesErrors(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	}()
	SetLevel("critical")

	Errorf("ordinary failure")
	Criticalf("loud failure")

	out := buf.String()
	assert.False(t, strings.Contains(out, "ordinary failure"))
	assert.Contains(t, out, "loud failure")
}

func TestLLMDumpOnlyWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	SetLLMWriter(&buf)
	defer SetLLMWriter(nil)

	EnableLLMPayloadDump(false)
	LogLLMRequest("m", "agent", "sys", "usr")
	assert.Empty(t, buf.String())

	EnableLLMPayloadDump(true)
	defer EnableLLMPayloadDump(false)
	LogLLMRequest("m", "agent", "sys", "usr")
	LogLLMResponse("m", "agent", "raw text")
	out := buf.String()
	assert.Contains(t, out, "[LLM] request model=m purpose=agent")
	assert.Contains(t, out, "[LLM] response model=m purpose=agent")
	assert.Contains(t, out, "--- USER ---")
	assert.Contains(t, out, "raw text")
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "warning", "error", "fatal", ""} {
		_, ok := ParseLevel(name)
		assert.True(t, ok, name)
	}
	lvl, ok := ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, slog.LevelInfo, lvl)
	lvl, _ = ParseLevel("critical")
	assert.Equal(t, LevelCritical, lvl)
}
