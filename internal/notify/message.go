package notify

import (
	"strings"
	"time"
)

const maxMessageLen = 3800

type Section struct {
	Title string
	Lines []string
}

// Message 统一格式的推送：标题、代码块段落、时间。
type Message struct {
	Icon      string
	Title     string
	Sections  []Section
	Timestamp time.Time
}

// Markdown 渲染并裁剪到 Telegram 单条消息的安全长度。
func (m Message) Markdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header + "\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func renderSections(secs []Section) string {
	var b strings.Builder
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title) + "\n")
		}
		for _, line := range lines {
			b.WriteString("- " + sanitize(line) + "\n")
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "```\n" + b.String() + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
