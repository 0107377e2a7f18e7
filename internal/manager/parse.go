package manager

import (
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/jsonutil"
	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/text"

	"github.com/tidwall/gjson"
)

type ActionKind string

const (
	ActionHold           ActionKind = "hold"
	ActionStartAgent     ActionKind = "start_agent"
	ActionPauseAgent     ActionKind = "pause_agent"
	ActionTerminateAgent ActionKind = "terminate_agent"
	ActionModifyAgent    ActionKind = "modify_agent"
	ActionCreateAgent    ActionKind = "create_agent"
)

// DefaultPreviewChars 解析失败时 hold 理由里保留的原文长度。
const DefaultPreviewChars = 200

var knownActions = map[ActionKind]struct{}{
	ActionHold:           {},
	ActionStartAgent:     {},
	ActionPauseAgent:     {},
	ActionTerminateAgent: {},
	ActionModifyAgent:    {},
	ActionCreateAgent:    {},
}

func (k ActionKind) Known() bool {
	_, ok := knownActions[k]
	return ok
}

// Decision manager 对单个 agent 的一条指令。
type Decision struct {
	Action    ActionKind     `json:"action"`
	AgentID   string         `json:"agent_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Reasoning string         `json:"reasoning"`
}

func Hold(reason string) Decision {
	return Decision{Action: ActionHold, Reasoning: reason}
}

// ParseDecisions 从模型自由文本中取出决策列表，永不失败：
// 先找第一个顶层数组，其次单个对象；过滤后为空则返回带原文预览的 hold。
func ParseDecisions(raw string, previewChars int) []Decision {
	if previewChars <= 0 {
		previewChars = DefaultPreviewChars
	}
	cleaned := jsonutil.StripReasoning(raw)

	var out []Decision
	if arr, ok := jsonutil.ExtractArray(cleaned); ok && gjson.Valid(arr) {
		gjson.Parse(arr).ForEach(func(_, item gjson.Result) bool {
			if d, ok := decodeDecision(item); ok {
				out = append(out, d)
			}
			return true
		})
	}
	if len(out) == 0 {
		if obj, ok := jsonutil.ExtractObject(cleaned); ok && gjson.Valid(obj) {
			if d, ok := decodeDecision(gjson.Parse(obj)); ok {
				out = append(out, d)
			}
		}
	}
	if len(out) == 0 {
		preview := strings.TrimSpace(raw)
		if preview == "" {
			return []Decision{Hold("manager model returned no output")}
		}
		return []Decision{Hold("unparseable manager output: " + text.Truncate(preview, previewChars))}
	}
	return out
}

// decodeDecision 只保留 action/agentId/params/reasoning，畸形子字段置空而不是丢弃整条。
func decodeDecision(item gjson.Result) (Decision, bool) {
	if !item.IsObject() {
		return Decision{}, false
	}
	action := ActionKind(strings.ToLower(strings.TrimSpace(item.Get("action").String())))
	if !action.Known() {
		return Decision{}, false
	}
	d := Decision{Action: action}
	for _, key := range []string{"agentId", "agent_id"} {
		v := item.Get(key)
		switch v.Type {
		case gjson.String:
			d.AgentID = strings.TrimSpace(v.Str)
		case gjson.Number:
			d.AgentID = v.Raw
		}
		if d.AgentID != "" {
			break
		}
	}
	if p := item.Get("params"); p.IsObject() {
		if m, ok := p.Value().(map[string]any); ok {
			d.Params = m
		}
	}
	if r := item.Get("reasoning"); r.Type == gjson.String {
		d.Reasoning = r.Str
	}
	return d, true
}
