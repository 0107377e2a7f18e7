package manager

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxParameterChanges 参数变更历史只保留最近的若干条。
const maxParameterChanges = 50

const (
	memKeyLastEvaluation   = "lastEvaluationAt"
	memKeyParameterChanges = "parameterHistory"
)

// ParameterChange 一次 modify_agent 的记录。
type ParameterChange struct {
	AgentID   string         `json:"agentId"`
	Params    map[string]any `json:"params"`
	Reasoning string         `json:"reasoning,omitempty"`
	At        time.Time      `json:"at"`
}

// Memory manager 的开放式记忆文档。只解析自己关心的字段，
// 其余字段（假设、行情判断等）原样保留，写回时不丢失。
type Memory struct {
	LastEvaluationAt *time.Time
	ParameterChanges []ParameterChange

	extra map[string]json.RawMessage
}

func ParseMemory(raw []byte) (*Memory, error) {
	m := &Memory{extra: map[string]json.RawMessage{}}
	if len(strings.TrimSpace(string(raw))) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m.extra); err != nil {
		return nil, fmt.Errorf("decode manager memory: %w", err)
	}
	if v, ok := m.extra[memKeyLastEvaluation]; ok {
		var at time.Time
		if err := json.Unmarshal(v, &at); err == nil {
			m.LastEvaluationAt = &at
		}
		delete(m.extra, memKeyLastEvaluation)
	}
	if v, ok := m.extra[memKeyParameterChanges]; ok {
		if err := json.Unmarshal(v, &m.ParameterChanges); err == nil {
			delete(m.extra, memKeyParameterChanges)
		}
	}
	return m, nil
}

// Field 读取未建模的字段，测试与 API 使用。
func (m *Memory) Field(key string) (json.RawMessage, bool) {
	v, ok := m.extra[key]
	return v, ok
}

func (m *Memory) RecordParameterChange(change ParameterChange) {
	m.ParameterChanges = append(m.ParameterChanges, change)
	if n := len(m.ParameterChanges); n > maxParameterChanges {
		m.ParameterChanges = append([]ParameterChange(nil), m.ParameterChanges[n-maxParameterChanges:]...)
	}
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(m.extra)+2)
	for k, v := range m.extra {
		doc[k] = v
	}
	if m.LastEvaluationAt != nil {
		doc[memKeyLastEvaluation] = m.LastEvaluationAt.UTC()
	}
	if len(m.ParameterChanges) > 0 {
		doc[memKeyParameterChanges] = m.ParameterChanges
	}
	return json.Marshal(doc)
}
