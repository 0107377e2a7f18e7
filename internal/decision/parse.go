package decision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/jsonutil"
	"github.com/jan-miksik/heppy-market-sub000/internal/pkg/text"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

var ErrNoDecisionJSON = errors.New("no decision json in model output")

const decisionSchema = `{
  "type": "object",
  "required": ["action", "confidence"],
  "properties": {
    "action": {"enum": ["buy", "sell", "hold", "close"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"},
    "target_pair": {"type": "string"},
    "suggested_position_size_pct": {"type": "number", "exclusiveMinimum": 0, "maximum": 100}
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("decision.json", strings.NewReader(decisionSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("decision.json")
	})
	return schemaCompiled, schemaErr
}

// Parse 从模型原始输出中提取决策 JSON，容忍 think 块、代码围栏、字符串数字与字段别名。
func Parse(raw string) (Decision, error) {
	cleaned := jsonutil.StripReasoning(raw)
	block, ok := jsonutil.ExtractObject(cleaned)
	if ok && !gjson.Valid(block) {
		ok = false
	}
	if !ok {
		if arr, found := jsonutil.ExtractArray(cleaned); found && gjson.Valid(arr) {
			if first := gjson.Parse(arr).Get("0"); first.IsObject() {
				block, ok = first.Raw, true
			}
		}
	}
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoDecisionJSON, text.Truncate(strings.TrimSpace(raw), 160))
	}
	doc, err := normalize(gjson.Parse(block))
	if err != nil {
		return Decision{}, err
	}
	sch, err := compiledSchema()
	if err != nil {
		return Decision{}, fmt.Errorf("compile decision schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("decision schema: %w", err)
	}
	return fromDoc(doc), nil
}

// normalize 把别名字段与字符串数字整理成 schema 期望的形态。
func normalize(obj gjson.Result) (map[string]any, error) {
	doc := make(map[string]any)
	rawAction := firstOf(obj, "action", "decision", "signal").String()
	action, ok := normalizeAction(rawAction)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", rawAction)
	}
	doc["action"] = string(action)

	conf := firstOf(obj, "confidence", "conf")
	if conf.Exists() {
		v, ok := coerceNumber(conf)
		if !ok {
			return nil, fmt.Errorf("confidence is not a number: %s", conf.Raw)
		}
		// 部分模型以百分比给出置信度
		if v > 1 && v <= 100 {
			v /= 100
		}
		doc["confidence"] = v
	} else if action == ActionHold {
		doc["confidence"] = 0.0
	}
	if r := firstOf(obj, "reasoning", "reason", "rationale"); r.Exists() {
		doc["reasoning"] = strings.TrimSpace(r.String())
	}
	if p := firstOf(obj, "targetPair", "target_pair", "pair", "symbol", "targetInstrument"); p.Exists() && strings.TrimSpace(p.String()) != "" {
		doc["target_pair"] = strings.TrimSpace(p.String())
	}
	if s := firstOf(obj, "suggestedPositionSizePct", "suggested_position_size_pct", "position_size_pct", "size_pct"); s.Exists() && s.Type != gjson.Null {
		if v, ok := coerceNumber(s); ok {
			doc["suggested_position_size_pct"] = v
		}
	}
	return doc, nil
}

func fromDoc(doc map[string]any) Decision {
	d := Decision{Action: Action(doc["action"].(string))}
	if v, ok := doc["confidence"].(float64); ok {
		d.Confidence = v
	}
	if v, ok := doc["reasoning"].(string); ok {
		d.Reasoning = v
	}
	if v, ok := doc["target_pair"].(string); ok {
		d.TargetPair = v
	}
	if v, ok := doc["suggested_position_size_pct"].(float64); ok {
		d.SuggestedPositionSizePct = &v
	}
	return d
}

func firstOf(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := obj.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func coerceNumber(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Float(), true
	case gjson.String:
		s := strings.TrimSuffix(strings.TrimSpace(r.Str), "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
