package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

const systemPrompt = `You supervise a team of autonomous paper-trading agents. No real funds move.
Review each agent's performance and the market, then decide what to change.
Available actions:
- hold: change nothing
- start_agent / pause_agent / terminate_agent: lifecycle of an existing agent (agent_id required)
- modify_agent: merge params into an agent's config (agent_id and params required)
- create_agent: create and start a new agent from params (pairs, model, strategy, analysis_interval, risk limits)
Respond with a JSON array of decisions and nothing else:
[{"action":"hold|start_agent|pause_agent|terminate_agent|modify_agent|create_agent","agent_id":"...","params":{},"reasoning":"..."}]`

// AgentSnapshot 只读的 agent 评估视图。
type AgentSnapshot struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Model       string             `json:"model"`
	Pairs       []string           `json:"pairs"`
	Performance *model.Performance `json:"performance,omitempty"`
	Trades      []model.Trade      `json:"recent_trades,omitempty"`
}

var userTemplate = template.Must(template.New("manager").Funcs(template.FuncMap{
	"join": strings.Join,
	"num":  func(v float64) string { return fmt.Sprintf("%.6g", v) },
	"pct":  func(v float64) string { return fmt.Sprintf("%+.2f%%", v) },
	"optp": func(v *float64) string {
		if v == nil {
			return "open"
		}
		return fmt.Sprintf("%+.2f%%", *v)
	},
}).Parse(`## Manager
Risk tolerance: {{or .Config.RiskTolerance "moderate"}}{{if .Config.MaxAgents}}, max agents {{.Config.MaxAgents}}{{end}}

## Agents
{{range .Agents}}### {{.Name}} ({{.ID}}) status={{.Status}} model={{.Model}} pairs={{join .Pairs ","}}
{{with .Performance}}balance ${{num .Balance}}, total {{pct .TotalPnlPct}}, today {{pct .DailyPnlPct}}, win rate {{printf "%.1f" .WinRate}}% over {{.TotalTrades}} trades, {{.OpenPositions}} open
{{else}}no performance recorded yet
{{end}}{{range .Trades}}- {{.Pair}} {{.Side}} {{.Status}} ${{num .AmountUSD}} pnl {{optp .PnlPct}}
{{end}}{{else}}No agents assigned yet.
{{end}}
## Market
{{range .Market}}- {{.Pair}} ${{num .PriceUSD}}, 24h {{pct .PriceChange24h}}, liquidity ${{num .LiquidityUSD}}
{{else}}No market data this cycle.
{{end}}
## Memory
{{.Memory}}`))

type promptData struct {
	Config Config
	Agents []AgentSnapshot
	Market []market.Snapshot
	Memory string
}

func buildPrompt(cfg Config, agents []AgentSnapshot, snaps []market.Snapshot, mem *Memory) (string, string, error) {
	sys := systemPrompt
	if persona := strings.TrimSpace(cfg.Persona); persona != "" {
		sys = persona + "\n\n" + sys
	}
	memJSON, err := json.Marshal(mem)
	if err != nil {
		return "", "", fmt.Errorf("encode memory: %w", err)
	}
	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, promptData{Config: cfg, Agents: agents, Market: snaps, Memory: string(memJSON)}); err != nil {
		return "", "", fmt.Errorf("render manager prompt: %w", err)
	}
	return sys, strings.TrimSpace(buf.String()), nil
}
