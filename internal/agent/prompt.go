package agent

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/jan-miksik/heppy-market-sub000/internal/market"
	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"
)

const systemPrompt = `You are an autonomous paper-trading agent. No real funds move.
Decide one action per cycle: buy (open long), sell (open short), close (close all open positions) or hold.
Only trade with conviction; confidence below 0.65 is treated as hold.
Respond with a single JSON object and nothing else:
{"action":"buy|sell|hold|close","confidence":0.0-1.0,"reasoning":"...","target_pair":"BASE/QUOTE","suggested_position_size_pct":number}`

var userTemplate = template.Must(template.New("agent").Funcs(template.FuncMap{
	"num":  func(v float64) string { return fmt.Sprintf("%.6g", v) },
	"pct":  func(v float64) string { return fmt.Sprintf("%+.2f%%", v) },
	"optf": optFloat,
	"tail": tailCloses,
}).Parse(`## Portfolio
Balance: ${{num .Stats.Balance}} (initial ${{num .Stats.InitialBalance}}, total {{pct .Stats.TotalPnlPct}}, today {{pct .DailyPnlPct}})
Closed trades: {{.Stats.TotalTrades}}, win rate {{printf "%.1f" .Stats.WinRate}}%
Limits: max {{.Config.MaxOpenPositions}} open positions, max {{num .Config.MaxPositionSizePct}}% per position, stop loss {{num .Config.StopLossPct}}%, take profit {{num .Config.TakeProfitPct}}%
{{if .Open}}
## Open positions
{{range .Open}}- {{.Pair}} {{.Side}} ${{num .AmountUSD}} @ {{num .EffectiveEntryPrice}}
{{end}}{{else}}
No open positions.
{{end}}
## Market
{{range .Market}}- {{.Pair}} price ${{num .PriceUSD}}, 24h {{pct .PriceChange24h}}, volume ${{num .Volume24h}}, liquidity ${{num .LiquidityUSD}}{{with .Indicators}}, RSI14 {{optf .RSI14}}, EMA9 {{optf .EMA9}}, EMA21 {{optf .EMA21}}{{end}}
{{with tail .RecentCloses 12}}  recent closes: {{.}}
{{end}}{{end}}{{if .Recent}}
## Recent decisions
{{range .Recent}}- {{.CreatedAt.UTC.Format "2006-01-02 15:04"}} {{.Action}} ({{printf "%.2f" .Confidence}}) {{.Outcome}}
{{end}}{{end}}`))

type promptData struct {
	Config      Config
	Stats       paper.Stats
	DailyPnlPct float64
	Open        []paper.Position
	Market      []market.Snapshot
	Recent      []model.Decision
}

func buildPrompt(cfg Config, data promptData) (string, string, error) {
	sys := systemPrompt
	if persona := strings.TrimSpace(cfg.Persona); persona != "" {
		sys = persona + "\n\n" + sys
	}
	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render agent prompt: %w", err)
	}
	return sys, strings.TrimSpace(buf.String()), nil
}

func optFloat(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4g", *v)
}

func tailCloses(closes []float64, n int) string {
	if len(closes) == 0 {
		return ""
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	parts := make([]string, len(closes))
	for i, c := range closes {
		parts[i] = fmt.Sprintf("%.6g", c)
	}
	return strings.Join(parts, ", ")
}
