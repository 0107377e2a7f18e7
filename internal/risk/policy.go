// Package risk 提供无状态的风控判定，阈值 <= 0 视为关闭该项检查。
package risk

import (
	"time"

	"github.com/jan-miksik/heppy-market-sub000/internal/paper"
	"github.com/shopspring/decimal"
)

var decHundred = decimal.NewFromInt(100)

// StopLossTriggered 以有效入场价为基准，不利方向的变动达到 pct% 即触发。
func StopLossTriggered(pos paper.Position, price, pct float64) bool {
	if pct <= 0 || price <= 0 || pos.EffectiveEntryPrice <= 0 {
		return false
	}
	return reached(adverseMove(pos, price), pct)
}

// TakeProfitTriggered 与止损对称，判断有利方向。
func TakeProfitTriggered(pos paper.Position, price, pct float64) bool {
	if pct <= 0 || price <= 0 || pos.EffectiveEntryPrice <= 0 {
		return false
	}
	return reached(adverseMove(pos, price).Neg(), pct)
}

// DailyLossBreached 当日亏损达到上限时返回 true；调用方需暂停 agent 而不是跳过一轮。
func DailyLossBreached(dailyPnlPct, maxDailyLossPct float64) bool {
	if maxDailyLossPct <= 0 {
		return false
	}
	return dailyPnlPct <= -maxDailyLossPct
}

// CooldownActive reports whether now is still before the cooldown deadline.
func CooldownActive(now time.Time, until *time.Time) bool {
	if until == nil || until.IsZero() {
		return false
	}
	return now.Before(*until)
}

// CooldownUntil 止损触发时计算冷却截止时间。
func CooldownUntil(now time.Time, minutes int) *time.Time {
	if minutes <= 0 {
		return nil
	}
	until := now.Add(time.Duration(minutes) * time.Minute)
	return &until
}

// adverseMove 返回不利方向的变动比例（正数表示亏损）。
func adverseMove(pos paper.Position, price float64) decimal.Decimal {
	entry := decimal.NewFromFloat(pos.EffectiveEntryPrice)
	move := entry.Sub(decimal.NewFromFloat(price)).Div(entry)
	if pos.Side == paper.SideShort {
		return move.Neg()
	}
	return move
}

func reached(fraction decimal.Decimal, pct float64) bool {
	threshold := decimal.NewFromFloat(pct).Div(decHundred)
	return fraction.Round(10).GreaterThanOrEqual(threshold.Round(10))
}
