package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrictJSON(t *testing.T) {
	d, err := Parse(`{"action":"buy","confidence":0.82,"reasoning":"breakout","targetPair":"WETH/USDC","suggestedPositionSizePct":4}`)
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, d.Action)
	assert.Equal(t, 0.82, d.Confidence)
	assert.Equal(t, "breakout", d.Reasoning)
	assert.Equal(t, "WETH/USDC", d.TargetPair)
	require.NotNil(t, d.SuggestedPositionSizePct)
	assert.Equal(t, 4.0, *d.SuggestedPositionSizePct)
}

func TestParseTolerantInput(t *testing.T) {
	raw := "<think>should I {buy}?</think>\nHere you go:\n```json\n{\"action\": \"SHORT\", \"confidence\": \"72%\", \"reason\": \"rejection at [2400]\", \"pair\": \"WETH/USDC\"}\n```"
	d, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ActionSell, d.Action)
	assert.InDelta(t, 0.72, d.Confidence, 1e-9)
	assert.Equal(t, "rejection at [2400]", d.Reasoning)
	assert.Nil(t, d.SuggestedPositionSizePct)
}

func TestParseArrayTakesFirstObject(t *testing.T) {
	d, err := Parse(`[{"action":"close","confidence":0.9}]`)
	require.NoError(t, err)
	assert.Equal(t, ActionClose, d.Action)
}

func TestParseHoldWithoutConfidence(t *testing.T) {
	d, err := Parse(`{"action":"hold","reasoning":"chop"}`)
	require.NoError(t, err)
	assert.Equal(t, ActionHold, d.Action)
	assert.Zero(t, d.Confidence)
}

func TestParseFailures(t *testing.T) {
	cases := map[string]string{
		"prose":              "I think the market looks fine.",
		"unknown action":     `{"action":"yolo","confidence":0.9}`,
		"confidence range":   `{"action":"buy","confidence":150}`,
		"missing confidence": `{"action":"buy"}`,
		"bad size":           `{"action":"buy","confidence":0.8,"suggested_position_size_pct":-3}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}
}
