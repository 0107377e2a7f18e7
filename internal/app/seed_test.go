package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const seedYAML = `
managers:
  - id: m1
    name: desk
    start: true
    params:
      risk_tolerance: conservative
agents:
  - id: a1
    name: alpha
    manager_id: m1
    start: true
    params:
      pairs: [WETH/USDC, cbBTC/USDC]
      stop_loss_pct: 3
  - id: a2
    name: idle
`

func TestLoadSeeds(t *testing.T) {
	path := writeFile(t, t.TempDir(), "seeds.yaml", seedYAML)
	seeds, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds.Managers, 1)
	require.Len(t, seeds.Agents, 2)
	assert.Equal(t, "m1", seeds.Agents[0].ManagerID)
	assert.True(t, seeds.Agents[0].Start)
	assert.Equal(t, []any{"WETH/USDC", "cbBTC/USDC"}, seeds.Agents[0].Params["pairs"])
	assert.False(t, seeds.Agents[1].Start)
}

func TestLoadSeedsRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown field", "agents:\n  - id: a1\n    colour: red\n"},
		{"missing agent id", "agents:\n  - name: nameless\n"},
		{"missing manager id", "managers:\n  - name: nameless\n"},
		{"manager with owner", "managers:\n  - id: m1\n    manager_id: m0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "seeds.yaml", tc.body)
			_, err := LoadSeeds(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadSeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
