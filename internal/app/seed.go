package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jan-miksik/heppy-market-sub000/internal/agent"
	"github.com/jan-miksik/heppy-market-sub000/internal/logger"
	"github.com/jan-miksik/heppy-market-sub000/internal/manager"
	"github.com/jan-miksik/heppy-market-sub000/internal/store"
	"github.com/jan-miksik/heppy-market-sub000/internal/store/model"

	"gopkg.in/yaml.v3"
)

// Seeds 启动时按 id 幂等创建的 manager 与 agent。
type Seeds struct {
	Managers []SeedEntry `yaml:"managers"`
	Agents   []SeedEntry `yaml:"agents"`
}

type SeedEntry struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	ManagerID string         `yaml:"manager_id"`
	Start     bool           `yaml:"start"`
	Params    map[string]any `yaml:"params"`
}

type agentSeeder interface {
	Get(ctx context.Context, id string) (*model.Agent, error)
	Create(ctx context.Context, req agent.CreateRequest) (*model.Agent, agent.Change, error)
}

type managerSeeder interface {
	Status(ctx context.Context, id string) (*manager.View, error)
	Create(ctx context.Context, req manager.CreateRequest) (*model.Manager, error)
}

// LoadSeeds 严格解码：未知字段直接报错。
func LoadSeeds(path string) (*Seeds, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seeds: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var seeds Seeds
	if err := dec.Decode(&seeds); err != nil {
		return nil, fmt.Errorf("decode seeds %s: %w", path, err)
	}
	for i, e := range seeds.Managers {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("seeds: managers[%d] missing id", i)
		}
		if e.ManagerID != "" {
			return nil, fmt.Errorf("seeds: manager %s cannot set manager_id", e.ID)
		}
	}
	for i, e := range seeds.Agents {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("seeds: agents[%d] missing id", i)
		}
	}
	return &seeds, nil
}

// ApplySeeds 先建 manager 再建 agent；已存在的 id 跳过，不覆盖运行时修改。
func ApplySeeds(ctx context.Context, seeds *Seeds, agents agentSeeder, managers managerSeeder) error {
	if seeds == nil {
		return nil
	}
	for _, e := range seeds.Managers {
		_, err := managers.Status(ctx, e.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed manager %s: %w", e.ID, err)
		}
		if _, err := managers.Create(ctx, manager.CreateRequest{ID: e.ID, Name: e.Name, Params: e.Params, Start: e.Start}); err != nil {
			return fmt.Errorf("seed manager %s: %w", e.ID, err)
		}
		logger.Infof("seeded manager %s", e.ID)
	}
	for _, e := range seeds.Agents {
		_, err := agents.Get(ctx, e.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed agent %s: %w", e.ID, err)
		}
		_, change, err := agents.Create(ctx, agent.CreateRequest{
			ID:        e.ID,
			Name:      e.Name,
			ManagerID: e.ManagerID,
			Params:    e.Params,
			Start:     e.Start,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", e.ID, err)
		}
		if len(change.Ignored) > 0 {
			logger.Warnf("seed agent %s: ignored params %v", e.ID, change.Ignored)
		}
		logger.Infof("seeded agent %s", e.ID)
	}
	return nil
}
