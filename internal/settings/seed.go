package settings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeedFile reads settings documents from YAML. Fields a document leaves
// out keep the values from Defaults.
//
//	users:
//	  - user_id: demo
//	    symbol: BTCUSDT
//	    auto_trade_enabled: true
func LoadSeedFile(path string) ([]Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Users []yaml.Node `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make([]Settings, 0, len(raw.Users))
	for i, node := range raw.Users {
		var probe struct {
			UserID string `yaml:"user_id"`
		}
		if err := node.Decode(&probe); err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		doc := Defaults(probe.UserID)
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("users[%d] (%s): %w", i, doc.UserID, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Seed stores documents for users that have none yet; existing documents win.
func Seed(ctx context.Context, p Provider, docs []Settings) (int, error) {
	created := 0
	for _, doc := range docs {
		_, err := p.Get(ctx, doc.UserID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("lookup %s: %w", doc.UserID, err)
		}
		if err := p.Save(ctx, doc); err != nil {
			return created, fmt.Errorf("seed %s: %w", doc.UserID, err)
		}
		created++
	}
	if created > 0 {
		log.Printf("[settings] seeded %d user document(s)", created)
	}
	return created, nil
}
