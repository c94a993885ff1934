// Command insight-seed upserts fixture rows into the configured backend.
//
// The fixture is a YAML (or JSON) document mapping collection names to
// lists of records:
//
//	user_profiles:
//	  - id: u1
//	    name: Ada
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/insight_runtime/internal/app/runtime"
	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/internal/data"
	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

func readFixture(path string) (map[string][]data.Record, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var fixture map[string][]data.Record
	if err := yaml.Unmarshal(raw, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return fixture, nil
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file (optional)")
		envFile     = flag.String("env", ".env", "Path to a .env file with backend credentials")
		fixturePath = flag.String("fixture", "seed.yaml", "Fixture mapping collections to records")
	)
	flag.Parse()

	ctx := context.Background()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Provider.Kind == config.ProviderMemory {
		log.Fatalf("provider.kind is %q; seeding needs supabase or postgres", cfg.Provider.Kind)
	}

	fixture, err := readFixture(*fixturePath)
	if err != nil {
		log.Fatalf("read fixture (%s): %v", *fixturePath, err)
	}

	lg, err := logger.New(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	provider := runtime.NewProvider(cfg.Provider, registry.New(), lg.Named("seed"), nil)
	if _, err := provider.Initialize(ctx, nil); err != nil {
		log.Fatalf("initialize %s provider: %v", cfg.Provider.Kind, err)
	}
	defer func() { _, _ = provider.End(ctx, nil) }()

	collections := make([]string, 0, len(fixture))
	for name := range fixture {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	total := 0
	for _, name := range collections {
		rows := fixture[name]
		if len(rows) == 0 {
			continue
		}
		if _, err := provider.Upsert(ctx, name, rows...); err != nil {
			log.Fatalf("seed %s: %v", name, err)
		}
		total += len(rows)
	}

	fmt.Printf("Seeded %d records into %d collections via %s\n", total, len(collections), cfg.Provider.Kind)
}
