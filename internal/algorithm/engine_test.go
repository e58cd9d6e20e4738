package algorithm

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	catalog, err := LoadCatalog()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewEngine(catalog)
}

func enabled(b bool) *bool { return &b }

func TestCatalogLoadsBuiltinTemplates(t *testing.T) {
	catalog, err := LoadCatalog()
	if err != nil {
		t.Fatal(err)
	}
	all := catalog.List("", "")
	if len(all) != 6 {
		t.Fatalf("templates = %d, want 6", len(all))
	}
	for _, tpl := range all {
		if !tpl.Type.Valid() {
			t.Errorf("%s has invalid type %s", tpl.Name, tpl.Type)
		}
	}
	if got := catalog.List("", "beginner"); len(got) != 2 {
		t.Errorf("beginner templates = %d, want 2", len(got))
	}
	if _, err := catalog.Get("missing"); !apperrors.Is(err, apperrors.ErrTemplateNotFound) {
		t.Errorf("expected TemplateNotFound, got %v", err)
	}
}

func TestParseCatalogRejectsBadParameters(t *testing.T) {
	data := []byte(`
- name: Broken
  algorithm_type: GridTrading
  default_parameters:
    grid_levels: 500
`)
	if _, err := ParseCatalog(data); !apperrors.Is(err, apperrors.ErrInputValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateFromTemplateAppliesOverrides(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.CreateFromTemplate("bot-1", "grid trading bot", Draft{
		Symbols:    []string{"aapl", "AAPL", " msft "},
		Parameters: map[string]any{"grid_levels": 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Type != models.AlgoGridTrading || cfg.Name != "Grid Trading Bot" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PositionSize != 0.25 {
		t.Errorf("position size = %v", cfg.PositionSize)
	}
	if cfg.Parameters.Int("grid_levels", 0) != 20 || cfg.Parameters.Float("grid_spacing", 0) != 0.02 {
		t.Errorf("parameters = %v", cfg.Parameters)
	}
	if !reflect.DeepEqual(cfg.Symbols, []string{"AAPL", "MSFT"}) {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name  string
		draft Draft
	}{
		{"unknown type", Draft{Type: "Sentiment", Symbols: []string{"AAPL"}}},
		{"no symbols", Draft{Type: models.AlgoScalping}},
		{"stop loss too wide", Draft{Type: models.AlgoScalping, Symbols: []string{"AAPL"}, StopLoss: 0.9}},
		{"unknown parameter", Draft{Type: models.AlgoScalping, Symbols: []string{"AAPL"}, Parameters: map[string]any{"rsi_period": 14}}},
		{"incoherent rsi", Draft{Type: models.AlgoTechnicalIndicator, Symbols: []string{"AAPL"}, Parameters: map[string]any{"rsi_oversold": 40.0, "rsi_overbought": 60.0, "macd_fast": 20, "macd_slow": 15}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Create("bot-1", tt.draft); !apperrors.Is(err, apperrors.ErrInputValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpdateParametersHotSwap(t *testing.T) {
	e := newTestEngine(t)
	cfg, err := e.Create("bot-1", Draft{Type: models.AlgoTechnicalIndicator, Symbols: []string{"AAPL"}})
	if err != nil {
		t.Fatal(err)
	}

	before := e.Snapshot(cfg.ID)
	if _, err := e.UpdateParameters(cfg.ID, map[string]any{"stop_loss": 0.05}); err != nil {
		t.Fatal(err)
	}
	after := e.Snapshot(cfg.ID)

	if after.StopLoss != 0.05 {
		t.Errorf("stop loss = %v, want 0.05", after.StopLoss)
	}
	if after.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, before.Version+1)
	}
	// A snapshot already held by an in-flight cycle is never mutated.
	if before.StopLoss != 0.15 {
		t.Errorf("old snapshot mutated: %v", before.StopLoss)
	}
}

func TestUpdateParametersIsAtomic(t *testing.T) {
	e := newTestEngine(t)
	cfg, _ := e.Create("bot-1", Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})

	_, err := e.UpdateParameters(cfg.ID, map[string]any{
		"fast_ma_period": 10.0,
		"slow_ma_period": 9999.0,
		"atr_period":     "fast",
	})
	var perr *apperrors.ParamError
	if !apperrors.As(err, &perr) {
		t.Fatalf("expected ParamError, got %v", err)
	}
	if !reflect.DeepEqual(perr.Fields, []string{"atr_period", "slow_ma_period"}) {
		t.Errorf("fields = %v", perr.Fields)
	}

	got, _ := e.Get(cfg.ID)
	if got.Parameters.Int("fast_ma_period", 0) != 50 || got.Version != 1 {
		t.Errorf("partial update applied: %+v", got)
	}
}

func TestToggleEnforcesMaxPositionSize(t *testing.T) {
	e := newTestEngine(t)
	a, err := e.Create("bot-1", Draft{Type: models.AlgoScalping, Symbols: []string{"AAPL"}, PositionSize: 0.2, MaxPositionSize: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Create("bot-1", Draft{Type: models.AlgoDynamicDCA, Symbols: []string{"AAPL"}, PositionSize: 0.2, MaxPositionSize: 0.3, Enabled: enabled(false)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Toggle(b.ID); !apperrors.Is(err, apperrors.ErrPositionSizeExceeded) {
		t.Fatalf("expected PositionSizeExceeded, got %v", err)
	}
	if got, _ := e.Get(b.ID); got.Enabled {
		t.Error("algorithm enabled despite rejection")
	}

	if _, err := e.Toggle(a.ID); err != nil {
		t.Fatal(err)
	}
	if got, err := e.Toggle(b.ID); err != nil || !got.Enabled {
		t.Fatalf("enable after disabling the other: %v %+v", err, got)
	}
	if e.HasEnabled("bot-1") != true || len(e.Enabled("bot-1")) != 1 {
		t.Errorf("enabled = %d", len(e.Enabled("bot-1")))
	}
}

func TestDeleteAndCascade(t *testing.T) {
	e := newTestEngine(t)
	a, _ := e.Create("bot-1", Draft{Type: models.AlgoScalping, Symbols: []string{"AAPL"}})
	_, _ = e.Create("bot-1", Draft{Type: models.AlgoArbitrage, Symbols: []string{"MSFT"}, Enabled: enabled(false)})

	if _, err := e.Delete(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Get(a.ID); !apperrors.Is(err, apperrors.ErrAlgorithmNotFound) {
		t.Errorf("deleted algorithm still found: %v", err)
	}
	if ids := e.DeleteBot("bot-1"); len(ids) != 1 {
		t.Errorf("cascade removed %d", len(ids))
	}
	if len(e.ForBot("bot-1")) != 0 {
		t.Error("bot still has algorithms")
	}
}

// Property: a random patch either applies completely or leaves the config untouched.
func TestProperty_ParameterUpdatesAreAllOrNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("update is atomic", prop.ForAll(
		func(levels int, spacing float64, stop float64) bool {
			e := NewEngine(&Catalog{})
			cfg, err := e.Create("bot", Draft{Type: models.AlgoGridTrading, Symbols: []string{"X"}})
			if err != nil {
				return false
			}
			before := *e.Snapshot(cfg.ID)

			_, err = e.UpdateParameters(cfg.ID, map[string]any{
				"grid_levels":  float64(levels),
				"grid_spacing": spacing,
				"stop_loss":    stop,
			})
			after := e.Snapshot(cfg.ID)

			valid := levels >= 3 && levels <= 50 && spacing >= 0.005 && spacing <= 0.1 && stop >= 0.01 && stop <= 0.5
			if valid {
				return err == nil &&
					after.Parameters.Int("grid_levels", 0) == levels &&
					after.Parameters.Float("grid_spacing", 0) == spacing &&
					after.StopLoss == stop
			}
			return err != nil && reflect.DeepEqual(before, *after)
		},
		gen.IntRange(0, 60),
		gen.Float64Range(0, 0.2),
		gen.Float64Range(0, 0.6),
	))

	properties.TestingRun(t)
}
