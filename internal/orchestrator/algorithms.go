package orchestrator

import (
	"context"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
)

// CreateAlgorithm attaches a new algorithm to a bot.
func (o *Orchestrator) CreateAlgorithm(ctx context.Context, botID string, d algorithm.Draft) (models.AlgorithmConfig, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	cfg, err := o.algos.Create(botID, d)
	release()
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	o.algorithmChanged(ctx, cfg, "created")
	return cfg, nil
}

// CreateAlgorithmFromTemplate attaches an algorithm built from a catalog
// template, with non-zero fields of overrides taking precedence.
func (o *Orchestrator) CreateAlgorithmFromTemplate(ctx context.Context, botID, template string, overrides algorithm.Draft) (models.AlgorithmConfig, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	cfg, err := o.algos.CreateFromTemplate(botID, template, overrides)
	release()
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	o.algorithmChanged(ctx, cfg, "created")
	return cfg, nil
}

// UpdateAlgorithmParameters validates and applies a parameter patch. A running
// bot sees the new values on its next evaluation cycle.
func (o *Orchestrator) UpdateAlgorithmParameters(ctx context.Context, algorithmID string, patch map[string]any) (models.AlgorithmConfig, error) {
	return o.mutateAlgorithm(ctx, algorithmID, "updated", func() (models.AlgorithmConfig, error) {
		return o.algos.UpdateParameters(algorithmID, patch)
	})
}

// ToggleAlgorithm flips an algorithm's enabled flag.
func (o *Orchestrator) ToggleAlgorithm(ctx context.Context, algorithmID string) (models.AlgorithmConfig, error) {
	return o.mutateAlgorithm(ctx, algorithmID, "toggled", func() (models.AlgorithmConfig, error) {
		return o.algos.Toggle(algorithmID)
	})
}

// SetAlgorithmEnabled sets an algorithm's enabled flag.
func (o *Orchestrator) SetAlgorithmEnabled(ctx context.Context, algorithmID string, enabled bool) (models.AlgorithmConfig, error) {
	return o.mutateAlgorithm(ctx, algorithmID, "toggled", func() (models.AlgorithmConfig, error) {
		return o.algos.SetEnabled(algorithmID, enabled)
	})
}

// DeleteAlgorithm detaches an algorithm from its bot. Its past executions keep
// their attribution.
func (o *Orchestrator) DeleteAlgorithm(ctx context.Context, algorithmID string) error {
	cfg, err := o.mutateAlgorithm(ctx, algorithmID, "deleted", func() (models.AlgorithmConfig, error) {
		return o.algos.Delete(algorithmID)
	})
	if err != nil {
		return err
	}
	o.journalErr("delete_algorithm", o.journal.DeleteAlgorithm(context.WithoutCancel(ctx), cfg.ID))
	return nil
}

func (o *Orchestrator) mutateAlgorithm(ctx context.Context, algorithmID, action string, fn func() (models.AlgorithmConfig, error)) (models.AlgorithmConfig, error) {
	current, err := o.algos.Get(algorithmID)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	release, err := o.lockBot(ctx, current.BotID)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	cfg, err := fn()
	release()
	if err != nil {
		return models.AlgorithmConfig{}, err
	}
	if action != "deleted" {
		o.saveAlgorithm(ctx, cfg)
	}
	o.algorithmChanged(ctx, cfg, action)
	return cfg, nil
}

func (o *Orchestrator) algorithmChanged(ctx context.Context, cfg models.AlgorithmConfig, action string) {
	if action == "created" {
		o.saveAlgorithm(ctx, cfg)
	}
	log := logging.WithAlgorithm(logging.WithBot(o.log, cfg.BotID), cfg.ID)
	log.Info().
		Str("action", action).Int64("version", cfg.Version).Bool("enabled", cfg.Enabled).Msg("algorithm changed")
	o.publish(o.portfolioOf(cfg.BotID), cfg.BotID, models.EventParametersUpdated, map[string]any{
		"algorithm_id":   cfg.ID,
		"algorithm_type": string(cfg.Type),
		"action":         action,
		"version":        cfg.Version,
		"enabled":        cfg.Enabled,
		"parameters":     cfg.Parameters.Clone(),
	})
}

// Algorithm returns an algorithm snapshot.
func (o *Orchestrator) Algorithm(algorithmID string) (models.AlgorithmConfig, error) {
	return o.algos.Get(algorithmID)
}

// Algorithms returns the algorithms of a bot.
func (o *Orchestrator) Algorithms(botID string) ([]models.AlgorithmConfig, error) {
	if _, err := o.bots.Get(botID); err != nil {
		return nil, err
	}
	return o.algos.ForBot(botID), nil
}

// ParameterSchema describes the tunable fields of an algorithm: its strategy
// parameters followed by the shared risk fields.
func (o *Orchestrator) ParameterSchema(algorithmID string) ([]algorithm.ParamSpec, error) {
	cfg, err := o.algos.Get(algorithmID)
	if err != nil {
		return nil, err
	}
	return append(algorithm.Schema(cfg.Type), algorithm.RiskSchema()...), nil
}

// Templates lists catalog templates, optionally filtered.
func (o *Orchestrator) Templates(category, difficulty string) []models.AlgorithmTemplate {
	return o.algos.Catalog().List(category, difficulty)
}
