// Package planner turns a user message plus graph context into a
// validated intent plan by calling the configured model provider.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/config"
	"github.com/theredstring/redstring-bridge/pkg/llm"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/trace"
)

// Context truncation limits: node names and prior turns included in the
// prompt.
const (
	maxContextNodes = 15
	maxHistoryTurns = 3
	maxPaletteSize  = 8
)

// retryDelay spaces attempts within the model fallback ladder.
const retryDelay = 800 * time.Millisecond

// Input is one planner invocation.
type Input struct {
	Message   string
	CID       string
	APIKey    string
	APIConfig *models.APIConfig
	Snapshot  *bridge.Snapshot
	History   []models.ChatTurn
}

// Planner assembles prompts, drives the fallback ladder, and parses the
// model output into a plan.
type Planner struct {
	provider llm.Provider
	prompts  *config.Prompts
	registry *config.ProviderRegistry
	tracer   *trace.Tracer

	// sleep is swapped in tests to avoid real 800 ms waits.
	sleep func(time.Duration)
}

// New creates a planner.
func New(provider llm.Provider, prompts *config.Prompts, registry *config.ProviderRegistry, tracer *trace.Tracer) *Planner {
	return &Planner{
		provider: provider,
		prompts:  prompts,
		registry: registry,
		tracer:   tracer,
		sleep:    time.Sleep,
	}
}

// Plan invokes the model and returns the parsed plan. Transient failures
// retry once per model; persistent failures fall through the fallback
// ladder. All outcomes are recorded on the cid's trace.
func (p *Planner) Plan(ctx context.Context, in Input) (*models.Plan, error) {
	p.tracer.RecordStage(in.CID, trace.StagePlanner, map[string]any{
		"message": in.Message,
	})

	system := p.systemPrompt()
	user := p.userPrompt(in)

	var lastErr error
	for i, model := range p.modelLadder(in.APIConfig) {
		if i > 0 {
			p.sleep(retryDelay)
		}
		raw, err := p.callModel(ctx, model, in, system, user)
		if err != nil {
			lastErr = err
			slog.Warn("Planner model failed", "cid", in.CID, "model", model, "error", err)
			continue
		}

		plan, pre, err := ExtractPlan(raw)
		if err != nil {
			lastErr = fmt.Errorf("model %s: %w", model, err)
			slog.Warn("Planner output unparseable", "cid", in.CID, "model", model)
			continue
		}
		if pre != "" && !strings.Contains(plan.Response, pre) {
			if plan.Response == "" {
				plan.Response = pre
			} else {
				plan.Response = pre + "\n\n" + plan.Response
			}
		}

		p.tracer.CompleteStage(in.CID, trace.StagePlanner, trace.StatusSuccess, map[string]any{
			"intent": plan.Intent,
			"model":  model,
		})
		return plan, nil
	}

	p.tracer.CompleteStage(in.CID, trace.StagePlanner, trace.StatusError, map[string]any{
		"error": fmt.Sprint(lastErr),
	})
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// callModel runs one ladder entry: a single attempt plus one retry on a
// transient failure.
func (p *Planner) callModel(ctx context.Context, model string, in Input, system, user string) (string, error) {
	req := llm.Request{
		Model:    model,
		APIKey:   in.APIKey,
		System:   system,
		Messages: append(historyTail(in.History), models.ChatTurn{Role: "user", Content: user}),
	}

	raw, err := p.provider.Complete(ctx, req)
	if err == nil {
		return raw, nil
	}
	if !llm.IsTransient(err) {
		return "", err
	}

	p.sleep(retryDelay)
	return p.provider.Complete(ctx, req)
}

// modelLadder builds [requested, explicit fallbacks, default fallbacks]
// with duplicates removed.
func (p *Planner) modelLadder(apiCfg *models.APIConfig) []string {
	var ladder []string
	seen := make(map[string]bool)
	add := func(model string) {
		if model != "" && !seen[model] {
			seen[model] = true
			ladder = append(ladder, model)
		}
	}

	var providerCfg *config.ProviderConfig
	if apiCfg != nil && apiCfg.Provider != "" {
		providerCfg, _ = p.registry.Get(apiCfg.Provider)
	}
	if providerCfg == nil {
		providerCfg = p.registry.Default()
	}

	if apiCfg != nil {
		add(apiCfg.Model)
		for _, m := range apiCfg.FallbackModels {
			add(m)
		}
	}
	if providerCfg != nil {
		add(providerCfg.Model)
		for _, m := range providerCfg.FallbackModels {
			add(m)
		}
	}
	return ladder
}

func (p *Planner) systemPrompt() string {
	parts := []string{p.prompts.Hidden, p.prompts.DomainAppendix, p.prompts.Planner}
	var nonEmpty []string
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// userPrompt renders the graph context block followed by the message.
func (p *Planner) userPrompt(in Input) string {
	var sb strings.Builder

	if snap := in.Snapshot; snap != nil && snap.ActiveGraphID != "" {
		if g, ok := snap.Graphs[snap.ActiveGraphID]; ok {
			fmt.Fprintf(&sb, "Active graph: %s (%d nodes)\n", g.Name, len(g.Instances))
			if names := snap.NodeNames(g.ID, maxContextNodes); len(names) > 0 {
				fmt.Fprintf(&sb, "Nodes: %s\n", strings.Join(names, ", "))
			}
		}
		if palette := snap.Palette(maxPaletteSize); len(palette) > 0 {
			fmt.Fprintf(&sb, "Color palette in use: %s\n", strings.Join(palette, ", "))
		}
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(in.Message)
	return sb.String()
}

func historyTail(history []models.ChatTurn) []models.ChatTurn {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	return append([]models.ChatTurn(nil), history...)
}

// Evaluate asks the model whether an agentic loop should continue,
// returning the raw decision text for the continuation service to parse.
func (p *Planner) Evaluate(ctx context.Context, in Input) (string, error) {
	system := strings.Join([]string{p.prompts.Hidden, p.prompts.DomainAppendix, p.prompts.Evaluation}, "\n\n")

	var lastErr error
	for i, model := range p.modelLadder(in.APIConfig) {
		if i > 0 {
			p.sleep(retryDelay)
		}
		raw, err := p.provider.Complete(ctx, llm.Request{
			Model:    model,
			APIKey:   in.APIKey,
			System:   system,
			Messages: append(historyTail(in.History), models.ChatTurn{Role: "user", Content: p.userPrompt(in)}),
		})
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if llm.IsTransient(err) {
			p.sleep(retryDelay)
			if raw, err := p.provider.Complete(ctx, llm.Request{
				Model:    model,
				APIKey:   in.APIKey,
				System:   system,
				Messages: append(historyTail(in.History), models.ChatTurn{Role: "user", Content: p.userPrompt(in)}),
			}); err == nil {
				return raw, nil
			} else {
				lastErr = err
			}
		}
	}
	return "", fmt.Errorf("all models failed: %w", lastErr)
}
