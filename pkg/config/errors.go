package config

import "errors"

// Sentinel errors surfaced during Initialize.
var (
	// ErrPlannerPromptMissing indicates prompts.yaml lacks the planner
	// prompt, which must be pre-loaded before any agent request.
	ErrPlannerPromptMissing = errors.New("planner prompt missing")

	// ErrNoProviders indicates llm-providers.yaml defines no providers.
	ErrNoProviders = errors.New("no model providers configured")

	// ErrProviderNotFound indicates a lookup for an unregistered provider.
	ErrProviderNotFound = errors.New("model provider not found")
)
