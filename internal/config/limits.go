package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate-limited operation keys.
const (
	OpAuthSignup         = "auth.signup"
	OpAuthSignin         = "auth.signin"
	OpAuthPasswordReset  = "auth.passwordReset"
	OpAPIAuthenticated   = "api.authenticated"
	OpAPIUnauthenticated = "api.unauthenticated"
	OpOpenAITranslation  = "openai.translation"
	OpOpenAIGeneration   = "openai.generation"
)

// Plan names.
const (
	PlanTrial      = "trial"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Unlimited marks a plan limit with no upper bound.
const Unlimited = -1

// FeatureAll grants every feature tag.
const FeatureAll = "all"

// RatePolicy is one row of the rate-limit table.
type RatePolicy struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	Message     string        `yaml:"message"`
}

// PlanLimits is one row of the plan table.
type PlanLimits struct {
	MaxProjects  int      `yaml:"max_projects"`
	MaxLanguages int      `yaml:"max_languages"`
	Features     []string `yaml:"features"`
}

// Limits bundles the static quota tables. Build it once at startup and pass
// it by value; accessors hand out copies so callers cannot mutate the tables.
type Limits struct {
	RateLimits map[string]RatePolicy `yaml:"rate_limits"`
	Plans      map[string]PlanLimits `yaml:"plans"`
}

// DefaultLimits returns the built-in quota tables.
func DefaultLimits() Limits {
	return Limits{
		RateLimits: map[string]RatePolicy{
			OpAuthSignup: {
				Window: time.Hour, MaxRequests: 5,
				Message: "Too many signup attempts. Please try again in an hour.",
			},
			OpAuthSignin: {
				Window: 15 * time.Minute, MaxRequests: 10,
				Message: "Too many sign in attempts. Please try again in 15 minutes.",
			},
			OpAuthPasswordReset: {
				Window: time.Hour, MaxRequests: 3,
				Message: "Too many password reset requests. Please try again in an hour.",
			},
			OpAPIAuthenticated: {
				Window: time.Minute, MaxRequests: 100,
				Message: "Too many requests. Please slow down.",
			},
			OpAPIUnauthenticated: {
				Window: time.Minute, MaxRequests: 20,
				Message: "Too many requests. Please try again later.",
			},
			OpOpenAITranslation: {
				Window: time.Minute, MaxRequests: 10,
				Message: "Translation limit reached. Please wait a minute before trying again.",
			},
			OpOpenAIGeneration: {
				Window: time.Minute, MaxRequests: 5,
				Message: "Generation limit reached. Please wait a minute before trying again.",
			},
		},
		Plans: map[string]PlanLimits{
			PlanTrial:      {MaxProjects: 3, MaxLanguages: 2, Features: []string{"enhance", "translate"}},
			PlanStarter:    {MaxProjects: 10, MaxLanguages: 5, Features: []string{"enhance", "translate"}},
			PlanPro:        {MaxProjects: 50, MaxLanguages: 20, Features: []string{"enhance", "translate", "variants", "priority_support"}},
			PlanEnterprise: {MaxProjects: Unlimited, MaxLanguages: Unlimited, Features: []string{FeatureAll}},
		},
	}
}

// Policy returns the rate policy for op.
func (l Limits) Policy(op string) (RatePolicy, bool) {
	p, ok := l.RateLimits[op]
	return p, ok
}

// Plan returns a copy of the plan row for name.
func (l Limits) Plan(name string) (PlanLimits, bool) {
	p, ok := l.Plans[name]
	if !ok {
		return PlanLimits{}, false
	}
	p.Features = append([]string(nil), p.Features...)
	return p, true
}

// MaxWindow is the longest window across all rate policies.
func (l Limits) MaxWindow() time.Duration {
	var max time.Duration
	for _, p := range l.RateLimits {
		if p.Window > max {
			max = p.Window
		}
	}
	return max
}

// Validate checks that the tables are usable.
func (l Limits) Validate() error {
	if len(l.RateLimits) == 0 {
		return errors.New("rate limit table is empty")
	}
	for op, p := range l.RateLimits {
		if p.Window <= 0 || p.MaxRequests < 1 {
			return fmt.Errorf("rate limit %q: window and max_requests must be positive", op)
		}
	}
	if _, ok := l.Plans[PlanTrial]; !ok {
		return errors.New("plan table must define the trial plan")
	}
	for name, p := range l.Plans {
		if p.MaxProjects < Unlimited || p.MaxLanguages < Unlimited {
			return fmt.Errorf("plan %q: limits must be >= 0 or unlimited (-1)", name)
		}
	}
	return nil
}

// LoadLimitsFile overlays the YAML tables at path onto the defaults. Rows in
// the file replace the built-in row with the same key.
func LoadLimitsFile(path string) (Limits, error) {
	lim := DefaultLimits()
	if path == "" {
		return lim, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return lim, fmt.Errorf("read limits file: %w", err)
	}
	var overlay Limits
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return lim, fmt.Errorf("parse limits file: %w", err)
	}
	for k, v := range overlay.RateLimits {
		lim.RateLimits[k] = v
	}
	for k, v := range overlay.Plans {
		lim.Plans[k] = v
	}
	return lim, lim.Validate()
}
