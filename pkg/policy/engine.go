/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package policy evaluates sandboxed boolean rules against command requests
// before anything reaches a device.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/telemetry"
)

// Engine holds an ordered rule list and evaluates every rule on each pass.
type Engine struct {
	bus *telemetry.Bus
	log logger.Logger

	mu    sync.RWMutex
	rules []models.PolicyRule
}

// NewEngine creates an engine with the given initial rules.
func NewEngine(rules []models.PolicyRule, bus *telemetry.Bus, log logger.Logger) *Engine {
	return &Engine{
		bus:   bus,
		log:   log,
		rules: append([]models.PolicyRule(nil), rules...),
	}
}

// AddRule appends a rule to the evaluation order.
func (e *Engine) AddRule(rule models.PolicyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append(e.rules, rule)
}

// Rules returns a snapshot of the registered rules.
func (e *Engine) Rules() []models.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return append([]models.PolicyRule(nil), e.rules...)
}

type ruleOutcome struct {
	rule    models.PolicyRule
	matched bool
}

// Evaluate runs every registered rule against the context. Conditions are
// re-parsed and re-validated on each call: validation is a security
// boundary, never cached across evaluations. A rule whose condition fails
// validation contributes a deny reason for that rule only; the remaining
// rules still evaluate. The final decision denies when any deny-effect rule
// matched, otherwise allows.
func (e *Engine) Evaluate(ctx models.PolicyContext, extra map[string]any) models.PolicyDecision {
	env := buildEnv(ctx, extra)

	var (
		denies   []string
		outcomes []ruleOutcome
	)

	for _, rule := range e.Rules() {
		if rule.Condition == "" {
			continue
		}

		matched, err := evaluateCondition(rule.Condition, env)
		if err != nil {
			denies = append(denies, fmt.Sprintf("rule %s invalid: %v", rule.Name, err))
			matched = false
		}

		outcomes = append(outcomes, ruleOutcome{rule: rule, matched: matched})

		if matched && strings.EqualFold(string(rule.Effect), string(models.EffectDeny)) {
			reason := rule.Description
			if reason == "" {
				reason = rule.Name
			}

			denies = append(denies, reason)
		}
	}

	decision := models.AllowDecision()
	if len(denies) > 0 {
		decision = models.DenyDecision(denies)
	}

	e.emitEvaluated(ctx, decision, outcomes)

	return decision
}

func evaluateCondition(condition string, env map[string]any) (bool, error) {
	expr, err := ParseCondition(condition)
	if err != nil {
		return false, err
	}

	return expr.Eval(env)
}

func buildEnv(ctx models.PolicyContext, extra map[string]any) map[string]any {
	deviceIDs := make([]any, 0, len(ctx.DeviceIDs))
	for _, id := range ctx.DeviceIDs {
		deviceIDs = append(deviceIDs, id)
	}

	arguments := make(map[string]any, len(ctx.Arguments))
	for k, v := range ctx.Arguments {
		arguments[k] = v
	}

	env := map[string]any{
		"device_ids":   deviceIDs,
		"action":       ctx.Action,
		"requested_by": ctx.RequestedBy,
		"arguments":    arguments,
	}

	for k, v := range extra {
		env[k] = v
	}

	return env
}

// emitEvaluated publishes one event per evaluation summarizing every rule's
// outcome and the final decision, so audit consumers can see why a request
// was allowed or denied.
func (e *Engine) emitEvaluated(ctx models.PolicyContext, decision models.PolicyDecision, outcomes []ruleOutcome) {
	matchedRules := make([]map[string]any, 0, len(outcomes))

	for _, outcome := range outcomes {
		matchedRules = append(matchedRules, map[string]any{
			"name":    outcome.rule.Name,
			"matched": outcome.matched,
			"effect":  string(outcome.rule.Effect),
		})
	}

	e.bus.Emit("policy.evaluated", map[string]any{
		"action":        ctx.Action,
		"requested_by":  ctx.RequestedBy,
		"allowed":       decision.Allowed,
		"denies":        decision.Reasons,
		"matched_rules": matchedRules,
	})

	if !decision.Allowed {
		e.log.Debug().
			Str("action", ctx.Action).
			Str("requested_by", ctx.RequestedBy).
			Strs("reasons", decision.Reasons).
			Msg("Policy denied request")
	}
}
