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

package models

// PolicyEffect is the outcome a rule contributes when its condition matches.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// PolicyRule is a registered, read-only authorization rule. Condition holds
// an expression in the restricted policy grammar.
type PolicyRule struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Condition   string       `json:"condition"`
	Effect      PolicyEffect `json:"effect"`
	Tags        []string     `json:"tags,omitempty"`
}

// PolicyContext is the request-derived input to one policy evaluation.
type PolicyContext struct {
	DeviceIDs   []string          `json:"device_ids"`
	Action      string            `json:"action"`
	RequestedBy string            `json:"requested_by"`
	Arguments   map[string]string `json:"arguments,omitempty"`
}

// PolicyContextFromRequest derives the evaluation context for a request.
func PolicyContextFromRequest(request *CommandRequest) PolicyContext {
	return PolicyContext{
		DeviceIDs:   request.DeviceIDs,
		Action:      request.Action,
		RequestedBy: request.RequestedBy,
		Arguments:   request.Arguments,
	}
}

// PolicyDecision is the ephemeral outcome of one evaluation pass.
type PolicyDecision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// AllowDecision returns a passing decision.
func AllowDecision() PolicyDecision {
	return PolicyDecision{Allowed: true}
}

// DenyDecision returns a failing decision carrying the collected reasons.
func DenyDecision(reasons []string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reasons: append([]string(nil), reasons...)}
}
