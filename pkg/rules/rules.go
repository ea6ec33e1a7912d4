// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package rules decides whether a resolved directory entry may log in.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LeeDigitalWorks/dirauth/pkg/directory"
	"github.com/LeeDigitalWorks/dirauth/pkg/identity"
)

var ErrUnknownRule = errors.New("unknown rule")

// DeniedError is returned when a rule refuses the login.
type DeniedError struct {
	Rule   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied by rule %s: %s", e.Rule, e.Reason)
}

// Rule is a pure predicate over the directory entry and the matching local
// identity, which is nil when none exists. A nil return allows the login.
type Rule interface {
	Check(rec *directory.Record, local *identity.LocalIdentity) error
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(rec *directory.Record, local *identity.LocalIdentity) error

func (f RuleFunc) Check(rec *directory.Record, local *identity.LocalIdentity) error {
	return f(rec, local)
}

const (
	DenyTrashed  = "deny_trashed"
	OnlyImported = "only_imported"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Rule{
		DenyTrashed:  RuleFunc(denyTrashed),
		OnlyImported: RuleFunc(onlyImported),
	}
)

func denyTrashed(_ *directory.Record, local *identity.LocalIdentity) error {
	if local.Deleted() {
		return errors.New("local identity is deleted")
	}
	return nil
}

func onlyImported(_ *directory.Record, local *identity.LocalIdentity) error {
	if local == nil {
		return errors.New("no local identity has been imported")
	}
	return nil
}

// Register adds a named rule. Built-in names cannot be replaced.
func Register(name string, r Rule) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || r == nil {
		return errors.New("rule registration needs a name and a rule")
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if name == DenyTrashed || name == OnlyImported {
		return fmt.Errorf("rule %q is built in", name)
	}
	registry[name] = r
	return nil
}

// Known reports whether name resolves to a registered rule.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

type namedRule struct {
	name string
	rule Rule
}

// Evaluator runs rules in order and stops at the first denial.
type Evaluator struct {
	rules []namedRule
}

func NewEvaluator(names []string) (*Evaluator, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	e := &Evaluator{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		r, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRule, raw)
		}
		e.rules = append(e.rules, namedRule{name: name, rule: r})
	}
	return e, nil
}

// Evaluate returns nil to allow, or a *DeniedError naming the first rule
// that refused.
func (e *Evaluator) Evaluate(rec *directory.Record, local *identity.LocalIdentity) error {
	for _, r := range e.rules {
		if err := r.rule.Check(rec, local); err != nil {
			var denied *DeniedError
			if errors.As(err, &denied) {
				return denied
			}
			return &DeniedError{Rule: r.name, Reason: err.Error()}
		}
	}
	return nil
}

func (e *Evaluator) Names() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.name
	}
	return names
}
