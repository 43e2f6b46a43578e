package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// CurrentSchemaVersion is stamped on new submissions unless the caller asks
// for another version.
const CurrentSchemaVersion = "1.0.0"

// Rule is a CEL business rule that must evaluate to true.
type Rule struct {
	ID         string
	Expression string
	Message    string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet validates one submission type over a range of schema versions.
type RuleSet struct {
	Type       contracts.SubmissionType
	Constraint string

	constraint *semver.Constraints
	floor      *semver.Version
	schema     *jsonschema.Schema
	rules      []compiledRule
}

// Registry maps (submission type, schema version) to a rule set.
type Registry struct {
	mu   sync.RWMutex
	env  *cel.Env
	sets map[contracts.SubmissionType][]*RuleSet
}

// NewRegistry returns a registry holding the built-in 1.x rule sets.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("incident", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	r := &Registry{env: env, sets: make(map[contracts.SubmissionType][]*RuleSet)}

	builtin := []struct {
		t      contracts.SubmissionType
		schema string
		rules  []Rule
	}{
		{contracts.SubmissionEarlyWarning, earlyWarningSchemaV1, earlyWarningRulesV1},
		{contracts.SubmissionNotification, notificationSchemaV1, notificationRulesV1},
		{contracts.SubmissionFinalReport, finalReportSchemaV1, finalReportRulesV1},
	}
	for _, b := range builtin {
		if err := r.Register(b.t, "^1.0.0", b.schema, b.rules); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and adds a rule set. constraint is a semver range such as
// "^2.0.0"; when several sets match a version the one with the highest floor wins.
func (r *Registry) Register(t contracts.SubmissionType, constraint, schemaJSON string, rules []Rule) error {
	if !t.Valid() {
		return fmt.Errorf("unknown submission type %q", t)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("bad schema version constraint %q: %w", constraint, err)
	}
	floor, err := constraintFloor(constraint)
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	schemaURL := fmt.Sprintf("https://discloser.schemas.local/%s/%s.schema.json",
		strings.ToLower(string(t)), floor.String())
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema load failed: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("schema compile failed: %w", err)
	}

	set := &RuleSet{Type: t, Constraint: constraint, constraint: c, floor: floor, schema: schema}
	for _, rule := range rules {
		ast, issues := r.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s: compile: %w", rule.ID, issues.Err())
		}
		prg, err := r.env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return fmt.Errorf("rule %s: program: %w", rule.ID, err)
		}
		set.rules = append(set.rules, compiledRule{Rule: rule, prg: prg})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sets := append(r.sets[t], set)
	sort.Slice(sets, func(i, j int) bool { return sets[i].floor.GreaterThan(sets[j].floor) })
	r.sets[t] = sets
	return nil
}

func constraintFloor(constraint string) (*semver.Version, error) {
	s := strings.TrimLeft(strings.TrimSpace(constraint), "^~>=v ")
	if i := strings.IndexAny(s, " ,<|"); i >= 0 {
		s = s[:i]
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("cannot derive lower bound from constraint %q: %w", constraint, err)
	}
	return v, nil
}

// Lookup returns the rule set for t at schemaVersion.
func (r *Registry) Lookup(t contracts.SubmissionType, schemaVersion string) (*RuleSet, error) {
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("bad schema version %q: %w", schemaVersion, contracts.ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, set := range r.sets[t] {
		if set.constraint.Check(v) {
			return set, nil
		}
	}
	return nil, fmt.Errorf("no validation rules for %s schema %s: %w", t, schemaVersion, contracts.ErrInvalidInput)
}

// Supports reports whether a rule set exists for t at schemaVersion.
func (r *Registry) Supports(t contracts.SubmissionType, schemaVersion string) bool {
	_, err := r.Lookup(t, schemaVersion)
	return err == nil
}

// Validate checks a submission's content against its schema version and the
// owning case. It returns the list of problems found; an empty, non-nil list
// means the content is valid. The error is reserved for failures to run
// validation at all.
func (r *Registry) Validate(sub *contracts.Submission, c *contracts.Case, now time.Time) ([]string, error) {
	set, err := r.Lookup(sub.SubmissionType, sub.SchemaVersion)
	if err != nil {
		return nil, err
	}

	problems := []string{}
	if len(bytes.TrimSpace(sub.ContentJSON)) == 0 {
		return append(problems, "content is empty"), nil
	}

	var doc interface{}
	if err := json.Unmarshal(sub.ContentJSON, &doc); err != nil {
		return append(problems, fmt.Sprintf("content is not valid JSON: %v", err)), nil
	}

	if err := set.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
		return append(problems, flattenSchemaErrors(ve)...), nil
	}

	if _, err := DecodeContent(sub.SubmissionType, sub.ContentJSON); err != nil {
		return append(problems, fmt.Sprintf("content does not match %s: %v", sub.SubmissionType, err)), nil
	}

	vars := map[string]interface{}{
		"content":  doc,
		"incident": incidentVars(c),
		"now":      now.UTC(),
	}
	for _, rule := range set.rules {
		out, _, err := rule.prg.Eval(vars)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: rule could not be evaluated: %v", rule.ID, err))
			continue
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			problems = append(problems, rule.Message)
		}
	}
	return problems, nil
}

func flattenSchemaErrors(ve *jsonschema.ValidationError) []string {
	var out []string
	for _, e := range ve.BasicOutput().Errors {
		// The root entry restates that some subschema failed.
		if e.KeywordLocation == "" {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("%s: %s", loc, e.Error))
	}
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	return out
}

func incidentVars(c *contracts.Case) map[string]interface{} {
	vars := map[string]interface{}{
		"event_type":  string(c.EventType),
		"detected_at": c.DetectedAt.UTC(),
		"status":      string(c.Status),
	}
	if c.StartedAt != nil {
		vars["started_at"] = c.StartedAt.UTC()
	}
	if c.PatchAvailableAt != nil {
		vars["patch_available_at"] = c.PatchAvailableAt.UTC()
	}
	if c.ResolvedAt != nil {
		vars["resolved_at"] = c.ResolvedAt.UTC()
	}
	return vars
}
