package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FlowRule caps the entry rate of a resource with a token bucket.
type FlowRule struct {
	Resource string  `yaml:"resource"`
	QPS      float64 `yaml:"qps"`
	Burst    int     `yaml:"burst"`
}

// ParamFlowRule caps the entry rate per distinct value of one argument.
// Overrides set a different rate for specific values.
type ParamFlowRule struct {
	Resource   string             `yaml:"resource"`
	ParamIndex int                `yaml:"param_index"`
	QPS        float64            `yaml:"qps"`
	Burst      int                `yaml:"burst"`
	Overrides  map[string]float64 `yaml:"overrides"`
}

// ConcurrencyRule caps the number of open sections. Sync and async
// sections are counted separately; zero means unlimited.
type ConcurrencyRule struct {
	Resource string `yaml:"resource"`
	MaxSync  int    `yaml:"max_sync"`
	MaxAsync int    `yaml:"max_async"`
}

// DegradeRule opens a circuit after consecutive traced failures.
type DegradeRule struct {
	Resource         string        `yaml:"resource"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// Rules is the full rule set of a LocalEngine.
type Rules struct {
	Flow        []FlowRule        `yaml:"flow"`
	ParamFlow   []ParamFlowRule   `yaml:"param_flow"`
	Concurrency []ConcurrencyRule `yaml:"concurrency"`
	Degrade     []DegradeRule     `yaml:"degrade"`
}

// ErrInvalidRule is wrapped by every rule validation error.
var ErrInvalidRule = errors.New("invalid rule")

// Validate checks every rule and fills defaults (burst, open duration).
func (r *Rules) Validate() error {
	for i := range r.Flow {
		fr := &r.Flow[i]
		if fr.Resource == "" {
			return fmt.Errorf("%w: flow[%d]: empty resource", ErrInvalidRule, i)
		}
		if fr.QPS <= 0 {
			return fmt.Errorf("%w: flow[%d] %s: qps must be positive", ErrInvalidRule, i, fr.Resource)
		}
		if fr.Burst <= 0 {
			fr.Burst = defaultBurst(fr.QPS)
		}
	}
	for i := range r.ParamFlow {
		pr := &r.ParamFlow[i]
		if pr.Resource == "" {
			return fmt.Errorf("%w: param_flow[%d]: empty resource", ErrInvalidRule, i)
		}
		if pr.ParamIndex < 0 {
			return fmt.Errorf("%w: param_flow[%d] %s: negative param_index", ErrInvalidRule, i, pr.Resource)
		}
		if pr.QPS <= 0 {
			return fmt.Errorf("%w: param_flow[%d] %s: qps must be positive", ErrInvalidRule, i, pr.Resource)
		}
		for v, q := range pr.Overrides {
			if q < 0 {
				return fmt.Errorf("%w: param_flow[%d] %s: negative override for %q", ErrInvalidRule, i, pr.Resource, v)
			}
		}
		if pr.Burst <= 0 {
			pr.Burst = defaultBurst(pr.QPS)
		}
	}
	for i, cr := range r.Concurrency {
		if cr.Resource == "" {
			return fmt.Errorf("%w: concurrency[%d]: empty resource", ErrInvalidRule, i)
		}
		if cr.MaxSync < 0 || cr.MaxAsync < 0 {
			return fmt.Errorf("%w: concurrency[%d] %s: negative limit", ErrInvalidRule, i, cr.Resource)
		}
	}
	for i := range r.Degrade {
		dr := &r.Degrade[i]
		if dr.Resource == "" {
			return fmt.Errorf("%w: degrade[%d]: empty resource", ErrInvalidRule, i)
		}
		if dr.FailureThreshold <= 0 {
			return fmt.Errorf("%w: degrade[%d] %s: failure_threshold must be positive", ErrInvalidRule, i, dr.Resource)
		}
		if dr.OpenDuration <= 0 {
			dr.OpenDuration = 30 * time.Second
		}
	}
	return nil
}

// Count returns the total number of rules.
func (r *Rules) Count() int {
	return len(r.Flow) + len(r.ParamFlow) + len(r.Concurrency) + len(r.Degrade)
}

func defaultBurst(qps float64) int {
	return int(math.Max(1, math.Ceil(qps)))
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (*Rules, error) {
	rules := &Rules{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// LoadRules reads rules from a YAML file. An empty path yields no rules.
func LoadRules(path string) (*Rules, error) {
	rules, _, err := LoadRulesWithHash(path)
	return rules, err
}

// LoadRulesWithHash loads rules and returns the SHA-256 of the raw file.
// With an empty path the hash is that of empty input.
func LoadRulesWithHash(path string) (*Rules, string, error) {
	if path == "" {
		h := sha256.Sum256(nil)
		return &Rules{}, "sha256:" + hex.EncodeToString(h[:]), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read rules: %w", err)
	}
	h := sha256.Sum256(data)

	rules, err := ParseRules(data)
	if err != nil {
		return nil, "", err
	}
	return rules, "sha256:" + hex.EncodeToString(h[:]), nil
}

// ExampleRulesYAML returns a commented rules file.
func ExampleRulesYAML() string {
	return `# rpcguard admission rules
#
# Checks run in this order for every admission request:
#   1. flow        -> FLOW_RULE_VIOLATED
#   2. param_flow  -> PARAM_FLOW_RULE_VIOLATED (operation scope, uses call args)
#   3. concurrency -> CONCURRENCY_LIMIT_EXCEEDED
#   4. degrade     -> DEGRADE_RULE_VIOLATED

flow:
  - resource: billing.PaymentService
    qps: 200
    burst: 50

param_flow:
  - resource: "billing.PaymentService:charge(int64)"
    param_index: 0
    qps: 5
    overrides:
      "0": 1

concurrency:
  - resource: billing.PaymentService
    max_sync: 64
    max_async: 256

degrade:
  - resource: "billing.PaymentService:charge(int64)"
    failure_threshold: 5
    open_duration: 30s
`
}
