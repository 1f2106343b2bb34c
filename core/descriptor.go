package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Descriptor limits.
const (
	DefaultFreshnessSLASec = 3600
	MaxBrowserFlowSteps    = 100
)

// ErrDescriptorInvalid reports a task descriptor that fails validation.
var ErrDescriptorInvalid = errors.New("core: invalid task descriptor")

// ErrDescriptorSensitive reports a descriptor carrying denylisted keys.
var ErrDescriptorSensitive = errors.New("core: task descriptor carries sensitive keys")

var sensitiveDescriptorKeys = map[string]struct{}{
	"api_token":     {},
	"api_key":       {},
	"secret":        {},
	"secrets":       {},
	"password":      {},
	"passwd":        {},
	"authorization": {},
	"auth_token":    {},
	"access_token":  {},
	"private_key":   {},
	"credential":    {},
	"credentials":   {},
}

var sensitiveDescriptorSuffixes = []string{"_token", "_secret", "_password"}

var knownDescriptorKeys = map[string]struct{}{
	"version":           {},
	"task_type":         {},
	"capability_tags":   {},
	"freshness_sla_sec": {},
	"output_spec":       {},
	"browser_flow":      {},
	"params":            {},
}

// RequiredArtifact declares how many artifacts of a kind a submission must
// reference.
type RequiredArtifact struct {
	Kind        string `json:"kind"`
	Count       int    `json:"count"`
	LabelPrefix string `json:"label_prefix,omitempty"`
}

// OutputSpec constrains the artifact index of submissions.
type OutputSpec struct {
	RequiredArtifacts []RequiredArtifact `json:"required_artifacts,omitempty"`
}

// BrowserStep is one declared action of a browser flow.
type BrowserStep struct {
	Action   string          `json:"action"`
	Selector string          `json:"selector,omitempty"`
	Value    string          `json:"value,omitempty"`
	ValueEnv string          `json:"value_env,omitempty"`
	Extract  *BrowserExtract `json:"extract,omitempty"`
}

// BrowserExtract describes data extraction attached to a step.
type BrowserExtract struct {
	Name string `json:"name,omitempty"`
	Fn   string `json:"fn,omitempty"`
}

// BrowserFlow is the declared navigation plan of a browser_flow descriptor.
type BrowserFlow struct {
	Steps []BrowserStep `json:"steps"`
}

// TaskDescriptor is the buyer-declared execution contract attached to a
// bounty and handed (redacted) to workers.
type TaskDescriptor struct {
	Version         int            `json:"version,omitempty"`
	TaskType        string         `json:"task_type,omitempty"`
	CapabilityTags  []string       `json:"capability_tags,omitempty"`
	FreshnessSLASec int64          `json:"freshness_sla_sec,omitempty"`
	OutputSpec      *OutputSpec    `json:"output_spec,omitempty"`
	BrowserFlow     *BrowserFlow   `json:"browser_flow,omitempty"`
	Params          map[string]any `json:"params,omitempty"`

	raw map[string]any
}

// ParseDescriptor validates raw descriptor JSON. Strict mode additionally
// rejects unknown top-level keys.
func ParseDescriptor(raw []byte, strict bool) (*TaskDescriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}
	if key := findSensitiveKey(generic); key != "" {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorSensitive, key)
	}
	if strict {
		for key := range generic {
			if _, ok := knownDescriptorKeys[key]; !ok {
				return nil, fmt.Errorf("%w: unknown key %q", ErrDescriptorInvalid, key)
			}
		}
	}
	var desc TaskDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}
	desc.raw = generic
	if desc.FreshnessSLASec < 0 {
		return nil, fmt.Errorf("%w: negative freshness_sla_sec", ErrDescriptorInvalid)
	}
	if desc.OutputSpec != nil {
		for _, req := range desc.OutputSpec.RequiredArtifacts {
			if strings.TrimSpace(req.Kind) == "" {
				return nil, fmt.Errorf("%w: required artifact kind missing", ErrDescriptorInvalid)
			}
			if req.Count < 1 {
				return nil, fmt.Errorf("%w: required artifact count %d", ErrDescriptorInvalid, req.Count)
			}
		}
	}
	if desc.BrowserFlow != nil {
		if err := validateBrowserFlow(desc.BrowserFlow); err != nil {
			return nil, err
		}
	}
	return &desc, nil
}

func validateBrowserFlow(flow *BrowserFlow) error {
	if len(flow.Steps) > MaxBrowserFlowSteps {
		return fmt.Errorf("%w: browser flow declares %d steps, limit %d", ErrDescriptorInvalid, len(flow.Steps), MaxBrowserFlowSteps)
	}
	for i, step := range flow.Steps {
		if step.ValueEnv != "" {
			return fmt.Errorf("%w: step %d carries value_env", ErrDescriptorInvalid, i)
		}
		if step.Extract != nil && step.Extract.Fn != "" {
			return fmt.Errorf("%w: step %d carries extract.fn", ErrDescriptorInvalid, i)
		}
	}
	return nil
}

func findSensitiveKey(node any) string {
	switch value := node.(type) {
	case map[string]any:
		for key, child := range value {
			lowered := strings.ToLower(key)
			if _, hit := sensitiveDescriptorKeys[lowered]; hit {
				return key
			}
			for _, suffix := range sensitiveDescriptorSuffixes {
				if strings.HasSuffix(lowered, suffix) {
					return key
				}
			}
			if found := findSensitiveKey(child); found != "" {
				return found
			}
		}
	case []any:
		for _, child := range value {
			if found := findSensitiveKey(child); found != "" {
				return found
			}
		}
	}
	return ""
}

// FreshnessSLA returns the declared freshness window, defaulting when the
// descriptor is absent or silent.
func (d *TaskDescriptor) FreshnessSLA() time.Duration {
	if d == nil || d.FreshnessSLASec <= 0 {
		return DefaultFreshnessSLASec * time.Second
	}
	return time.Duration(d.FreshnessSLASec) * time.Second
}

// Capabilities returns the declared capability tags, nil-safe.
func (d *TaskDescriptor) Capabilities() []string {
	if d == nil {
		return nil
	}
	return d.CapabilityTags
}

// Redacted returns a copy of the raw descriptor with any sensitive keys
// removed, safe to hand to workers.
func (d *TaskDescriptor) Redacted() map[string]any {
	if d == nil || d.raw == nil {
		return nil
	}
	return redactNode(d.raw).(map[string]any)
}

func redactNode(node any) any {
	switch value := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			lowered := strings.ToLower(key)
			if _, hit := sensitiveDescriptorKeys[lowered]; hit {
				continue
			}
			skip := false
			for _, suffix := range sensitiveDescriptorSuffixes {
				if strings.HasSuffix(lowered, suffix) {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
			out[key] = redactNode(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(value))
		for _, child := range value {
			out = append(out, redactNode(child))
		}
		return out
	default:
		return node
	}
}
