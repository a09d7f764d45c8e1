package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/localfirst/opsync/internal/oplog"
)

// Decider chooses a resolution per conflict. It returns one Resolution per
// conflict, in order; ResolveSkip or ResolveManual leaves a conflict for the
// next round. Implementations should honor ctx cancellation.
type Decider interface {
	Decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error)

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error) {
	return f(ctx, conflicts)
}

// SuggestedDecider accepts the suggestion attached to each conflict.
// Conflicts suggested as manual get Fallback.
type SuggestedDecider struct {
	Fallback oplog.Resolution
}

// Decide implements Decider.
func (d SuggestedDecider) Decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error) {
	out := make([]oplog.Resolution, len(conflicts))
	for i, c := range conflicts {
		out[i] = c.SuggestedResolution
		if out[i] == oplog.ResolveManual {
			out[i] = d.Fallback
		}
	}
	return out, nil
}

// Strategy is a policy rule value.
type Strategy string

const (
	StrategySuggested Strategy = "suggested"
	StrategyRemote    Strategy = "remote"
	StrategyLocal     Strategy = "local"
	StrategySkip      Strategy = "skip"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategySuggested, StrategyRemote, StrategyLocal, StrategySkip:
		return true
	}
	return false
}

// Policy is a conflict policy file:
//
//	default = "suggested"
//	manual = "local"
//
//	[entities]
//	TASK = "remote"
//	TAG = "local"
//
// Entity rules win over the default. When the chosen strategy is
// "suggested" and the suggestion is manual, Manual applies.
type Policy struct {
	Default  Strategy            `toml:"default"`
	Manual   Strategy            `toml:"manual"`
	Entities map[string]Strategy `toml:"entities"`
}

// ParsePolicy decodes a TOML policy. Unknown keys and strategies are errors.
func ParsePolicy(data string) (*Policy, error) {
	var p Policy
	md, err := toml.Decode(data, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse conflict policy: %w", err)
	}
	return p.finish(md)
}

// LoadPolicy reads a TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	var p Policy
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict policy %s: %w", path, err)
	}
	return p.finish(md)
}

func (p *Policy) finish(md toml.MetaData) (*Policy, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown conflict policy keys: %s", strings.Join(keys, ", "))
	}

	if p.Default == "" {
		p.Default = StrategySuggested
	}
	if p.Manual == "" {
		p.Manual = StrategySkip
	}
	if !p.Default.valid() {
		return nil, fmt.Errorf("invalid default strategy %q", p.Default)
	}
	if !p.Manual.valid() || p.Manual == StrategySuggested {
		return nil, fmt.Errorf("invalid manual strategy %q", p.Manual)
	}

	entities := make(map[string]Strategy, len(p.Entities))
	for name, s := range p.Entities {
		if !s.valid() {
			return nil, fmt.Errorf("invalid strategy %q for %s", s, name)
		}
		entities[strings.ToUpper(name)] = s
	}
	p.Entities = entities
	return p, nil
}

// PolicyDecider decides conflicts from a Policy.
type PolicyDecider struct {
	Policy *Policy
}

// Decide implements Decider.
func (d PolicyDecider) Decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error) {
	if d.Policy == nil {
		return nil, fmt.Errorf("conflict policy is not set")
	}
	out := make([]oplog.Resolution, len(conflicts))
	for i, c := range conflicts {
		strategy, ok := d.Policy.Entities[string(c.EntityType)]
		if !ok {
			strategy = d.Policy.Default
		}
		if strategy == StrategySuggested {
			if c.SuggestedResolution != oplog.ResolveManual {
				out[i] = c.SuggestedResolution
				continue
			}
			strategy = d.Policy.Manual
		}
		out[i] = strategy.resolution()
	}
	return out, nil
}

func (s Strategy) resolution() oplog.Resolution {
	switch s {
	case StrategyRemote:
		return oplog.ResolveRemote
	case StrategyLocal:
		return oplog.ResolveLocal
	}
	return oplog.ResolveSkip
}
