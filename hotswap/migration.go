package hotswap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitmind-dev/gitmind/agent"
)

// Strategy is a state-migration strategy for Replace (spec §4.5.1).
type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyFull    Strategy = "full"
	StrategyPartial Strategy = "partial"
	StrategyCustom  Strategy = "custom"
)

// taggedMigration is the type-tagged JSON envelope a migration blob travels
// in, adapted from the teacher's registry.MarshalInstanceWithType /
// UnmarshalInstanceWithType pattern (registry/registry.go,
// instance/types.TaggedInstance) — there it tags a Task/Orchestrator
// instance by type so Deserialize knows which concrete struct to build;
// here it tags a migration payload by Strategy so the receiving agent's
// DeserializeState always gets exactly the bytes its strategy produced.
type taggedMigration struct {
	Strategy Strategy        `json:"strategy"`
	Data     json.RawMessage `json:"data"`
}

// partialState is the payload shape for StrategyPartial: a subset of the
// source agent's state, filtered to EssentialStateKeys.
type partialState struct {
	Keys   []string        `json:"keys"`
	Values json.RawMessage `json:"values"`
}

// MigrationOutcome summarizes a completed migration (spec §4.5.1).
type MigrationOutcome struct {
	ItemsMigrated int
	Duration      int64 // nanoseconds; kept as an int64 rather than time.Duration so it round-trips through JSON logs unambiguously
	Success       bool
	Errors        []string
}

// encodeMigration wraps blob in a type-tagged envelope for strategy.
func encodeMigration(strategy Strategy, blob []byte) ([]byte, error) {
	return json.Marshal(taggedMigration{Strategy: strategy, Data: blob})
}

// decodeMigration unwraps a previously encoded envelope, verifying the tag
// matches the strategy the caller expects.
func decodeMigration(envelope []byte, want Strategy) ([]byte, error) {
	var tagged taggedMigration
	if err := json.Unmarshal(envelope, &tagged); err != nil {
		return nil, fmt.Errorf("hotswap: malformed migration envelope: %w", err)
	}
	if tagged.Strategy != want {
		return nil, fmt.Errorf("hotswap: migration envelope tagged %q, expected %q", tagged.Strategy, want)
	}
	return tagged.Data, nil
}

// encodePartial builds the StrategyPartial payload from a full state blob
// and the keys to keep. The source agent's SerializeState is expected to
// produce a JSON object; keys not present in it are dropped silently (the
// source agent is authoritative on what it actually has to offer).
func encodePartial(keys []string, fullState []byte) ([]byte, error) {
	var full map[string]json.RawMessage
	if err := json.Unmarshal(fullState, &full); err != nil {
		return nil, fmt.Errorf("hotswap: partial migration requires an object-shaped state blob: %w", err)
	}

	subset := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := full[k]; ok {
			subset[k] = v
		}
	}

	values, err := json.Marshal(subset)
	if err != nil {
		return nil, err
	}
	return json.Marshal(partialState{Keys: keys, Values: values})
}

// migrate runs the state-migration protocol (spec §4.5.1) between oldAgent
// and newAgent. Both must implement agent.StateMigratable for any strategy
// other than StrategyCustom (which carries its own pre-built blob and
// needs only the destination side to support DeserializeState).
func migrate(ctx context.Context, oldAgent, newAgent agent.Agent, strategy Strategy, partialKeys []string, customBlob []byte) (*MigrationOutcome, error) {
	start := time.Now()

	dst, ok := newAgent.(agent.StateMigratable)
	if !ok {
		return nil, fmt.Errorf("hotswap: new agent %s does not support state migration", newAgent.ID())
	}

	var envelope []byte

	switch strategy {
	case StrategyFull:
		src, ok := oldAgent.(agent.StateMigratable)
		if !ok {
			return nil, fmt.Errorf("hotswap: old agent %s does not support state migration", oldAgent.ID())
		}
		blob, err := src.SerializeState(ctx)
		if err != nil {
			return nil, fmt.Errorf("hotswap: serialize state: %w", err)
		}
		envelope, err = encodeMigration(StrategyFull, blob)
		if err != nil {
			return nil, err
		}

	case StrategyPartial:
		src, ok := oldAgent.(agent.StateMigratable)
		if !ok {
			return nil, fmt.Errorf("hotswap: old agent %s does not support state migration", oldAgent.ID())
		}
		fullBlob, err := src.SerializeState(ctx)
		if err != nil {
			return nil, fmt.Errorf("hotswap: serialize state: %w", err)
		}
		keys := partialKeys
		if len(keys) == 0 {
			keys = src.EssentialStateKeys()
		}
		partialBlob, err := encodePartial(keys, fullBlob)
		if err != nil {
			return nil, err
		}
		envelope, err = encodeMigration(StrategyPartial, partialBlob)
		if err != nil {
			return nil, err
		}

	case StrategyCustom:
		if len(customBlob) == 0 {
			return nil, fmt.Errorf("hotswap: custom migration strategy requires a non-empty blob")
		}
		var err error
		envelope, err = encodeMigration(StrategyCustom, customBlob)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("hotswap: unsupported migration strategy %q", strategy)
	}

	payload, err := decodeMigration(envelope, strategy)
	if err != nil {
		return nil, err
	}

	if err := dst.DeserializeState(ctx, payload); err != nil {
		return &MigrationOutcome{Success: false, Duration: int64(time.Since(start)), Errors: []string{err.Error()}}, fmt.Errorf("hotswap: deserialize state: %w", err)
	}

	items := 1
	if strategy == StrategyPartial {
		var parsed partialState
		if json.Unmarshal(payload, &parsed) == nil {
			items = len(parsed.Keys)
		}
	}

	return &MigrationOutcome{
		ItemsMigrated: items,
		Duration:      int64(time.Since(start)),
		Success:       true,
	}, nil
}
