package auth

import (
	"context"
	"fmt"
	"strings"
)

// Identity is the caller a valid API key maps to.
type Identity struct {
	Caller string
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses a comma-separated list of key:caller pairs.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		key, caller, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:caller", entry)
		}
		key = strings.TrimSpace(key)
		caller = strings.TrimSpace(caller)
		if key == "" || caller == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/caller", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		validator.keys[key] = Identity{Caller: caller}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
