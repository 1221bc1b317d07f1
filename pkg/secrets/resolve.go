package secrets

import (
	"context"
	"fmt"
	"strings"
)

const referencePrefix = "secret://"

// Resolve walks a settings map and replaces every string value of the form
// "secret://name" with the secret's value. Nested maps and slices are
// resolved in place. A missing secret fails resolution.
func Resolve(ctx context.Context, store Store, settings map[string]interface{}) error {
	if store == nil || len(settings) == 0 {
		return nil
	}
	for key, value := range settings {
		resolved, err := resolveValue(ctx, store, value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		settings[key] = resolved
	}
	return nil
}

func resolveValue(ctx context.Context, store Store, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if name, ok := strings.CutPrefix(v, referencePrefix); ok {
			secret, err := store.Get(ctx, name)
			if err != nil {
				return nil, err
			}
			return secret, nil
		}
		return v, nil
	case map[string]interface{}:
		if err := Resolve(ctx, store, v); err != nil {
			return nil, err
		}
		return v, nil
	case []interface{}:
		for i, item := range v {
			resolved, err := resolveValue(ctx, store, item)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	default:
		return v, nil
	}
}
