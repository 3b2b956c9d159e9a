package config

import (
	"fmt"
	"reflect"

	"github.com/imdario/mergo"
	"github.com/mitchellh/mapstructure"
)

// CoalescedConfig is an ordered list of configuration maps, lowest precedence
// first.
type CoalescedConfig []map[string]interface{}

func (c CoalescedConfig) Append(in map[string]interface{}) CoalescedConfig {
	return append(c, in)
}

// CoalesceIntoType deep-merges all maps, later ones overriding earlier ones,
// and decodes the result into a new value of typ. Fields are matched by their
// toml tag; duration strings are parsed.
func (c CoalescedConfig) CoalesceIntoType(typ reflect.Type) (interface{}, error) {
	all := make(map[string]interface{})

	for _, cfg := range c {
		if cfg == nil {
			continue
		}
		if err := mergo.Merge(&all, cfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("error while merging configuration: %w", err)
		}
	}

	v := reflect.New(typ).Interface()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "toml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           v,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(all); err != nil {
		return nil, fmt.Errorf("error while decoding into %s: %w", typ, err)
	}
	return v, nil
}
