package filter

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"github.com/wehubfusion/scriptfilter/pkg/scripting"
	"gopkg.in/yaml.v3"
)

// DefaultExceptionTag is applied to records whose script raised an error
const DefaultExceptionTag = "_scriptexception"

// DefaultContextFields are copied from the record into exception log lines
var DefaultContextFields = []string{"id", "@timestamp"}

// Config represents the configuration of a script filter
type Config struct {
	// ID identifies the filter in logs and spans. A random UUID by default.
	ID string `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`

	// Init is run once per runtime before the first invocation. A script
	// declaring shared concurrency gets up to PoolSize runtimes, so Init runs
	// once for each of them.
	Init string `json:"init,omitempty" yaml:"init,omitempty" toml:"init,omitempty"`

	// Code is the inline per-record body. Mutually exclusive with Path.
	Code string `json:"code,omitempty" yaml:"code,omitempty" toml:"code,omitempty"`

	// Path is a script file declaring filter and optionally register,
	// concurrency and self-tests. Mutually exclusive with Code.
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`

	// ScriptParams are the bound parameters passed to register, or visible
	// as params to inline code
	ScriptParams map[string]interface{} `json:"script_params,omitempty" yaml:"script_params,omitempty" toml:"script_params,omitempty"`

	// TagOnException tags a record when its script raises an error
	TagOnException TagSet `json:"tag_on_exception,omitempty" yaml:"tag_on_exception,omitempty" toml:"tag_on_exception,omitempty"`

	// AddTag tags a record when the script completed normally
	AddTag []string `json:"add_tag,omitempty" yaml:"add_tag,omitempty" toml:"add_tag,omitempty"`

	// AddField sets fields on a record when the script completed normally
	AddField map[string]interface{} `json:"add_field,omitempty" yaml:"add_field,omitempty" toml:"add_field,omitempty"`

	// ContextFields are record fields included in exception log lines
	ContextFields []string `json:"context_fields,omitempty" yaml:"context_fields,omitempty" toml:"context_fields,omitempty"`

	// EnabledUtilities is a list of host helpers to install (console, encoding,
	// text, uuid by default; jsonpath on request)
	EnabledUtilities []string `json:"enabled_utilities,omitempty" yaml:"enabled_utilities,omitempty" toml:"enabled_utilities,omitempty"`

	// MaxStackDepth is the maximum call stack depth
	MaxStackDepth int `json:"max_stack_depth,omitempty" yaml:"max_stack_depth,omitempty" toml:"max_stack_depth,omitempty"`

	// PoolSize bounds the runtimes of a script declaring shared concurrency.
	// Every runtime runs Init and register with its own copy of ScriptParams.
	PoolSize int `json:"pool_size,omitempty" yaml:"pool_size,omitempty" toml:"pool_size,omitempty"`
}

// ApplyDefaults sets default values for configuration fields
func (c *Config) ApplyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ScriptParams == nil {
		c.ScriptParams = map[string]interface{}{}
	}
	if c.TagOnException == nil {
		c.TagOnException = TagSet{DefaultExceptionTag}
	}
	c.TagOnException = c.TagOnException.dedupe()
	if c.ContextFields == nil {
		c.ContextFields = append([]string(nil), DefaultContextFields...)
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = append([]string(nil), scripting.DefaultUtilities...)
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = scripting.DefaultMaxStackDepth
	}
	if c.PoolSize == 0 {
		c.PoolSize = runtime.GOMAXPROCS(0)
	}
}

// Validate checks if the configuration is valid. All failures are
// configuration errors.
func (c *Config) Validate() error {
	if (c.Code == "") == (c.Path == "") {
		return sdkerrors.NewConfigurationError("must set either code or path, only one may be set at a time")
	}
	if c.Path != "" {
		info, err := os.Stat(c.Path)
		if err != nil {
			return sdkerrors.NewConfigurationError("path %s is not found", c.Path)
		}
		if info.IsDir() {
			return sdkerrors.NewConfigurationError("path %s is a directory", c.Path)
		}
	}
	if c.MaxStackDepth <= 0 {
		return sdkerrors.NewConfigurationError("max_stack_depth must be positive")
	}
	if c.PoolSize <= 0 {
		return sdkerrors.NewConfigurationError("pool_size must be positive")
	}
	for _, name := range c.EnabledUtilities {
		if !isKnownUtility(name) {
			return sdkerrors.NewConfigurationError("unknown utility %q", name)
		}
	}
	for ref := range c.AddField {
		if _, err := event.ParseFieldReference(ref); err != nil {
			return sdkerrors.NewConfigurationError("add_field: %v", err)
		}
	}
	return nil
}

// IsFileScript returns true if the filter runs a script file
func (c *Config) IsFileScript() bool {
	return c.Path != ""
}

func isKnownUtility(name string) bool {
	for _, known := range scripting.AvailableUtilities {
		if name == known {
			return true
		}
	}
	return false
}

// UnmarshalJSON implements custom JSON unmarshaling for Config. It accepts
// code_filepath as an alias of path.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		CodeFilepath string `json:"code_filepath,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.CodeFilepath != "" {
		if c.Path != "" && c.Path != aux.CodeFilepath {
			return fmt.Errorf("path and code_filepath are both set")
		}
		c.Path = aux.CodeFilepath
	}

	return nil
}

// TagSet is an ordered set of tags. Configuration may give a single tag as a
// scalar.
type TagSet []string

func (s TagSet) dedupe() TagSet {
	out := make(TagSet, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, tag := range s {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// UnmarshalJSON accepts a string or an array of strings
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = TagSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("tag_on_exception must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars
func (s *TagSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = TagSet{node.Value}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return fmt.Errorf("tag_on_exception must be a string or a list of strings: %w", err)
	}
	*s = many
	return nil
}

// UnmarshalTOML accepts a string or an array of strings
func (s *TagSet) UnmarshalTOML(v interface{}) error {
	switch val := v.(type) {
	case string:
		*s = TagSet{val}
	case []interface{}:
		tags := make(TagSet, 0, len(val))
		for _, item := range val {
			tag, ok := item.(string)
			if !ok {
				return fmt.Errorf("tag_on_exception must contain strings, got %T", item)
			}
			tags = append(tags, tag)
		}
		*s = tags
	default:
		return fmt.Errorf("tag_on_exception must be a string or a list of strings, got %T", v)
	}
	return nil
}
