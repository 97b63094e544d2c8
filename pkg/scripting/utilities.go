package scripting

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Names of the built-in host helpers.
const (
	UtilityConsole  = "console"
	UtilityEncoding = "encoding"
	UtilityText     = "text"
	UtilityUUID     = "uuid"
	UtilityJSONPath = "jsonpath"
)

// DefaultUtilities lists the helpers installed when none are configured.
var DefaultUtilities = []string{UtilityConsole, UtilityEncoding, UtilityText, UtilityUUID}

// AvailableUtilities lists every helper that may be enabled.
var AvailableUtilities = []string{UtilityConsole, UtilityEncoding, UtilityText, UtilityUUID, UtilityJSONPath}

// Utility defines a host helper installed into every runtime of a unit
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register installs the utility in the runtime
	Register(vm *goja.Runtime) error
}

// UtilityRegistry manages available host helpers
type UtilityRegistry struct {
	utilities map[string]Utility
	mu        sync.RWMutex
}

// NewUtilityRegistry creates a registry with the built-in helpers. Console
// output goes to logger.
func NewUtilityRegistry(logger *zap.Logger) *UtilityRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := &UtilityRegistry{
		utilities: make(map[string]Utility),
	}

	registry.Register(&ConsoleUtility{logger: logger.Named("console")})
	registry.Register(&EncodingUtility{})
	registry.Register(&TextUtility{})
	registry.Register(&UUIDUtility{})
	registry.Register(&JSONPathUtility{})

	return registry
}

// Register adds a utility to the registry
func (r *UtilityRegistry) Register(utility Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utilities[utility.Name()] = utility
}

// Has reports whether a utility with the given name is registered
func (r *UtilityRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.utilities[name]
	return ok
}

// RegisterEnabled installs the named utilities in the runtime
func (r *UtilityRegistry) RegisterEnabled(vm *goja.Runtime, names []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		utility, ok := r.utilities[name]
		if !ok {
			return fmt.Errorf("unknown utility %q", name)
		}
		if err := utility.Register(vm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", name, err)
		}
	}

	return nil
}

// ConsoleUtility routes console.log and friends to a zap logger
type ConsoleUtility struct {
	logger *zap.Logger
}

func (u *ConsoleUtility) Name() string { return UtilityConsole }

func (u *ConsoleUtility) Register(vm *goja.Runtime) error {
	console := vm.NewObject()

	logAt := func(write func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			write(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	if err := console.Set("log", logAt(u.logger.Info)); err != nil {
		return err
	}
	if err := console.Set("info", logAt(u.logger.Info)); err != nil {
		return err
	}
	if err := console.Set("debug", logAt(u.logger.Debug)); err != nil {
		return err
	}
	if err := console.Set("warn", logAt(u.logger.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logAt(u.logger.Error)); err != nil {
		return err
	}

	return vm.Set("console", console)
}

// EncodingUtility provides btoa, atob for base64 encoding
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return UtilityEncoding }

func (u *EncodingUtility) Register(vm *goja.Runtime) error {
	// btoa - encode to base64
	err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}

		str := call.Argument(0).String()
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(str)))
	})
	if err != nil {
		return err
	}

	// atob - decode from base64
	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}

		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob error: %w", err)))
		}

		return vm.ToValue(string(decoded))
	})
}

// TextUtility exposes Unicode-aware case mapping as text.title/upper/lower/fold
type TextUtility struct{}

func (u *TextUtility) Name() string { return UtilityText }

func (u *TextUtility) Register(vm *goja.Runtime) error {
	text := vm.NewObject()

	mappers := map[string]func() cases.Caser{
		"title": func() cases.Caser { return cases.Title(language.Und) },
		"upper": func() cases.Caser { return cases.Upper(language.Und) },
		"lower": func() cases.Caser { return cases.Lower(language.Und) },
		"fold":  func() cases.Caser { return cases.Fold() },
	}

	for name, newCaser := range mappers {
		name, newCaser := name, newCaser
		err := text.Set(name, func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				panic(vm.NewTypeError("text.%s requires an argument", name))
			}
			// A Caser carries state and is not safe to share between calls.
			return vm.ToValue(newCaser().String(call.Argument(0).String()))
		})
		if err != nil {
			return err
		}
	}

	return vm.Set("text", text)
}

// UUIDUtility provides uuid() returning a random RFC 4122 identifier
type UUIDUtility struct{}

func (u *UUIDUtility) Name() string { return UtilityUUID }

func (u *UUIDUtility) Register(vm *goja.Runtime) error {
	return vm.Set("uuid", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.NewString())
	})
}

// JSONPathUtility queries and edits JSON documents with gjson/sjson paths:
// jsonpath.get(doc, path), jsonpath.set(doc, path, value),
// jsonpath.delete(doc, path) and jsonpath.valid(doc). A document is JSON text
// or any value, which is encoded first. set and delete return the new text.
type JSONPathUtility struct{}

func (u *JSONPathUtility) Name() string { return UtilityJSONPath }

func (u *JSONPathUtility) Register(vm *goja.Runtime) error {
	jsonpath := vm.NewObject()

	document := func(name string, call goja.FunctionCall, args int) string {
		if len(call.Arguments) < args {
			panic(vm.NewTypeError("jsonpath.%s requires %d arguments", name, args))
		}
		arg := call.Argument(0)
		if s, ok := arg.Export().(string); ok {
			return s
		}
		data, err := json.Marshal(exportValue(arg))
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("jsonpath.%s: %w", name, err)))
		}
		return string(data)
	}

	functions := map[string]func(goja.FunctionCall) goja.Value{
		"get": func(call goja.FunctionCall) goja.Value {
			result := gjson.Get(document("get", call, 2), call.Argument(1).String())
			if !result.Exists() {
				return goja.Undefined()
			}
			return vm.ToValue(result.Value())
		},
		"set": func(call goja.FunctionCall) goja.Value {
			doc := document("set", call, 3)
			out, err := sjson.Set(doc, call.Argument(1).String(), exportValue(call.Argument(2)))
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("jsonpath.set: %w", err)))
			}
			return vm.ToValue(out)
		},
		"delete": func(call goja.FunctionCall) goja.Value {
			out, err := sjson.Delete(document("delete", call, 2), call.Argument(1).String())
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("jsonpath.delete: %w", err)))
			}
			return vm.ToValue(out)
		},
		"valid": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(gjson.Valid(document("valid", call, 1)))
		},
	}

	for name, fn := range functions {
		if err := jsonpath.Set(name, fn); err != nil {
			return err
		}
	}
	return vm.Set("jsonpath", jsonpath)
}
