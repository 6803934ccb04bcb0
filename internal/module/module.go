// Package module implements the module registry of spec.md §4.6: dotted
// name resolution, glob/regex search, typed argument validation, and
// synchronous streaming execution.
//
// REDESIGN FLAGS applied here (spec.md §10): the duck-typed Python
// module API becomes the Module interface plus a typed ArgSpec; the
// generator-based Result/Status interleaving becomes a channel of
// Event; dynamic attribute access on results becomes the explicit
// Result struct.
package module

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pwncat/internal/errs"
	"pwncat/internal/platform"
	"pwncat/internal/session"
)

// ArgKind enumerates the coercible argument types of spec.md §10's
// redesigned typed argument descriptor.
type ArgKind int

const (
	KindString ArgKind = iota
	KindInt
	KindBool
	KindPath
	KindEnum
)

// ArgSpec describes one named argument a module accepts.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Default  string
	Required bool
	Choices  []string // only meaningful when Kind == KindEnum
}

// Args is the coerced argument bag passed to Run, keyed by ArgSpec.Name.
type Args map[string]any

// String, Int, and Bool are convenience accessors; they panic if the
// caller asks for a name/type the registry didn't validate, which is a
// programmer error (the registry is the only thing that populates Args).
func (a Args) String(name string) string { return a[name].(string) }
func (a Args) Int(name string) int       { return a[name].(int) }
func (a Args) Bool(name string) bool     { return a[name].(bool) }

// Category groups a Result for display, e.g. "enumerate", "escalate".
type Category string

// Result is one piece of output a module yields. Grounded on spec.md
// §10's redesign: an explicit struct instead of a duck-typed object
// with title()/description()/category() methods.
type Result struct {
	TitleText       string
	DescriptionText string
	Cat             Category
	Data            map[string]any
}

func (r Result) Title() string       { return r.TitleText }
func (r Result) Description() string { return r.DescriptionText }
func (r Result) Category() Category  { return r.Cat }

// Status is a progress update consumed by the UI's progress indicator,
// never surfaced to the Result caller (spec.md §4.6).
type Status struct {
	Message string
}

// Event is the tagged union a Module's Run streams: exactly one of
// Result or Status is set.
type Event struct {
	Result *Result
	Status *Status
}

// Module is the registry's unit of work (spec.md §4.6, §10).
type Module interface {
	Name() string
	Platforms() []platform.Kind
	Arguments() []ArgSpec
	Run(sess *session.Session, args Args, events chan<- Event) error
}

// Registry resolves dotted module names, supports glob/regex search,
// and validates+coerces arguments before dispatch.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m, keyed by its dotted Name(). Re-registering the same
// name replaces the previous module (matches "load" being idempotent
// per spec.md §8 "Plugin idempotence" applying equally to reloading a
// builtin under development).
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Lookup resolves an exact dotted name.
func (r *Registry) Lookup(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "module", Name: name}
	}
	return m, nil
}

// Search returns every registered module whose name matches pattern
// either as a glob (path.Match syntax, e.g. "enumerate.*") or, when the
// pattern compiles, as an unanchored regular expression; the matches of
// both kinds are combined and sorted by name.
func (r *Registry) Search(pattern string) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Module
	var re *regexp.Regexp
	if compiled, err := regexp.Compile(pattern); err == nil {
		re = compiled
	}
	for name, m := range r.modules {
		if ok, _ := path.Match(pattern, name); ok {
			out = append(out, m)
			continue
		}
		if re != nil && re.MatchString(name) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// All returns every registered module, sorted by name, for `--list`-style
// enumeration.
func (r *Registry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Coerce validates raw string arguments against specs: applying
// defaults, checking required, coercing types, and validating enum
// choices. Returns ArgumentError on any failure (spec.md §7).
func Coerce(specs []ArgSpec, raw map[string]string) (Args, error) {
	out := make(Args, len(specs))
	for _, spec := range specs {
		val, given := raw[spec.Name]
		if !given {
			if spec.Required {
				return nil, &errs.ArgumentError{Name: spec.Name, Reason: "required argument not given"}
			}
			val = spec.Default
		}
		coerced, err := coerceOne(spec, val)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = coerced
	}
	return out, nil
}

func coerceOne(spec ArgSpec, val string) (any, error) {
	switch spec.Kind {
	case KindString, KindPath:
		return val, nil
	case KindInt:
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, &errs.ArgumentError{Name: spec.Name, Reason: fmt.Sprintf("not an integer: %q", val)}
		}
		return n, nil
	case KindBool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, &errs.ArgumentError{Name: spec.Name, Reason: fmt.Sprintf("not a boolean: %q", val)}
		}
		return b, nil
	case KindEnum:
		for _, c := range spec.Choices {
			if c == val {
				return val, nil
			}
		}
		return nil, &errs.ArgumentError{
			Name:   spec.Name,
			Reason: fmt.Sprintf("must be one of [%s], got %q", strings.Join(spec.Choices, ", "), val),
		}
	default:
		return nil, &errs.ArgumentError{Name: spec.Name, Reason: "unknown argument kind"}
	}
}

// Run resolves name, validates raw against its ArgSpecs, and executes
// it synchronously: the Event channel is drained internally (spec.md
// §4.6 "Execution is synchronous from the caller's point of view; the
// iterator is drained") and only Results are returned to the caller —
// Statuses are handed to onStatus as they arrive, never buffered.
func (r *Registry) Run(sess *session.Session, name string, raw map[string]string, onStatus func(string)) ([]Result, error) {
	m, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	supported := false
	for _, k := range m.Platforms() {
		if k == sess.Platform.Kind() {
			supported = true
			break
		}
	}
	if !supported {
		return nil, &errs.ArgumentError{Name: "platform", Reason: fmt.Sprintf("%s does not support %s", name, sess.Platform.Kind())}
	}

	args, err := Coerce(m.Arguments(), raw)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	runErr := make(chan error, 1)
	go func() {
		runErr <- m.Run(sess, args, events)
		close(events)
	}()

	var results []Result
	for ev := range events {
		switch {
		case ev.Result != nil:
			results = append(results, *ev.Result)
		case ev.Status != nil && onStatus != nil:
			onStatus(ev.Status.Message)
		}
	}
	if err := <-runErr; err != nil {
		return results, err
	}
	return results, nil
}
