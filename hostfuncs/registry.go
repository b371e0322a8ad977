// Package hostfuncs is spec.md §4.F's Host Functions Registry: a name
// to typed-callback map the guest can call out to, shared by the
// goroutine that registers functions and the outb handler that
// dispatches them.
//
// Grounded on the teacher's devices.IOBus
// (_examples/BigBossBoolingB-VDATABPro/core_engine/devices/iobus.go),
// generalized from "port number to PioDevice" to "function name to
// callback" — the same "small map behind a mutex, dispatch by key"
// shape, carrying the teacher's defensive duplicate-registration log
// line across to this domain.
package hostfuncs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"hyperlight/errs"
	"hyperlight/wire"
)

var log = logrus.WithField("subsystem", "hostfuncs")

// Callback is the uniform signature every registered host function has,
// per spec.md §4.F and §9's "per-arity convenience traits are pure
// sugar and MAY be omitted from a rewrite" — this rewrite omits them.
type Callback func(params []wire.Param) (wire.ReturnValue, error)

type entry struct {
	definition wire.HostFunctionDefinition
	callback   Callback
}

// Registry is the name-to-callback map a Sandbox shares between the
// goroutine registering host functions and the outb handler dispatching
// guest-initiated calls to them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register inserts (or overwrites) the named function. Overwriting an
// existing name is logged at Warn, mirroring the teacher's
// IOBus.RegisterDevice overwrite warning.
func (r *Registry) Register(name string, paramTypes []wire.ValueKind, returnType wire.ValueKind, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		log.WithField("function", name).Warn("overwriting already-registered host function")
	}
	r.entries[name] = entry{
		definition: wire.HostFunctionDefinition{Name: name, ParameterTypes: paramTypes, ReturnType: returnType},
		callback:   cb,
	}
}

// Details snapshots every registered function's signature as the
// HostFunctionDetails flatbuffer written into the host-function-
// definitions buffer at sandbox initialization (spec.md §4.F, §6).
func (r *Registry) Details() wire.HostFunctionDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]wire.HostFunctionDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.definition)
	}
	return wire.HostFunctionDetails{Functions: defs}
}

// Dispatch looks up call.Name, validates arity and parameter kinds
// against the registered definition, and invokes the callback. Arity
// and type mismatches are reported as the sentinels spec.md §4.F names
// rather than propagated to the guest as a generic callback error.
func (r *Registry) Dispatch(call wire.FunctionCall) (wire.ReturnValue, error) {
	r.mu.Lock()
	e, ok := r.entries[call.Name]
	r.mu.Unlock()
	if !ok {
		return wire.ReturnValue{}, fmt.Errorf("hyperlight/hostfuncs: no host function registered with name %q", call.Name)
	}

	if len(call.Params) != len(e.definition.ParameterTypes) {
		return wire.ReturnValue{}, fmt.Errorf("%w: %q expects %d arguments, got %d",
			errs.ErrUnexpectedNoOfArguments, call.Name, len(e.definition.ParameterTypes), len(call.Params))
	}
	for i, p := range call.Params {
		if p.Kind != e.definition.ParameterTypes[i] {
			return wire.ReturnValue{}, fmt.Errorf("%w: %q argument %d expected %s, got %s",
				errs.ErrUnexpectedParameterType, call.Name, i, e.definition.ParameterTypes[i], p.Kind)
		}
	}

	log.WithField("function", call.Name).Trace("dispatching host function call")
	return e.callback(call.Params)
}
