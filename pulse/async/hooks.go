package async

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

// RecordHook inspects each record of one kind before it is rendered.
// Returning an error skips the record; the job keeps going.
type RecordHook interface {
	Kind() export.Kind
	Check(rec export.Record) error
}

// HookFunc adapts a function to RecordHook
type HookFunc struct {
	K  export.Kind
	Fn func(rec export.Record) error
}

func (h HookFunc) Kind() export.Kind              { return h.K }
func (h HookFunc) Check(rec export.Record) error { return h.Fn(rec) }

// HookRegistry holds at most one hook per kind.
// Thread-safe for concurrent registration and lookup.
type HookRegistry struct {
	hooks map[export.Kind]RecordHook
	mu    sync.RWMutex
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks: make(map[export.Kind]RecordHook),
	}
}

// DefaultHooks returns a registry with the built-in payment and user checks
func DefaultHooks() *HookRegistry {
	r := NewHookRegistry()
	r.Register(HookFunc{K: export.KindPayments, Fn: checkPayment})
	r.Register(HookFunc{K: export.KindUsers, Fn: checkUser})
	return r
}

// Register adds a hook for its kind.
// Panics if a hook is already registered for that kind.
func (r *HookRegistry) Register(hook RecordHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := hook.Kind()
	if _, exists := r.hooks[kind]; exists {
		panic(fmt.Sprintf("hook already registered for kind: %s", kind))
	}
	r.hooks[kind] = hook
}

// Get retrieves the hook for kind, nil if none.
func (r *HookRegistry) Get(kind export.Kind) RecordHook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hooks[kind]
}

// Kinds returns the kinds that have a hook registered.
func (r *HookRegistry) Kinds() []export.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]export.Kind, 0, len(r.hooks))
	for _, k := range export.Kinds() {
		if _, ok := r.hooks[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Check runs the hook for rec's kind. A panicking hook counts as a skip.
func (r *HookRegistry) Check(kind export.Kind, rec export.Record) (err error) {
	hook := r.Get(kind)
	if hook == nil {
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Wrapf(errors.ErrRecordSkipped, "record %d: hook panicked: %v", rec.ID, p)
		}
	}()

	if err := hook.Check(rec); err != nil {
		if errors.Is(err, errors.ErrRecordSkipped) {
			return err
		}
		return errors.Wrapf(errors.ErrRecordSkipped, "record %d: %v", rec.ID, err)
	}
	return nil
}

// checkPayment rejects payments whose amount is missing, unparseable or not positive
func checkPayment(rec export.Record) error {
	raw := rec.Fields["amount"]
	if raw == nil {
		return errors.New("payment amount is missing")
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	amount, err := cast.ToFloat64E(raw)
	if err != nil {
		return errors.Newf("payment amount %v is not a number", raw)
	}
	if amount <= 0 {
		return errors.Newf("payment amount %v is not positive", raw)
	}
	return nil
}

// checkUser rejects users without an email
func checkUser(rec export.Record) error {
	email := rec.Fields["email"]
	if b, ok := email.([]byte); ok {
		email = string(b)
	}
	if strings.TrimSpace(cast.ToString(email)) == "" {
		return errors.New("user has no email")
	}
	return nil
}
