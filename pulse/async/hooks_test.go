package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dm1try555/banister-backend-sub001/errors"
	"github.com/Dm1try555/banister-backend-sub001/export"
)

func payment(id int64, amount any) export.Record {
	return export.Record{ID: id, Fields: map[string]any{"amount": amount}}
}

func TestPaymentHook(t *testing.T) {
	hooks := DefaultHooks()

	tests := []struct {
		name   string
		amount any
		skip   bool
	}{
		{"decimal text", "19.99", false},
		{"float", 5.5, false},
		{"raw bytes", []byte("10.00"), false},
		{"zero", "0.00", true},
		{"negative", "-3", true},
		{"garbage", "ten dollars", true},
		{"missing", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hooks.Check(export.KindPayments, payment(1, tt.amount))
			if !tt.skip {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrRecordSkipped))
		})
	}
}

func TestUserHook(t *testing.T) {
	hooks := DefaultHooks()

	ok := export.Record{ID: 1, Fields: map[string]any{"email": "kirby@dreamland.test"}}
	assert.NoError(t, hooks.Check(export.KindUsers, ok))

	for _, email := range []any{"", "   ", nil} {
		rec := export.Record{ID: 2, Fields: map[string]any{"email": email}}
		err := hooks.Check(export.KindUsers, rec)
		assert.True(t, errors.Is(err, errors.ErrRecordSkipped), "email %q", email)
	}
}

func TestKindsWithoutHookAcceptEverything(t *testing.T) {
	hooks := DefaultHooks()
	assert.NoError(t, hooks.Check(export.KindBookings, export.Record{ID: 1}))
	assert.NoError(t, hooks.Check(export.KindServices, export.Record{ID: 1}))
	assert.Equal(t, []export.Kind{export.KindPayments, export.KindUsers}, hooks.Kinds())

	var none *HookRegistry
	assert.NoError(t, none.Check(export.KindUsers, export.Record{}))
}

func TestHookPanicIsASkip(t *testing.T) {
	hooks := NewHookRegistry()
	hooks.Register(HookFunc{K: export.KindBookings, Fn: func(rec export.Record) error {
		panic("corrupt row")
	}})

	err := hooks.Check(export.KindBookings, export.Record{ID: 9})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordSkipped))
	assert.Contains(t, err.Error(), "corrupt row")
}

func TestRegisterDuplicateHookPanics(t *testing.T) {
	hooks := DefaultHooks()
	assert.Panics(t, func() {
		hooks.Register(HookFunc{K: export.KindUsers, Fn: checkUser})
	})
}
