package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), "kind %s", k)
		cols := Columns(k)
		assert.NotEmpty(t, cols)
		assert.Equal(t, "id", cols[0], "first column of %s", k)
	}
	assert.False(t, Kind("reviews_export").Valid())
	assert.Nil(t, Columns("reviews_export"))
}

func TestColumnsReturnsCopy(t *testing.T) {
	cols := Columns(KindUsers)
	cols[0] = "mutated"
	assert.Equal(t, "id", Columns(KindUsers)[0])
}

func TestColumnLayouts(t *testing.T) {
	assert.Equal(t, []string{
		"id", "user_email", "amount", "currency", "status",
		"payment_method", "transaction_id", "created_at",
	}, Columns(KindPayments))
	assert.Len(t, Columns(KindBookings), 13)
	assert.Len(t, Columns(KindUsers), 8)
	assert.Len(t, Columns(KindServices), 9)
}
