package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 0, CeilDiv(0, 100))
	assert.Equal(t, 1, CeilDiv(1, 100))
	assert.Equal(t, 1, CeilDiv(100, 100))
	assert.Equal(t, 2, CeilDiv(101, 100))
	assert.Equal(t, 3, CeilDiv(250, 100))
	assert.Equal(t, 0, CeilDiv(-5, 10))
}

func TestPtr(t *testing.T) {
	p := Ptr("x")
	assert.Equal(t, "x", *p)
}
