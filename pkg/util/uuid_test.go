package util

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	parsed, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewRunID_TimeOrdered(t *testing.T) {
	first := NewRunID()
	second := NewRunID()
	assert.NotEqual(t, first, second)
	assert.Less(t, first, second, "run identifiers should sort by mint time")
}
