package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionPredicate(t *testing.T) {
	got := transitionPredicate("status", "$2")
	assert.Equal(t,
		"(status = $2"+
			" OR (status = 'generating' AND $2 IN ('completed', 'failed', 'partial', 'cancelled'))"+
			" OR (status = 'pending' AND $2 IN ('generating', 'completed', 'failed', 'partial', 'cancelled')))",
		got)
}
