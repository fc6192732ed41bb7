package session

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSessionID_Deterministic(t *testing.T) {
	userID := uuid.New()
	convID := uuid.New()

	first := DeriveSessionID(userID, convID)
	second := DeriveSessionID(userID, convID)

	assert.Equal(t, first, second)
	assert.True(t, ValidateSessionID(first))
}

func TestDeriveSessionID_Isolation(t *testing.T) {
	// No two distinct pairs may collide
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := DeriveSessionID(uuid.New(), uuid.New())
		_, dup := seen[id]
		require.False(t, dup, "collision for %s", id)
		seen[id] = struct{}{}
	}

	// Pairs sharing one component still differ
	userID := uuid.New()
	convA := uuid.New()
	convB := uuid.New()
	assert.NotEqual(t, DeriveSessionID(userID, convA), DeriveSessionID(userID, convB))
	assert.NotEqual(t, DeriveSessionID(userID, convA), DeriveSessionID(uuid.New(), convA))
}

func TestValidateSessionID(t *testing.T) {
	userID := uuid.New()
	convID := uuid.New()

	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"derived id", DeriveSessionID(userID, convID), true},
		{"empty", "", false},
		{"garbage", "invalid", false},
		{"non-uuid segments", "user_123_conv_456", false},
		{"wrong middle segment", fmt.Sprintf("user_%s_wrong_%s", userID, convID), false},
		{"wrong separator", fmt.Sprintf("user-%s-conv-%s", userID, convID), false},
		{"missing conv segment", fmt.Sprintf("user_%s", userID), false},
		{"trailing segment", DeriveSessionID(userID, convID) + "_extra", false},
		{"dashes only", "user_------------------------------------_conv_------------------------------------", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateSessionID(tt.id))
		})
	}
}
