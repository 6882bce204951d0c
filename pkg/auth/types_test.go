package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

func TestRequire(t *testing.T) {
	tests := []struct {
		name  string
		actor Actor
		cap   Capability
		ok    bool
	}{
		{"coach reviews", Actor{ID: "c1", Role: RoleCoach}, CapCoachReview, true},
		{"treasurer cannot coach review", Actor{ID: "t1", Role: RoleTreasurer}, CapCoachReview, false},
		{"stakeholder acknowledges", Actor{ID: "p1", Role: RoleStakeholder}, CapAcknowledge, true},
		{"stakeholder cannot lock", Actor{ID: "p1", Role: RoleStakeholder}, CapLockBudget, false},
		{"board reviews for association", Actor{ID: "a1", Role: RoleAssociationBoard}, CapAssociationReview, true},
		{"system locks", System, CapLockBudget, true},
		{"unknown role", Actor{ID: "x", Role: Role("PARENT")}, CapView, false},
		{"anonymous", Actor{Role: RoleTreasurer}, CapView, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Require(tt.actor, tt.cap)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrForbidden)
		})
	}
}

func TestActorContext(t *testing.T) {
	ctx := context.Background()
	_, err := GetActor(ctx)
	assert.Error(t, err)
	assert.Equal(t, System, ActorOrSystem(ctx))

	a := Actor{ID: "t1", Role: RoleTreasurer}
	got, err := GetActor(WithActor(ctx, a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
