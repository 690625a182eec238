package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// MockStore mocks the grant store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, g *types.AuthorizationGrant) error {
	args := m.Called(ctx, g)
	return args.Error(0)
}

func (m *MockStore) GetByID(ctx context.Context, id string) (*types.AuthorizationGrant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.AuthorizationGrant), args.Error(1)
}

func (m *MockStore) FindByPatientAndOrg(ctx context.Context, patientID, organizationID string) ([]*types.AuthorizationGrant, error) {
	args := m.Called(ctx, patientID, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.AuthorizationGrant), args.Error(1)
}

func (m *MockStore) UpdateStatusCAS(ctx context.Context, id string, from, to types.GrantStatus, fields UpdateFields) (bool, error) {
	args := m.Called(ctx, id, from, to, fields)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// fixedClock returns a constant instant
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// staticIDs returns a constant identifier
type staticIDs struct {
	id string
}

func (g staticIDs) NewID() string { return g.id }

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func setupTestEngine() (*Engine, *MockStore) {
	mockStore := &MockStore{}
	log := logger.New("debug")
	cfg := &config.GrantConfig{MaxTimeWindowHours: 720}

	engine := NewEngine(
		cfg,
		log,
		mockStore,
		fixedClock{now: testNow},
		staticIDs{id: "grant-1"},
		audit.NewLogSink(log),
		nil,
		nil,
	)

	return engine, mockStore
}

func TestEngine_RequestGrant(t *testing.T) {
	scope := types.AccessScope{types.CapabilityViewSummary: true}

	t.Run("successful request starts pending", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("Create", mock.Anything, mock.AnythingOfType("*types.AuthorizationGrant")).Return(nil)

		g, err := engine.RequestGrant(context.Background(), "patient-1", "org-1", "prac-1", scope, 24)

		assert.NoError(t, err)
		assert.Equal(t, "grant-1", g.ID)
		assert.Equal(t, types.GrantStatusPending, g.Status)
		assert.Nil(t, g.GrantedAt)
		assert.Nil(t, g.ExpiresAt)
		assert.Equal(t, 24, g.TimeWindowHours)
		mockStore.AssertExpectations(t)
	})

	t.Run("rejects empty scope", func(t *testing.T) {
		engine, _ := setupTestEngine()

		_, err := engine.RequestGrant(context.Background(), "patient-1", "org-1", "prac-1", types.AccessScope{}, 24)

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})

	t.Run("rejects disabled-only scope", func(t *testing.T) {
		engine, _ := setupTestEngine()
		disabled := types.AccessScope{types.CapabilityViewFull: false}

		_, err := engine.RequestGrant(context.Background(), "patient-1", "org-1", "prac-1", disabled, 24)

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})

	t.Run("rejects non-positive time window", func(t *testing.T) {
		engine, _ := setupTestEngine()

		_, err := engine.RequestGrant(context.Background(), "patient-1", "org-1", "prac-1", scope, 0)

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})

	t.Run("rejects time window over the configured maximum", func(t *testing.T) {
		engine, _ := setupTestEngine()

		_, err := engine.RequestGrant(context.Background(), "patient-1", "org-1", "prac-1", scope, 721)

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})

	t.Run("rejects missing party IDs", func(t *testing.T) {
		engine, _ := setupTestEngine()

		_, err := engine.RequestGrant(context.Background(), "", "org-1", "prac-1", scope, 24)

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})
}

func pendingGrant() *types.AuthorizationGrant {
	return &types.AuthorizationGrant{
		ID:                       "grant-1",
		PatientID:                "patient-1",
		OrganizationID:           "org-1",
		RequestingPractitionerID: "prac-1",
		AccessScope:              types.AccessScope{types.CapabilityViewSummary: true},
		Status:                   types.GrantStatusPending,
		TimeWindowHours:          24,
		CreatedAt:                testNow.Add(-time.Hour),
		UpdatedAt:                testNow.Add(-time.Hour),
	}
}

func TestEngine_Decide(t *testing.T) {
	t.Run("approve activates and sets expiry from decision time", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(pendingGrant(), nil)
		mockStore.On("UpdateStatusCAS", mock.Anything, "grant-1", types.GrantStatusPending, types.GrantStatusActive,
			mock.MatchedBy(func(f UpdateFields) bool {
				return f.GrantedAt != nil && f.GrantedAt.Equal(testNow) &&
					f.ExpiresAt != nil && f.ExpiresAt.Equal(testNow.Add(24*time.Hour))
			})).Return(true, nil)

		decision, err := engine.Decide(context.Background(), "grant-1", "patient-1", DecisionApprove, "")

		assert.NoError(t, err)
		assert.Equal(t, types.GrantStatusActive, decision.NewStatus)
		assert.NotNil(t, decision.ExpiresAt)
		assert.Equal(t, testNow.Add(24*time.Hour), *decision.ExpiresAt)
		mockStore.AssertExpectations(t)
	})

	t.Run("reject requires a reason", func(t *testing.T) {
		engine, _ := setupTestEngine()

		_, err := engine.Decide(context.Background(), "grant-1", "patient-1", DecisionReject, "")

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})

	t.Run("reject records the reason without expiry", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(pendingGrant(), nil)
		mockStore.On("UpdateStatusCAS", mock.Anything, "grant-1", types.GrantStatusPending, types.GrantStatusRejected,
			mock.MatchedBy(func(f UpdateFields) bool {
				return f.DecisionReason == "patient declined" && f.ExpiresAt == nil
			})).Return(true, nil)

		decision, err := engine.Decide(context.Background(), "grant-1", "patient-1", DecisionReject, "patient declined")

		assert.NoError(t, err)
		assert.Equal(t, types.GrantStatusRejected, decision.NewStatus)
		assert.Nil(t, decision.ExpiresAt)
		mockStore.AssertExpectations(t)
	})

	t.Run("only the patient may decide", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(pendingGrant(), nil)

		_, err := engine.Decide(context.Background(), "grant-1", "someone-else", DecisionApprove, "")

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeAuthorization, types.TypeOf(err))
	})

	t.Run("deciding a non-pending grant conflicts", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		g := pendingGrant()
		g.Status = types.GrantStatusRejected
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(g, nil)

		_, err := engine.Decide(context.Background(), "grant-1", "patient-1", DecisionApprove, "")

		assert.Error(t, err)
		assert.True(t, types.IsConflict(err))
	})

	t.Run("losing the decision race conflicts", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(pendingGrant(), nil)
		mockStore.On("UpdateStatusCAS", mock.Anything, "grant-1", types.GrantStatusPending, types.GrantStatusActive, mock.Anything).
			Return(false, nil)

		_, err := engine.Decide(context.Background(), "grant-1", "patient-1", DecisionApprove, "")

		assert.Error(t, err)
		assert.True(t, types.IsConflict(err))
	})

	t.Run("unknown grant is not found", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "missing").
			Return(nil, types.NewNotFoundError(types.ErrCodeNotFound, "grant not found"))

		_, err := engine.Decide(context.Background(), "missing", "patient-1", DecisionApprove, "")

		assert.Error(t, err)
		assert.True(t, types.IsNotFound(err))
	})
}

func activeGrant(expiresAt time.Time) *types.AuthorizationGrant {
	g := pendingGrant()
	g.Status = types.GrantStatusActive
	grantedAt := testNow.Add(-time.Hour)
	g.GrantedAt = &grantedAt
	g.ExpiresAt = &expiresAt
	return g
}

func TestEngine_Revoke(t *testing.T) {
	t.Run("patient revokes an active grant", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(activeGrant(testNow.Add(23*time.Hour)), nil)
		mockStore.On("UpdateStatusCAS", mock.Anything, "grant-1", types.GrantStatusActive, types.GrantStatusRevoked,
			mock.MatchedBy(func(f UpdateFields) bool { return f.ClearExpiry && f.DecidedBy == "patient-1" })).
			Return(true, nil)

		decision, err := engine.Revoke(context.Background(), "grant-1", "patient-1")

		assert.NoError(t, err)
		assert.Equal(t, types.GrantStatusRevoked, decision.NewStatus)
		mockStore.AssertExpectations(t)
	})

	t.Run("only active grants can be revoked", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(pendingGrant(), nil)

		_, err := engine.Revoke(context.Background(), "grant-1", "patient-1")

		assert.Error(t, err)
		assert.True(t, types.IsConflict(err))
	})

	t.Run("a grant past its expiry cannot be revoked", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(activeGrant(testNow.Add(-2*time.Hour)), nil)

		_, err := engine.Revoke(context.Background(), "grant-1", "patient-1")

		assert.Error(t, err)
		assert.True(t, types.IsConflict(err))
		mockStore.AssertNotCalled(t, "UpdateStatusCAS", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("only the patient may revoke", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(activeGrant(testNow.Add(time.Hour)), nil)

		_, err := engine.Revoke(context.Background(), "grant-1", "org-1")

		assert.Error(t, err)
		assert.Equal(t, types.ErrorTypeAuthorization, types.TypeOf(err))
	})
}

func TestEngine_GetGrant(t *testing.T) {
	t.Run("active grant past expiry reads as expired", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(activeGrant(testNow.Add(-time.Minute)), nil)

		g, err := engine.GetGrant(context.Background(), "grant-1")

		assert.NoError(t, err)
		assert.Equal(t, types.GrantStatusExpired, g.Status)
	})

	t.Run("active grant before expiry reads as active", func(t *testing.T) {
		engine, mockStore := setupTestEngine()
		mockStore.On("GetByID", mock.Anything, "grant-1").Return(activeGrant(testNow.Add(time.Minute)), nil)

		g, err := engine.GetGrant(context.Background(), "grant-1")

		assert.NoError(t, err)
		assert.Equal(t, types.GrantStatusActive, g.Status)
	})
}

func TestCheckAccess(t *testing.T) {
	expiry := testNow.Add(24 * time.Hour)

	t.Run("active grant with capability allows before expiry", func(t *testing.T) {
		g := activeGrant(expiry)
		assert.True(t, CheckAccess(g, types.CapabilityViewSummary, testNow))
		assert.True(t, CheckAccess(g, types.CapabilityViewSummary, expiry.Add(-time.Nanosecond)))
	})

	t.Run("denies exactly at expiry", func(t *testing.T) {
		g := activeGrant(expiry)
		assert.False(t, CheckAccess(g, types.CapabilityViewSummary, expiry))
		assert.False(t, CheckAccess(g, types.CapabilityViewSummary, expiry.Add(time.Second)))
	})

	t.Run("denies capabilities outside the scope", func(t *testing.T) {
		g := activeGrant(expiry)
		assert.False(t, CheckAccess(g, types.CapabilityViewFull, testNow))
	})

	t.Run("denies non-active statuses", func(t *testing.T) {
		for _, status := range []types.GrantStatus{
			types.GrantStatusPending,
			types.GrantStatusRejected,
			types.GrantStatusExpired,
			types.GrantStatusRevoked,
		} {
			g := activeGrant(expiry)
			g.Status = status
			assert.False(t, CheckAccess(g, types.CapabilityViewSummary, testNow), string(status))
		}
	})

	t.Run("denies nil grant and missing expiry", func(t *testing.T) {
		assert.False(t, CheckAccess(nil, types.CapabilityViewSummary, testNow))

		g := activeGrant(expiry)
		g.ExpiresAt = nil
		assert.False(t, CheckAccess(g, types.CapabilityViewSummary, testNow))
	})
}
