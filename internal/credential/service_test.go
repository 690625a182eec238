package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// MockPrescriptionReader mocks the prescription reader
type MockPrescriptionReader struct {
	mock.Mock
}

func (m *MockPrescriptionReader) GetPrescription(ctx context.Context, ref types.PrescriptionRef) (*types.Prescription, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Prescription), args.Error(1)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func setupTestService(t *testing.T) (*Service, *MockPrescriptionReader, *MemoryLedger) {
	mockReader := &MockPrescriptionReader{}
	ledger := NewMemoryLedger()
	log := logger.New("debug")
	cfg := &config.CredentialConfig{TTLMinutes: 10, Issuer: "consent-core"}

	keys, err := GenerateKeySet("v1")
	require.NoError(t, err)

	service := NewService(
		cfg,
		log,
		NewSigner(keys, cfg.Issuer),
		ledger,
		mockReader,
		fixedClock{now: signerTestNow},
		audit.NewLogSink(log),
		nil,
	)

	return service, mockReader, ledger
}

func issuedPrescription() *types.Prescription {
	return &types.Prescription{
		EncounterID:       "enc-1",
		PrescriptionIndex: 0,
		PatientID:         "patient-1",
		PrescriberID:      "prac-1",
		OrganizationID:    "org-1",
		Medication: types.Medication{
			Name:      "Amoxicillin",
			Dosage:    "500mg",
			Frequency: "3x daily",
		},
		Status:   types.PrescriptionStatusIssued,
		IssuedAt: signerTestNow.Add(-time.Hour),
	}
}

func TestService_Issue(t *testing.T) {
	ref := types.PrescriptionRef{EncounterID: "enc-1", PrescriptionIndex: 0}

	t.Run("mints a credential for an issued prescription", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		mockReader.On("GetPrescription", mock.Anything, ref).Return(issuedPrescription(), nil)

		signed, payload, err := service.Issue(context.Background(), "enc-1", 0, "prac-1")

		require.NoError(t, err)
		assert.NotEmpty(t, signed)
		assert.NotEmpty(t, payload.Nonce)
		assert.Equal(t, signerTestNow.Add(10*time.Minute), payload.ExpiresAt)
		assert.Equal(t, "patient-1", payload.PatientID)
		mockReader.AssertExpectations(t)
	})

	t.Run("fresh nonce per issuance", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		mockReader.On("GetPrescription", mock.Anything, ref).Return(issuedPrescription(), nil)

		_, first, err := service.Issue(context.Background(), "enc-1", 0, "prac-1")
		require.NoError(t, err)
		_, second, err := service.Issue(context.Background(), "enc-1", 0, "prac-1")
		require.NoError(t, err)

		assert.NotEqual(t, first.Nonce, second.Nonce)
	})

	t.Run("filled prescription conflicts", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		rx := issuedPrescription()
		rx.Status = types.PrescriptionStatusFilled
		mockReader.On("GetPrescription", mock.Anything, ref).Return(rx, nil)

		_, _, err := service.Issue(context.Background(), "enc-1", 0, "prac-1")

		assert.Error(t, err)
		assert.True(t, types.IsConflict(err))
	})

	t.Run("unknown prescription is not found", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		mockReader.On("GetPrescription", mock.Anything, mock.Anything).
			Return(nil, types.NewNotFoundError(types.ErrCodeNotFound, "prescription not found"))

		_, _, err := service.Issue(context.Background(), "enc-9", 0, "prac-1")

		assert.Error(t, err)
		assert.True(t, types.IsNotFound(err))
	})

	t.Run("rejects negative index and missing IDs", func(t *testing.T) {
		service, _, _ := setupTestService(t)

		_, _, err := service.Issue(context.Background(), "enc-1", -1, "prac-1")
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))

		_, _, err = service.Issue(context.Background(), "", 0, "prac-1")
		assert.Equal(t, types.ErrorTypeValidation, types.TypeOf(err))
	})
}

func TestService_Verify(t *testing.T) {
	ref := types.PrescriptionRef{EncounterID: "enc-1", PrescriptionIndex: 0}

	issue := func(t *testing.T, service *Service, mockReader *MockPrescriptionReader) string {
		mockReader.On("GetPrescription", mock.Anything, ref).Return(issuedPrescription(), nil)
		signed, _, err := service.Issue(context.Background(), "enc-1", 0, "prac-1")
		require.NoError(t, err)
		return signed
	}

	t.Run("first presentation verifies and consumes the nonce", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		signed := issue(t, service, mockReader)

		payload, err := service.Verify(context.Background(), signed, signerTestNow.Add(time.Minute))

		require.NoError(t, err)
		assert.Equal(t, "patient-1", payload.PatientID)
	})

	t.Run("second presentation is a detected replay", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		signed := issue(t, service, mockReader)

		_, err := service.Verify(context.Background(), signed, signerTestNow.Add(time.Minute))
		require.NoError(t, err)

		_, err = service.Verify(context.Background(), signed, signerTestNow.Add(2*time.Minute))
		assertVerificationCode(t, err, types.ErrCodeReplayDetected)
	})

	t.Run("expired presentation leaves the nonce unconsumed", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		signed := issue(t, service, mockReader)

		_, err := service.Verify(context.Background(), signed, signerTestNow.Add(time.Hour))
		assertVerificationCode(t, err, types.ErrCodeCredentialExpired)

		// The failed attempt burned nothing: a timely scan still succeeds.
		_, err = service.Verify(context.Background(), signed, signerTestNow.Add(time.Minute))
		assert.NoError(t, err)
	})

	t.Run("tampered credential is rejected before the ledger", func(t *testing.T) {
		service, mockReader, _ := setupTestService(t)
		signed := issue(t, service, mockReader)

		_, err := service.Verify(context.Background(), signed[:len(signed)-4], signerTestNow.Add(time.Minute))
		assertVerificationCode(t, err, types.ErrCodeInvalidSignature)
	})
}
