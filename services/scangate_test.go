package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"ingest-lab/domain"
	apperrors "ingest-lab/errors"
	"ingest-lab/mocks"
	"ingest-lab/repositories"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func seedScannable(t *testing.T, repo *repositories.SessionRepository) *domain.UploadSession {
	t.Helper()
	session := domain.NewUploadSession("batch-1", "ws-1", "container-1", "doc.pdf", 4, 1)
	session.AssembledPath = filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(session.AssembledPath, []byte("data"), 0o644))
	require.NoError(t, repo.Save(session))

	for _, status := range []domain.SessionStatus{
		domain.StatusUploading, domain.StatusAssembling, domain.StatusVirusScanning,
	} {
		_, err := repo.Update(session.ID, func(s *domain.UploadSession) error {
			return s.Transition(status)
		})
		require.NoError(t, err)
	}
	return session
}

func TestScanGateCleanVerdictCompletes(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)
	session := seedScannable(t, sessionRepo)

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Ping(gomock.Any()).Return(nil)
	scanner.EXPECT().Scan(gomock.Any(), session.AssembledPath).
		Return(domain.ScanVerdict{Clean: true}, nil)

	gate := NewScanGate(scanner, sessionRepo, false, log)
	req.NoError(gate.ProcessOne(context.Background(), session.ID))

	stored, err := sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusCompleted, stored.Status)
	req.Equal("clean", stored.Meta(domain.MetaScanStatus))
	_, statErr := os.Stat(session.AssembledPath)
	req.NoError(statErr)
}

func TestScanGateInfectedQuarantines(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)
	session := seedScannable(t, sessionRepo)

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Ping(gomock.Any()).Return(nil)
	scanner.EXPECT().Scan(gomock.Any(), session.AssembledPath).
		Return(domain.ScanVerdict{Clean: false, Signature: "Eicar-Test-Signature"}, nil)

	gate := NewScanGate(scanner, sessionRepo, false, log)
	req.NoError(gate.ProcessOne(context.Background(), session.ID))

	stored, err := sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusVirusDetected, stored.Status)
	req.Equal("Eicar-Test-Signature", stored.Meta(domain.MetaScanSignature))

	// The assembled file is gone and the state is terminal.
	_, statErr := os.Stat(session.AssembledPath)
	req.True(os.IsNotExist(statErr))
	req.True(stored.Terminal())
}

func TestScanGateUnavailableFailsClosed(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)
	session := seedScannable(t, sessionRepo)

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))

	gate := NewScanGate(scanner, sessionRepo, false, log)
	err := gate.ProcessOne(context.Background(), session.ID)

	var uerr apperrors.ScannerUnavailableError
	req.ErrorAs(err, &uerr)

	stored, getErr := sessionRepo.Get(session.ID)
	req.NoError(getErr)
	req.Equal(domain.StatusFailed, stored.Status)
	req.Equal("unavailable", stored.Meta(domain.MetaScanStatus))
	req.NotEmpty(stored.Meta(domain.MetaSuggestion))
}

func TestScanGateUnavailableFailOpenCompletes(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)
	session := seedScannable(t, sessionRepo)

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)
	scanner.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused"))

	gate := NewScanGate(scanner, sessionRepo, true, log)
	req.NoError(gate.ProcessOne(context.Background(), session.ID))

	stored, err := sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusCompleted, stored.Status)
	req.Equal("unavailable", stored.Meta(domain.MetaScanStatus))
}

func TestScanGateSkipsSessionOutsideScanningState(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)

	session := domain.NewUploadSession("batch-1", "ws-1", "container-1", "doc.pdf", 4, 1)
	req.NoError(sessionRepo.Save(session))

	ctrl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctrl)

	gate := NewScanGate(scanner, sessionRepo, false, log)
	req.NoError(gate.ProcessOne(context.Background(), session.ID))

	stored, err := sessionRepo.Get(session.ID)
	req.NoError(err)
	req.Equal(domain.StatusPending, stored.Status)
}

func TestScanGateSubmitQueuesJob(t *testing.T) {
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	sessionRepo := repositories.NewSessionRepository(openTransferDB(t), log)

	ctrl := gomock.NewController(t)
	gate := NewScanGate(mocks.NewMockScanner(ctrl), sessionRepo, false, log)

	req.NoError(gate.Submit(context.Background(), "session-42"))
	req.Equal(domain.SessionID("session-42"), <-gate.Jobs())
}
