package commands

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/allisson/effectd/internal/task/domain"
	taskMocks "github.com/allisson/effectd/internal/task/usecase/mocks"
)

func TestRunTaskAbort(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()
	id := uuid.New()
	task := &domain.Task{ID: id, Kind: domain.KindDownload, Status: domain.StatusAborted, AttemptCount: 1}

	t.Run("text-output", func(t *testing.T) {
		mockUseCase := &taskMocks.MockUseCase{}
		mockUseCase.On("Abort", ctx, id).Return(task, nil).Once()

		var out bytes.Buffer
		err := RunTaskAbort(ctx, mockUseCase, logger, &out, id.String(), "text")

		require.NoError(t, err)
		require.Contains(t, out.String(), "Aborted task "+id.String())
		mockUseCase.AssertExpectations(t)
	})

	t.Run("json-output", func(t *testing.T) {
		mockUseCase := &taskMocks.MockUseCase{}
		mockUseCase.On("Abort", ctx, id).Return(task, nil).Once()

		var out bytes.Buffer
		err := RunTaskAbort(ctx, mockUseCase, logger, &out, id.String(), "json")

		require.NoError(t, err)
		require.Contains(t, out.String(), `"status": "ABORTED"`)
		require.Contains(t, out.String(), `"attempt_count": 1`)
		mockUseCase.AssertExpectations(t)
	})

	t.Run("already-finished", func(t *testing.T) {
		mockUseCase := &taskMocks.MockUseCase{}
		mockUseCase.On("Abort", ctx, id).Return(nil, domain.ErrInvalidTransition).Once()

		err := RunTaskAbort(ctx, mockUseCase, logger, &bytes.Buffer{}, id.String(), "text")

		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("invalid-id", func(t *testing.T) {
		mockUseCase := &taskMocks.MockUseCase{}

		err := RunTaskAbort(ctx, mockUseCase, logger, &bytes.Buffer{}, "nope", "text")

		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid task id")
		mockUseCase.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything)
	})
}
