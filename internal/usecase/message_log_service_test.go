package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

func TestMessageLog_IngestIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg := model.NewIncomingMessage()

	first, created, err := h.messages.Ingest(ctx, msg, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.MessageFlowIncoming, first.Direction)
	require.NotNil(t, first.PlatformSentAt)
	assert.Equal(t, msg.ReceivedAt, *first.PlatformSentAt)
	assert.False(t, first.CreatedAt.IsZero())

	again, created, err := h.messages.Ingest(ctx, msg, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestMessageLog_RecordOutbound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.messages.RecordOutbound(ctx, OutboundRecord{Platform: model.PlatformTelegram, ExternalUserID: "u1", Content: "hi", Delivered: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ok.ExternalMessageID, "out:"))
	assert.Equal(t, model.MessageStatusCompleted, ok.Status)
	assert.Equal(t, model.MessageFlowOutgoing, ok.Direction)

	failed, err := h.messages.RecordOutbound(ctx, OutboundRecord{
		Platform:          model.PlatformTelegram,
		ExternalUserID:    "u1",
		ExternalMessageID: "tg-991",
		Content:           "hi",
		ErrorDetail:       "blocked by user",
	})
	require.NoError(t, err)
	assert.Equal(t, "tg-991", failed.ExternalMessageID)
	assert.Equal(t, model.MessageStatusFailed, failed.Status)
	assert.Equal(t, "blocked by user", failed.ErrorDetail)

	pending, err := h.messages.ListPending(ctx, model.PendingFilter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMessageLog_AttachFileMerges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, _, err := h.messages.Ingest(ctx, model.NewIncomingMessage(&model.IncomingMessage{
		Kind: model.MessageKindDocument,
		File: &model.FileRef{ID: "doc-1", Name: "contract.pdf"},
	}), nil)
	require.NoError(t, err)

	require.NoError(t, h.messages.AttachFile(ctx, msg.ID, model.FileRef{Path: "documents/file_3.pdf", Type: "application/pdf"}))

	row, err := h.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, &model.FileRef{ID: "doc-1", Path: "documents/file_3.pdf", Type: "application/pdf", Name: "contract.pdf"}, row.FileRef())

	err = h.messages.AttachFile(ctx, "missing", model.FileRef{Path: "x"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMessageLog_ReclaimStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.webhook(t, model.NewIncomingMessage())
	fresh := h.webhook(t, model.NewIncomingMessage())
	untouched := h.webhook(t, model.NewIncomingMessage())

	require.NoError(t, h.messages.Claim(ctx, stale.Message.ID))
	h.messages.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, h.messages.Claim(ctx, fresh.Message.ID))

	n, err := h.messages.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, _ := h.messages.Get(ctx, stale.Message.ID)
	assert.Equal(t, model.MessageStatusFailed, row.Status)
	assert.Equal(t, reclaimDetail, row.ErrorDetail)
	row, _ = h.messages.Get(ctx, fresh.Message.ID)
	assert.Equal(t, model.MessageStatusProcessing, row.Status)
	row, _ = h.messages.Get(ctx, untouched.Message.ID)
	assert.Equal(t, model.MessageStatusReceived, row.Status)

	n, err = h.messages.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMessageLog_ClaimErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.webhook(t, model.NewIncomingMessage())

	require.NoError(t, h.messages.Claim(ctx, res.Message.ID))
	err := h.messages.Claim(ctx, res.Message.ID)
	assert.True(t, apperrors.IsAlreadyClaimedError(err))

	err = h.messages.Claim(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = h.messages.Resolve(ctx, "missing", model.Completed())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSweeper_RunsUntilCancelled(t *testing.T) {
	calls := make(chan struct{}, 10)
	s := NewSweeper("test", 10*time.Millisecond, func(context.Context) (int64, error) {
		calls <- struct{}{}
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not run")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_DisabledReturnsImmediately(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := logger.WithLogger(context.Background(), zap.New(core))

	s := NewSweeper("off", 0, func(context.Context) (int64, error) {
		t.Fatal("disabled sweeper ran")
		return 0, nil
	})
	s.Run(ctx)
	assert.Equal(t, 1, logs.FilterMessage("Sweeper disabled").Len())
}

func TestHandleRepositoryError(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, handleRepositoryError(ctx, nil, "Op", ""))

	stateErr := apperrors.NewStateError("message_log", "m1", model.MessageStatusCompleted, model.MessageStatusFailed)
	assert.Same(t, stateErr, handleRepositoryError(ctx, stateErr, "Op", "m1"))

	bindingErr := apperrors.NewBindingError(apperrors.CodeExpired, "code expired")
	assert.Same(t, bindingErr, handleRepositoryError(ctx, bindingErr, "Op", ""))

	for _, sentinel := range []error{apperrors.ErrNotFound, apperrors.ErrDuplicate, apperrors.ErrBadRequest, apperrors.ErrConflict} {
		err := handleRepositoryError(ctx, sentinel, "Op", "x")
		assert.True(t, apperrors.IsFatal(err), "%v", sentinel)
		assert.ErrorIs(t, err, sentinel)
	}

	for _, sentinel := range []error{apperrors.ErrDatabase, apperrors.ErrTimeout, context.DeadlineExceeded} {
		err := handleRepositoryError(ctx, sentinel, "Op", "x")
		assert.True(t, apperrors.IsRetryable(err), "%v", sentinel)
		assert.ErrorIs(t, err, sentinel)
	}

	err := handleRepositoryError(ctx, errors.New("weird"), "Op", "")
	assert.True(t, apperrors.IsFatal(err))
}
