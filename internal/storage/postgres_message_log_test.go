package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

func TestInsertMessageLog(t *testing.T) {
	ctx := context.Background()

	t.Run("new row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		msg := *model.NewMessageLog()
		mock.ExpectExec(sqlLike(`INSERT INTO "message_logs"`, `ON CONFLICT DO NOTHING`)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		stored, created, err := repo.InsertMessageLog(ctx, msg)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, msg.ID, stored.ID)
	})

	t.Run("redelivery returns the existing row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		msg := *model.NewMessageLog(&model.MessageLog{ExternalMessageID: "tg-42"})
		mock.ExpectExec(sqlLike(`INSERT INTO "message_logs"`, `ON CONFLICT DO NOTHING`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(sqlLike(`SELECT * FROM "message_logs" WHERE platform = $1 AND external_message_id = $2 AND direction = $3`)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "platform", "external_message_id", "direction", "status"}).
				AddRow("existing-id", msg.Platform, "tg-42", model.MessageFlowIncoming, model.MessageStatusProcessing))

		stored, created, err := repo.InsertMessageLog(ctx, msg)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "existing-id", stored.ID)
		assert.Equal(t, model.MessageStatusProcessing, stored.Status)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(sqlLike(`INSERT INTO "message_logs"`)).WillReturnError(errors.New("syntax error"))

		_, _, err := repo.InsertMessageLog(ctx, *model.NewMessageLog())
		assert.True(t, apperrors.IsDatabaseError(err))
	})
}

func TestTransitionMessageStatus(t *testing.T) {
	ctx := context.Background()
	claimSQL := sqlLike(`UPDATE "message_logs" SET`, `WHERE id = $`, `AND status = $`)

	t.Run("guard matched", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 1))

		changed, err := repo.TransitionMessageStatus(ctx, "m-1", model.MessageStatusReceived, model.MessageStatusProcessing,
			map[string]interface{}{"claimed_at": time.Now()})
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("guard not matched", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(claimSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		changed, err := repo.TransitionMessageStatus(ctx, "m-1", model.MessageStatusReceived, model.MessageStatusProcessing, nil)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestFindMessageLogByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(sqlLike(`SELECT * FROM "message_logs" WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindMessageLogByID(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestListPendingMessages(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Now().Add(-time.Minute)

	mock.ExpectQuery(sqlLike(
		`FROM message_logs AS m`,
		`LEFT JOIN user_bindings AS b ON b.platform = m.platform AND b.platform_user_id = m.external_user_id AND b.status = $1`,
		`LEFT JOIN employees AS e ON e.id = b.employee_id`,
		`WHERE m.status = $2 AND m.direction = $3`,
		`AND m.platform = $4`,
		`ORDER BY m.created_at ASC, m.id ASC`,
	)).WillReturnRows(sqlmock.NewRows([]string{
		"id", "platform", "external_user_id", "bound_employee_id", "employee_name", "content", "message_kind",
		"file_id", "file_path", "file_type", "file_name", "created_at",
	}).
		AddRow("m-1", model.PlatformTelegram, "u-1", "emp-1", "Anna", "hello", model.MessageKindText, "", "", "", "", created).
		AddRow("m-2", model.PlatformTelegram, "u-2", nil, nil, "", model.MessageKindImage, "AgAD", "photos/file_1.jpg", "image/jpeg", "", created))

	rows, err := repo.ListPendingMessages(context.Background(), model.PendingFilter{Platform: model.PlatformTelegram, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].IsBound())
	assert.Equal(t, "Anna", *rows[0].EmployeeName)
	assert.Nil(t, rows[0].FileRef)

	assert.False(t, rows[1].IsBound())
	require.NotNil(t, rows[1].FileRef)
	assert.Equal(t, "photos/file_1.jpg", rows[1].FileRef.Path)
}

func TestMessageHistory(t *testing.T) {
	repo, mock := newMockRepo(t)
	t1 := time.Now().Add(-2 * time.Minute)
	t2 := time.Now().Add(-time.Minute)

	mock.ExpectQuery(sqlLike(`SELECT "direction","content","created_at" FROM "message_logs"`, `ORDER BY created_at DESC`)).
		WillReturnRows(sqlmock.NewRows([]string{"direction", "content", "created_at"}).
			AddRow(model.MessageFlowOutgoing, "hi there", t2).
			AddRow(model.MessageFlowIncoming, "hello", t1))

	history, err := repo.MessageHistory(context.Background(), model.PlatformTelegram, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, model.MessageFlowOutgoing, history[1].Direction)

	empty, err := repo.MessageHistory(context.Background(), model.PlatformTelegram, "u-1", 0)
	assert.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpdateMessageFile(t *testing.T) {
	ctx := context.Background()
	ref := model.FileRef{ID: "AgAD", Path: "documents/file_3.pdf", Type: "application/pdf", Name: "invoice.pdf"}

	t.Run("updated", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(sqlLike(`UPDATE "message_logs" SET`, `WHERE id = $`)).WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, repo.UpdateMessageFile(ctx, "m-1", ref))
	})

	t.Run("missing row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(sqlLike(`UPDATE "message_logs" SET`)).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.True(t, apperrors.IsNotFoundError(repo.UpdateMessageFile(ctx, "m-1", ref)))
	})
}

func TestFailStaleClaims(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(sqlLike(`UPDATE "message_logs" SET`, `WHERE status = $`, `AND claimed_at < $`)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.FailStaleClaims(context.Background(), time.Now().Add(-10*time.Minute), "claim timed out")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStartMessageReply(t *testing.T) {
	ctx := context.Background()
	lockSQL := sqlLike(`UPDATE "message_logs" SET`, `WHERE id = $`, `AND status = $`, `AND direction = $`, `AND reply_started_at IS NULL`)

	t.Run("first caller takes the lock", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(lockSQL).WillReturnResult(sqlmock.NewResult(0, 1))

		started, err := repo.StartMessageReply(ctx, "m-1", time.Now())
		require.NoError(t, err)
		assert.True(t, started)
	})

	t.Run("lock already taken", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(lockSQL).WillReturnResult(sqlmock.NewResult(0, 0))

		started, err := repo.StartMessageReply(ctx, "m-1", time.Now())
		require.NoError(t, err)
		assert.False(t, started)
	})

	t.Run("ambiguous failure is reported, not retried", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(lockSQL).WillReturnError(errors.New("write: broken pipe"))

		_, err := repo.StartMessageReply(ctx, "m-1", time.Now())
		assert.True(t, apperrors.IsDatabaseError(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFindMessageLogByExternalID(t *testing.T) {
	ctx := context.Background()
	lookup := sqlLike(`SELECT * FROM "message_logs" WHERE platform = $1 AND external_message_id = $2 AND direction = $3`)

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(lookup).
			WillReturnRows(sqlmock.NewRows([]string{"id", "platform", "external_message_id", "direction"}).
				AddRow("m-7", model.PlatformTelegram, "tg-7", model.MessageFlowIncoming))

		msg, err := repo.FindMessageLogByExternalID(ctx, model.PlatformTelegram, "tg-7", model.MessageFlowIncoming)
		require.NoError(t, err)
		assert.Equal(t, "m-7", msg.ID)
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(lookup).WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.FindMessageLogByExternalID(ctx, model.PlatformTelegram, "tg-8", model.MessageFlowIncoming)
		assert.True(t, apperrors.IsNotFoundError(err))
	})
}
