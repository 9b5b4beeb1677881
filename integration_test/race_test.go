//go:build integration

package integration_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/cache"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/usecase"
)

const racers = 16

func (s *PostgresSuite) TestIngest_DuplicateDeliveryStoresOneRow() {
	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	msg := model.NewIncomingMessage(&model.IncomingMessage{Platform: model.PlatformWebhook})

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := messages.Ingest(s.Ctx, msg, nil)
			s.NoError(err)
			if isNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), created.Load())
	s.Equal(1, s.countRows(`SELECT COUNT(*) FROM %s.message_logs WHERE external_message_id = $1`, msg.ExternalMessageID))
}

func (s *PostgresSuite) TestClaim_ExactlyOneWinner() {
	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	stored, _, err := messages.Ingest(s.Ctx, model.NewIncomingMessage(), nil)
	s.Require().NoError(err)

	var won, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := messages.Claim(s.Ctx, stored.ID)
			switch {
			case err == nil:
				won.Add(1)
			case apperrors.IsAlreadyClaimedError(err):
				lost.Add(1)
			default:
				s.Failf("unexpected claim error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	s.Equal(int32(racers-1), lost.Load())

	got, err := messages.Get(s.Ctx, stored.ID)
	s.Require().NoError(err)
	s.Equal(model.MessageStatusProcessing, got.Status)
	s.NotNil(got.ClaimedAt)
}

func (s *PostgresSuite) TestBeginReply_ExactlyOneWinner() {
	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	stored, _, err := messages.Ingest(s.Ctx, model.NewIncomingMessage(), nil)
	s.Require().NoError(err)
	s.Require().NoError(messages.Claim(s.Ctx, stored.ID))

	var won, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		target := model.MessageStatusCompleted
		if i%2 == 1 {
			target = model.MessageStatusFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := messages.BeginReply(s.Ctx, stored.ID, target)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, apperrors.ErrConflict):
				lost.Add(1)
			default:
				s.Failf("unexpected reply error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), won.Load())
	s.Equal(int32(racers-1), lost.Load())

	s.Require().NoError(messages.Resolve(s.Ctx, stored.ID, model.Completed()))
	_, err = messages.BeginReply(s.Ctx, stored.ID, model.MessageStatusCompleted)
	s.ErrorIs(err, apperrors.ErrInvalidTransition)

	got, err := messages.Get(s.Ctx, stored.ID)
	s.Require().NoError(err)
	s.NotNil(got.ReplyStartedAt)
}

func (s *PostgresSuite) TestResolve_OnlyFromProcessing() {
	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	stored, _, err := messages.Ingest(s.Ctx, model.NewIncomingMessage(), nil)
	s.Require().NoError(err)

	err = messages.Resolve(s.Ctx, stored.ID, model.Completed())
	s.ErrorIs(err, apperrors.ErrInvalidTransition)

	s.Require().NoError(messages.Claim(s.Ctx, stored.ID))
	s.Require().NoError(messages.Resolve(s.Ctx, stored.ID, model.Failed("boom")))

	err = messages.Resolve(s.Ctx, stored.ID, model.Completed())
	s.ErrorIs(err, apperrors.ErrInvalidTransition)

	got, err := messages.Get(s.Ctx, stored.ID)
	s.Require().NoError(err)
	s.Equal(model.MessageStatusFailed, got.Status)
}

func (s *PostgresSuite) TestRedeemBindingCode_SingleUse() {
	platformRepo := storage.NewPlatformConfigRepoAdapter(s.Repo)
	platformCache := cache.NewPlatformCache(platformRepo, 0)
	platforms := usecase.NewPlatformService(platformRepo, platformCache, events.NewLocalBus())
	s.Require().NoError(platforms.Seed(s.Ctx, map[string]config.PlatformSeed{
		model.PlatformWebhook: {Enabled: true, DisplayName: "Webhook", Settings: map[string]string{model.SettingSecret: "it-secret"}},
	}))

	bindings := usecase.NewBindingService(storage.NewBindingRepoAdapter(s.Repo), platformCache, config.BindingConfig{CodeLength: 6, ExpiryMinutes: 10})
	issued, err := bindings.IssueBindingCode(s.Ctx, gofakeit.UUID(), model.PlatformWebhook)
	s.Require().NoError(err)

	var bound atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bindings.RedeemBindingCode(s.Ctx, model.PlatformWebhook, gofakeit.UUID(), gofakeit.Username(), issued.Code)
			if err == nil {
				bound.Add(1)
				return
			}
			s.NotEmpty(apperrors.BindingKind(err), "losers get a binding error, got %v", err)
		}()
	}
	wg.Wait()

	s.Equal(int32(1), bound.Load())
	s.Equal(1, s.countRows(`SELECT COUNT(*) FROM %s.user_bindings WHERE status = $1`, model.BindingStatusBound))
}

func (s *PostgresSuite) TestRedeemBindingCode_DifferentCodesBindIdentityOnce() {
	platformRepo := storage.NewPlatformConfigRepoAdapter(s.Repo)
	platformCache := cache.NewPlatformCache(platformRepo, 0)
	platforms := usecase.NewPlatformService(platformRepo, platformCache, events.NewLocalBus())
	s.Require().NoError(platforms.Seed(s.Ctx, map[string]config.PlatformSeed{
		model.PlatformWebhook: {Enabled: true, DisplayName: "Webhook", Settings: map[string]string{model.SettingSecret: "it-secret"}},
	}))

	bindings := usecase.NewBindingService(storage.NewBindingRepoAdapter(s.Repo), platformCache, config.BindingConfig{CodeLength: 6, ExpiryMinutes: 10})
	codes := make([]string, racers)
	for i := range codes {
		issued, err := bindings.IssueBindingCode(s.Ctx, gofakeit.UUID(), model.PlatformWebhook)
		s.Require().NoError(err)
		codes[i] = issued.Code
	}

	identity := gofakeit.UUID()
	var bound, rejected atomic.Int32
	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, err := bindings.RedeemBindingCode(s.Ctx, model.PlatformWebhook, identity, "racer", code)
			switch {
			case err == nil:
				bound.Add(1)
			case apperrors.BindingKind(err) == apperrors.AlreadyBound:
				rejected.Add(1)
			default:
				s.Failf("unexpected redeem error", "%v", err)
			}
		}(code)
	}
	wg.Wait()

	s.Equal(int32(1), bound.Load())
	s.Equal(int32(racers-1), rejected.Load())
	s.Equal(1, s.countRows(`SELECT COUNT(*) FROM %s.user_bindings WHERE platform_user_id = $1 AND status = $2`, identity, model.BindingStatusBound))
}

func (s *PostgresSuite) TestDequeue_EachTaskOnce() {
	queue := usecase.NewTaskQueue(storage.NewAsyncTaskRepoAdapter(s.Repo), nil, config.TaskRetryConfig{})
	const tasks = 40
	for i := 0; i < tasks; i++ {
		_, err := queue.Enqueue(s.Ctx, usecase.EnqueueRequest{TaskType: model.TaskTypeAttachmentResolve})
		s.Require().NoError(err)
	}

	seen := sync.Map{}
	var dequeued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := queue.Dequeue(s.Ctx)
				if !s.NoError(err) || task == nil {
					return
				}
				if _, dup := seen.LoadOrStore(task.ID, true); dup {
					s.Failf("task dequeued twice", "%s", task.ID)
				}
				dequeued.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(tasks), dequeued.Load())
	s.Equal(tasks, s.countRows(`SELECT COUNT(*) FROM %s.async_tasks WHERE status = $1`, model.TaskStatusRunning))
}

func (s *PostgresSuite) TestListPending_ShowsBoundEmployee() {
	platformRepo := storage.NewPlatformConfigRepoAdapter(s.Repo)
	platformCache := cache.NewPlatformCache(platformRepo, 0)
	platforms := usecase.NewPlatformService(platformRepo, platformCache, events.NewLocalBus())
	s.Require().NoError(platforms.Seed(s.Ctx, map[string]config.PlatformSeed{
		model.PlatformTelegram: {Enabled: true, DisplayName: "Telegram", Settings: map[string]string{model.SettingBotToken: "it-token"}},
	}))

	employee := model.NewEmployee()
	s.exec(`INSERT INTO %s.employees (id, name, email, department) VALUES ($1, $2, $3, $4)`,
		employee.ID, employee.Name, employee.Email, employee.Department)

	bindings := usecase.NewBindingService(storage.NewBindingRepoAdapter(s.Repo), platformCache, config.BindingConfig{CodeLength: 6, ExpiryMinutes: 10})
	issued, err := bindings.IssueBindingCode(s.Ctx, employee.ID, model.PlatformTelegram)
	s.Require().NoError(err)

	msg := model.NewIncomingMessage(&model.IncomingMessage{Platform: model.PlatformTelegram})
	binding, err := bindings.RedeemBindingCode(s.Ctx, msg.Platform, msg.ExternalUserID, msg.ExternalUsername, issued.Code)
	s.Require().NoError(err)

	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	stored, _, err := messages.Ingest(s.Ctx, msg, binding)
	s.Require().NoError(err)
	_, _, err = messages.Ingest(s.Ctx, model.NewIncomingMessage(&model.IncomingMessage{Platform: model.PlatformWebhook}), nil)
	s.Require().NoError(err)

	pending, err := messages.ListPending(s.Ctx, model.PendingFilter{Platform: model.PlatformTelegram})
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(stored.ID, pending[0].ID)
	s.Require().NotNil(pending[0].BoundEmployeeID)
	s.Equal(employee.ID, *pending[0].BoundEmployeeID)
	s.Require().NotNil(pending[0].EmployeeName)
	s.Equal(employee.Name, *pending[0].EmployeeName)

	s.Require().NoError(messages.Claim(s.Ctx, stored.ID))
	pending, err = messages.ListPending(s.Ctx, model.PendingFilter{Platform: model.PlatformTelegram})
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *PostgresSuite) TestListPending_SinceSeesBackdatedDelivery() {
	messages := usecase.NewMessageLogService(storage.NewMessageLogRepoAdapter(s.Repo))
	platform := model.PlatformWebhook
	_, _, err := messages.Ingest(s.Ctx, model.NewIncomingMessage(&model.IncomingMessage{Platform: platform}), nil)
	s.Require().NoError(err)

	pending, err := messages.ListPending(s.Ctx, model.PendingFilter{Platform: platform})
	s.Require().NoError(err)
	s.Require().NotEmpty(pending)
	cursor := pending[len(pending)-1].CreatedAt

	sentAt := time.Now().Add(-time.Hour).UTC()
	late, _, err := messages.Ingest(s.Ctx, model.NewIncomingMessage(&model.IncomingMessage{Platform: platform, ReceivedAt: sentAt}), nil)
	s.Require().NoError(err)

	pending, err = messages.ListPending(s.Ctx, model.PendingFilter{Platform: platform, Since: cursor})
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(late.ID, pending[0].ID)
	s.True(pending[0].CreatedAt.After(cursor))
	s.Require().NotNil(pending[0].PlatformSentAt)
	s.WithinDuration(sentAt, *pending[0].PlatformSentAt, time.Millisecond)
}
