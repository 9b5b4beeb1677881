package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/cache"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
)

const testFallbackReply = "Sorry, something went wrong."

type harness struct {
	bindingRepo *fakeBindingRepo
	messageRepo *fakeMessageRepo
	taskRepo    *fakeTaskRepo
	adapter     *fakeAdapter
	bus         *events.LocalBus
	notifier    *events.Notifier

	bindings   *BindingService
	messages   *MessageLogService
	dispatcher *Dispatcher
	consumer   *ConsumerService
	binds      *BindCommandHandler
	tasks      *TaskQueue
	ingest     *IngestService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bindingRepo: newFakeBindingRepo(),
		taskRepo:    newFakeTaskRepo(),
		bus:         events.NewLocalBus(),
		notifier:    events.NewNotifier(),
	}
	h.messageRepo = newFakeMessageRepo(h.bindingRepo)

	// The fake adapter takes model.IncomingMessage JSON as its wire format.
	h.adapter = &fakeAdapter{
		name: model.PlatformTelegram,
		parse: func(req platform.InboundRequest) (*model.IncomingMessage, error) {
			var msg model.IncomingMessage
			if err := json.Unmarshal(req.Body, &msg); err != nil {
				return nil, err
			}
			return &msg, nil
		},
	}
	adapters := fakeAdapters{model.PlatformTelegram: h.adapter}
	platforms := fakePlatforms{
		model.PlatformTelegram: model.NewPlatformConfig(&model.PlatformConfig{
			Platform: model.PlatformTelegram,
			Enabled:  true,
			Config:   model.SettingsJSON(map[string]string{model.SettingDeepLinkTemplate: "https://t.me/hr_bot?start=%s"}),
		}),
		model.PlatformDiscord: model.NewPlatformConfig(&model.PlatformConfig{Platform: model.PlatformDiscord, Enabled: false}),
	}

	unsubscribe, err := events.NotifyOn(h.bus, events.KindMessageReceived, h.notifier)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)

	h.bindings = NewBindingService(h.bindingRepo, platforms, config.BindingConfig{CodeLength: 6, ExpiryMinutes: 30})
	h.messages = NewMessageLogService(h.messageRepo)
	h.dispatcher = NewDispatcher(adapters, h.messages)
	h.consumer = NewConsumerService(h.messages, h.dispatcher, h.notifier, config.ConsumerConfig{
		BatchSize: 50,
		Responder: config.ResponderConfig{FallbackReply: testFallbackReply},
	})
	h.binds = NewBindCommandHandler(h.bindings, h.consumer)
	h.tasks = NewTaskQueue(h.taskRepo, h.bus, config.TaskRetryConfig{})
	h.ingest = NewIngestService(adapters, h.messages, h.bindings, h.tasks, cache.NewDedupCache(1000, 0.001), h.bus, h.binds)
	return h
}

// webhook delivers msg through the ingest pipeline.
func (h *harness) webhook(t *testing.T, msg *model.IncomingMessage) *IngestResult {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	res, err := h.ingest.HandleWebhook(context.Background(), msg.Platform, platform.InboundRequest{Body: body})
	require.NoError(t, err)
	return res
}

// bind issues a code for employeeID and redeems it as the external user.
func (h *harness) bind(t *testing.T, employeeID, externalUserID string) *model.UserBinding {
	t.Helper()
	ctx := context.Background()
	issued, err := h.bindings.IssueBindingCode(ctx, employeeID, model.PlatformTelegram)
	require.NoError(t, err)
	b, err := h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, externalUserID, "user-"+externalUserID, issued.Code)
	require.NoError(t, err)
	return b
}
