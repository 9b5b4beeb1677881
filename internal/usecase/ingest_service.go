package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/cache"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/validator"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// IngestResult tells the HTTP layer what to answer the platform with.
type IngestResult struct {
	Ack       []byte // Response body, nil for an empty 200
	Ignored   bool
	Duplicate bool
	Message   *model.MessageLog
}

// IngestService is the inbound webhook pipeline: verify, parse, dedup, persist, announce.
// Payloads rejected by the adapter are never persisted.
type IngestService struct {
	adapters   AdapterResolver
	messages   *MessageLogService
	bindings   *BindingService
	tasks      *TaskQueue
	dedup      *cache.DedupCache
	bus        events.Bus
	bindHandle *BindCommandHandler
}

func NewIngestService(
	adapters AdapterResolver,
	messages *MessageLogService,
	bindings *BindingService,
	tasks *TaskQueue,
	dedup *cache.DedupCache,
	bus events.Bus,
	bindHandle *BindCommandHandler,
) *IngestService {
	return &IngestService{
		adapters:   adapters,
		messages:   messages,
		bindings:   bindings,
		tasks:      tasks,
		dedup:      dedup,
		bus:        bus,
		bindHandle: bindHandle,
	}
}

// HandleWebhook processes one inbound webhook request for platformID.
func (s *IngestService) HandleWebhook(ctx context.Context, platformID string, req platform.InboundRequest) (*IngestResult, error) {
	start := utils.Now()
	log := logger.FromContext(ctx).With(zap.String("platform", platformID))

	result, err := s.handle(ctx, platformID, req)
	observer.ObserveWebhookDuration(platformID, time.Since(start))
	switch {
	case err != nil:
		outcome := "error"
		if kind := apperrors.AdapterKind(err); kind != "" {
			outcome = string(kind)
		}
		observer.IncWebhookRequest(platformID, outcome)
		log.Warn("Webhook rejected", zap.String("outcome", outcome), zap.Error(err))
	case result.Ignored:
		observer.IncWebhookRequest(platformID, "ignored")
	case result.Duplicate:
		observer.IncWebhookRequest(platformID, "duplicate")
	default:
		observer.IncWebhookRequest(platformID, "accepted")
	}
	return result, err
}

func (s *IngestService) handle(ctx context.Context, platformID string, req platform.InboundRequest) (*IngestResult, error) {
	adapter, err := s.adapters.Adapter(ctx, platformID)
	if err != nil {
		return nil, err
	}
	if err := adapter.Verify(req); err != nil {
		return nil, err
	}

	msg, err := adapter.Parse(req)
	switch {
	case errors.Is(err, platform.ErrPing):
		return &IngestResult{Ack: acknowledge(adapter, nil), Ignored: true}, nil
	case errors.Is(err, platform.ErrIgnored):
		return &IngestResult{Ignored: true}, nil
	case err != nil:
		return nil, err
	}
	if err := validator.Validate(msg); err != nil {
		return nil, apperrors.NewAdapterError(platformID, apperrors.MalformedPayload, err)
	}

	if s.dedup != nil && s.dedup.Check(msg.Platform, msg.ExternalMessageID) == cache.StatusMaybeSeen {
		existing, err := s.messages.FindInbound(ctx, msg.Platform, msg.ExternalMessageID)
		switch {
		case err == nil:
			logger.FromContext(ctx).Debug("Duplicate delivery short-circuited",
				zap.String("external_message_id", msg.ExternalMessageID),
				zap.String("message_id", existing.ID),
			)
			return &IngestResult{Ack: acknowledge(adapter, msg), Message: existing, Duplicate: true}, nil
		case !apperrors.IsNotFoundError(err):
			return nil, err
		}
		s.dedup.RecordFalsePositive()
	}

	binding, err := s.bindings.Lookup(ctx, msg.Platform, msg.ExternalUserID)
	if err != nil {
		if apperrors.BindingKind(err) != apperrors.NotBound {
			return nil, err
		}
		binding = nil
	}

	stored, created, err := s.messages.Ingest(ctx, msg, binding)
	if err != nil {
		return nil, err
	}
	if s.dedup != nil {
		s.dedup.MarkSeen(msg.Platform, msg.ExternalMessageID)
	}

	result := &IngestResult{Ack: acknowledge(adapter, msg), Message: stored, Duplicate: !created}
	if !created {
		logger.FromContext(ctx).Debug("Duplicate delivery ignored",
			zap.String("external_message_id", msg.ExternalMessageID),
			zap.String("message_id", stored.ID),
		)
		return result, nil
	}

	observer.IncMessagesIngested(msg.Platform, binding.IsBound())
	s.afterIngest(ctx, msg, stored)
	return result, nil
}

// afterIngest runs the follow-ups of a newly stored message. None of them can undo the ingest.
func (s *IngestService) afterIngest(ctx context.Context, msg *model.IncomingMessage, stored *model.MessageLog) {
	log := logger.FromContext(ctx).With(zap.String("message_id", stored.ID))

	if s.bus != nil {
		err := s.bus.Publish(ctx, events.Event{Kind: events.KindMessageReceived, Platform: stored.Platform, ID: stored.ID})
		if err != nil {
			log.Warn("Failed to publish message.received", zap.Error(err))
		}
	}

	if msg.NeedsAttachmentResolution() && s.tasks != nil {
		input := utils.MustMarshalJSON(model.AttachmentTaskInput{
			MessageLogID: stored.ID,
			Platform:     stored.Platform,
			FileID:       msg.File.ID,
		})
		id, priority := stored.ID, model.TaskPriorityHigh
		_, err := s.tasks.Enqueue(ctx, EnqueueRequest{
			TaskType:     model.TaskTypeAttachmentResolve,
			Input:        input,
			Priority:     &priority,
			MessageLogID: &id,
			BindingID:    stored.BindingID,
		})
		if err != nil {
			log.Error("Failed to enqueue attachment resolution", zap.Error(err))
		}
	}

	if msg.BindCode != "" && s.bindHandle != nil {
		if _, err := s.bindHandle.Handle(ctx, stored, msg.BindCode, ClaimSourceIngest); err != nil {
			log.Warn("Bind command not completed at ingest", zap.Error(err))
		}
	}
}

func acknowledge(adapter platform.Adapter, msg *model.IncomingMessage) []byte {
	if ack, ok := adapter.(platform.Acknowledger); ok {
		return ack.Acknowledge(msg)
	}
	return nil
}
