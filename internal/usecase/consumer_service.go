package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

// Claim sources, used as a metric label.
const (
	ClaimSourceAPI       = "api"
	ClaimSourceResponder = "responder"
	ClaimSourceIngest    = "ingest"
)

// ConsumerService is the protocol pending-message consumers follow: list, claim, reply or fail.
// Remote pollers use it through the HTTP API and the in-process Responder calls it directly.
type ConsumerService struct {
	messages      *MessageLogService
	dispatcher    *Dispatcher
	notifier      *events.Notifier
	batchSize     int
	fallbackReply string
}

func NewConsumerService(messages *MessageLogService, dispatcher *Dispatcher, notifier *events.Notifier, cfg config.ConsumerConfig) *ConsumerService {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	if notifier == nil {
		notifier = events.NewNotifier()
	}
	return &ConsumerService{
		messages:      messages,
		dispatcher:    dispatcher,
		notifier:      notifier,
		batchSize:     batch,
		fallbackReply: cfg.Responder.FallbackReply,
	}
}

// ListPending returns RECEIVED inbound messages, oldest first.
func (s *ConsumerService) ListPending(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.batchSize
	}
	return s.messages.ListPending(ctx, filter)
}

// WaitPending behaves like ListPending but, when nothing is pending, blocks until a
// message.received notification arrives or wait elapses.
func (s *ConsumerService) WaitPending(ctx context.Context, filter model.PendingFilter, wait time.Duration) ([]model.PendingMessage, error) {
	if wait <= 0 {
		return s.ListPending(ctx, filter)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Taken before listing so a notification between the list and the select is not lost.
		wake := s.notifier.Wait()
		rows, err := s.ListPending(ctx, filter)
		if err != nil || len(rows) > 0 {
			return rows, err
		}
		select {
		case <-wake:
		case <-timer.C:
			return rows, nil
		case <-ctx.Done():
			return rows, nil
		}
	}
}

// MarkProcessing claims a message for the caller. Losing the race is reported as claimed=false
// with a nil error; only hard failures return an error.
func (s *ConsumerService) MarkProcessing(ctx context.Context, id, source string) (bool, error) {
	err := s.messages.Claim(ctx, id)
	switch {
	case err == nil:
		observer.IncClaimAttempt(source, "claimed")
		return true, nil
	case apperrors.IsAlreadyClaimedError(err):
		observer.IncClaimAttempt(source, "already_claimed")
		return false, nil
	default:
		observer.IncClaimAttempt(source, "error")
		return false, err
	}
}

// Reply delivers content to the sender of a PROCESSING inbound message and resolves it.
// A delivery failure resolves the message FAILED, tries one fallback apology and returns the error.
// Only one Reply or Fail per claim reaches the dispatcher.
func (s *ConsumerService) Reply(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: reply content is empty", apperrors.ErrValidation)
	}
	msg, err := s.messages.BeginReply(ctx, id, model.MessageStatusCompleted)
	if err != nil {
		return err
	}

	sendErr := s.dispatcher.Send(ctx, outboundFor(msg, content))
	if sendErr == nil {
		return s.messages.Resolve(ctx, id, model.Completed())
	}

	log := logger.FromContext(ctx).With(zap.String("message_id", id))
	if err := s.messages.Resolve(ctx, id, model.Failed(sendErr.Error())); err != nil {
		log.Error("Failed to resolve message after delivery failure", zap.Error(err))
	}
	s.apologize(ctx, msg)
	return sendErr
}

// Fail resolves a PROCESSING inbound message FAILED with reason and sends the fallback apology once.
func (s *ConsumerService) Fail(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "consumer reported failure"
	}
	msg, err := s.messages.BeginReply(ctx, id, model.MessageStatusFailed)
	if err != nil {
		return err
	}
	if err := s.messages.Resolve(ctx, id, model.Failed(reason)); err != nil {
		return err
	}
	s.apologize(ctx, msg)
	return nil
}

// apologize is best effort and never retried.
func (s *ConsumerService) apologize(ctx context.Context, msg *model.MessageLog) {
	if s.fallbackReply == "" {
		return
	}
	if err := s.dispatcher.Send(ctx, outboundFor(msg, s.fallbackReply)); err != nil {
		logger.FromContext(ctx).Warn("Fallback reply not delivered",
			zap.String("message_id", msg.ID),
			zap.Bool("delivery_failed", errors.Is(err, apperrors.ErrDeliveryFailed)),
			zap.Error(err),
		)
	}
}

func outboundFor(msg *model.MessageLog, content string) OutboundRequest {
	return OutboundRequest{
		Platform:       msg.Platform,
		ExternalUserID: msg.ExternalUserID,
		Content:        content,
		BindingID:      msg.BindingID,
		ConversationID: msg.ConversationID,
	}
}
