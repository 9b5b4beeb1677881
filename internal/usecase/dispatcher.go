package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// OutboundRequest is one reply to deliver to an external user.
type OutboundRequest struct {
	Platform       string
	ExternalUserID string
	Content        string
	BindingID      *string
	ConversationID *string
}

// Dispatcher delivers replies through the platform adapter and records every attempt as an OUT row.
type Dispatcher struct {
	adapters AdapterResolver
	messages *MessageLogService
}

func NewDispatcher(adapters AdapterResolver, messages *MessageLogService) *Dispatcher {
	return &Dispatcher{adapters: adapters, messages: messages}
}

// Send delivers req.Content. A transport failure is returned as a DispatchError.
func (d *Dispatcher) Send(ctx context.Context, req OutboundRequest) error {
	log := logger.FromContext(ctx).With(
		zap.String("platform", req.Platform),
		zap.String("external_user_id", req.ExternalUserID),
	)

	adapter, err := d.adapters.Adapter(ctx, req.Platform)
	if err != nil {
		log.Warn("No adapter for outbound message", zap.Error(err))
		d.record(ctx, req, err)
		return apperrors.NewDispatchError(req.Platform, err)
	}

	start := utils.Now()
	sendErr := adapter.Send(ctx, req.ExternalUserID, req.Content)
	observer.ObserveDispatch(req.Platform, time.Since(start), sendErr)
	d.record(ctx, req, sendErr)

	if sendErr != nil {
		log.Warn("Outbound delivery failed", zap.Error(sendErr))
		var dispatchErr *apperrors.DispatchError
		if errors.As(sendErr, &dispatchErr) {
			return sendErr
		}
		return apperrors.NewDispatchError(req.Platform, sendErr)
	}
	log.Debug("Outbound message delivered", zap.Int("length", len(req.Content)))
	return nil
}

// record stores the OUT row. A failure here must not turn a delivered reply into an error.
func (d *Dispatcher) record(ctx context.Context, req OutboundRequest, sendErr error) {
	rec := OutboundRecord{
		Platform:       req.Platform,
		ExternalUserID: req.ExternalUserID,
		BindingID:      req.BindingID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Delivered:      sendErr == nil,
	}
	if sendErr != nil {
		rec.ErrorDetail = sendErr.Error()
	}
	if _, err := d.messages.RecordOutbound(ctx, rec); err != nil {
		logger.FromContext(ctx).Error("Failed to record outbound message",
			zap.String("platform", req.Platform),
			zap.String("external_user_id", req.ExternalUserID),
			zap.Error(err),
		)
	}
}
