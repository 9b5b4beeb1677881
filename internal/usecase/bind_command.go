package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

var bindReplies = map[apperrors.BindingErrorKind]string{
	apperrors.CodeNotFound: "That binding code is not valid. Please check it and try again.",
	apperrors.CodeExpired:  "That binding code has expired. Please ask for a new one.",
	apperrors.AlreadyBound: "This account is already linked to another employee.",
}

// BindCommandHandler redeems binding codes sent as chat commands and answers the sender.
type BindCommandHandler struct {
	bindings *BindingService
	consumer *ConsumerService
}

func NewBindCommandHandler(bindings *BindingService, consumer *ConsumerService) *BindCommandHandler {
	return &BindCommandHandler{bindings: bindings, consumer: consumer}
}

// Handle claims the message, redeems code and replies with the result. It returns claimed=false
// when another consumer already owns the message.
func (h *BindCommandHandler) Handle(ctx context.Context, msg *model.MessageLog, code, source string) (bool, error) {
	claimed, err := h.consumer.MarkProcessing(ctx, msg.ID, source)
	if err != nil || !claimed {
		return claimed, err
	}
	return true, h.redeemAndReply(ctx, msg, code)
}

// redeemAndReply expects msg to be claimed already.
func (h *BindCommandHandler) redeemAndReply(ctx context.Context, msg *model.MessageLog, code string) error {
	log := logger.FromContext(ctx).With(zap.String("message_id", msg.ID), zap.String("platform", msg.Platform))

	binding, err := h.bindings.RedeemBindingCode(ctx, msg.Platform, msg.ExternalUserID, msg.ExternalUsername, code)
	if err != nil {
		reply, ok := bindReplies[apperrors.BindingKind(err)]
		if !ok {
			log.Error("Binding redemption failed", zap.Error(err))
			return h.consumer.Fail(ctx, msg.ID, fmt.Sprintf("binding redemption failed: %v", err))
		}
		return h.consumer.Reply(ctx, msg.ID, reply)
	}

	log.Info("Bind command redeemed", zap.String("employee_id", binding.EmployeeID))
	return h.consumer.Reply(ctx, msg.ID, "Your account is now linked. You can start asking questions.")
}
