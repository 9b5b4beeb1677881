package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

const (
	entityMessageLog = "message_log"
	reclaimDetail    = "claim timed out"
)

// MessageLogService owns the message log state machine. Every status change is a single
// conditional update, so concurrent callers can never move a row backwards or twice.
type MessageLogService struct {
	repo storage.MessageLogRepo
	now  func() time.Time
}

func NewMessageLogService(repo storage.MessageLogRepo) *MessageLogService {
	return &MessageLogService{repo: repo, now: utils.Now}
}

// Ingest stores an inbound message as RECEIVED. Redelivery of the same external message returns
// the stored row with created=false.
func (s *MessageLogService) Ingest(ctx context.Context, msg *model.IncomingMessage, binding *model.UserBinding) (*model.MessageLog, bool, error) {
	row := model.MessageLog{
		ID:                uuid.NewString(),
		Platform:          msg.Platform,
		ExternalUserID:    msg.ExternalUserID,
		ExternalUsername:  msg.ExternalUsername,
		ExternalMessageID: msg.ExternalMessageID,
		Direction:         model.MessageFlowIncoming,
		MessageKind:       msg.Kind,
		Content:           msg.Text,
		Status:            model.MessageStatusReceived,
	}
	if msg.ConversationID != "" {
		conv := msg.ConversationID
		row.ConversationID = &conv
	}
	if binding.IsBound() {
		id := binding.ID
		row.BindingID = &id
	}
	if len(msg.RawPayload) > 0 {
		row.RawPayload = datatypes.JSON(msg.RawPayload)
	}
	if msg.File != nil {
		row.FileID = msg.File.ID
		row.FilePath = msg.File.Path
		row.FileType = msg.File.Type
		row.FileName = msg.File.Name
	}
	if !msg.ReceivedAt.IsZero() {
		sent := msg.ReceivedAt
		row.PlatformSentAt = &sent
	}

	stored, created, err := s.repo.Insert(ctx, row)
	if err != nil {
		return nil, false, handleRepositoryError(ctx, err, "IngestMessage", msg.ExternalMessageID)
	}
	return stored, created, nil
}

// FindInbound loads the inbound row for a platform message id. A missing row is returned as
// ErrNotFound without logging; callers use it as a cheap existence probe.
func (s *MessageLogService) FindInbound(ctx context.Context, platform, externalMessageID string) (*model.MessageLog, error) {
	msg, err := s.repo.FindByExternalID(ctx, platform, externalMessageID, model.MessageFlowIncoming)
	switch {
	case err == nil:
		return msg, nil
	case apperrors.IsNotFoundError(err):
		return nil, err
	}
	return nil, handleRepositoryError(ctx, err, "FindInbound", externalMessageID)
}

// Claim moves a RECEIVED row to PROCESSING. Exactly one of any number of concurrent callers wins;
// the others get ErrAlreadyClaimed.
func (s *MessageLogService) Claim(ctx context.Context, id string) error {
	now := s.now()
	changed, err := s.repo.Transition(ctx, id, model.MessageStatusReceived, model.MessageStatusProcessing, map[string]interface{}{
		"claimed_at": now,
	})
	if err != nil {
		return handleRepositoryError(ctx, err, "ClaimMessage", id)
	}
	if changed {
		return nil
	}

	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if apperrors.IsNotFoundError(err) {
			return err
		}
		return handleRepositoryError(ctx, err, "ClaimMessage", id)
	}
	return fmt.Errorf("%w: message %s", apperrors.ErrAlreadyClaimed, id)
}

// BeginReply takes the reply lock on a PROCESSING inbound row and returns the row. Of several
// concurrent Reply or Fail calls for one claim only the first gets the row; the rest get
// ErrConflict while the lock holder is still working, or a StateError once it has resolved.
func (s *MessageLogService) BeginReply(ctx context.Context, id, target string) (*model.MessageLog, error) {
	started, err := s.repo.StartReply(ctx, id, s.now())
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "BeginReply", id)
	}
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, err
		}
		return nil, handleRepositoryError(ctx, err, "BeginReply", id)
	}
	if started {
		return current, nil
	}
	if current.Direction == model.MessageFlowIncoming && current.Status == model.MessageStatusProcessing {
		return nil, fmt.Errorf("%w: message %s is already being answered", apperrors.ErrConflict, id)
	}
	return nil, apperrors.NewStateError(entityMessageLog, id, current.Status, target)
}

// Resolve moves a PROCESSING row to its terminal outcome.
func (s *MessageLogService) Resolve(ctx context.Context, id string, outcome model.Outcome) error {
	if !model.CanTransitionMessage(model.MessageStatusProcessing, outcome.Status) {
		return apperrors.NewStateError(entityMessageLog, id, model.MessageStatusProcessing, outcome.Status)
	}
	fields := map[string]interface{}{"processed_at": s.now()}
	if outcome.Status == model.MessageStatusFailed {
		fields["error_detail"] = outcome.ErrorDetail
	}

	changed, err := s.repo.Transition(ctx, id, model.MessageStatusProcessing, outcome.Status, fields)
	if err != nil {
		return handleRepositoryError(ctx, err, "ResolveMessage", id)
	}
	if !changed {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				return err
			}
			return handleRepositoryError(ctx, err, "ResolveMessage", id)
		}
		return apperrors.NewStateError(entityMessageLog, id, current.Status, outcome.Status)
	}

	observer.IncMessagesResolved(outcome.Status)
	return nil
}

// OutboundRecord describes a message this service sent to a platform.
type OutboundRecord struct {
	Platform          string
	ExternalUserID    string
	ExternalMessageID string // Platform-assigned id if known
	BindingID         *string
	ConversationID    *string
	Content           string
	Delivered         bool
	ErrorDetail       string
}

// RecordOutbound inserts an OUT row that is already terminal. OUT rows never appear as pending.
func (s *MessageLogService) RecordOutbound(ctx context.Context, rec OutboundRecord) (*model.MessageLog, error) {
	now := s.now()
	externalID := rec.ExternalMessageID
	if externalID == "" {
		externalID = "out:" + uuid.NewString()
	}
	status := model.MessageStatusCompleted
	if !rec.Delivered {
		status = model.MessageStatusFailed
	}
	row := model.MessageLog{
		ID:                uuid.NewString(),
		BindingID:         rec.BindingID,
		Platform:          rec.Platform,
		ExternalUserID:    rec.ExternalUserID,
		ExternalMessageID: externalID,
		ConversationID:    rec.ConversationID,
		Direction:         model.MessageFlowOutgoing,
		MessageKind:       model.MessageKindText,
		Content:           rec.Content,
		Status:            status,
		ErrorDetail:       rec.ErrorDetail,
		ProcessedAt:       &now,
		CreatedAt:         now,
	}

	stored, _, err := s.repo.Insert(ctx, row)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "RecordOutbound", externalID)
	}
	return stored, nil
}

// AttachFile stores a resolved attachment on the row. Fields left empty in ref keep their stored value.
func (s *MessageLogService) AttachFile(ctx context.Context, id string, ref model.FileRef) error {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return handleRepositoryError(ctx, err, "AttachFile", id)
	}
	merged := model.FileRef{}
	if existing := current.FileRef(); existing != nil {
		merged = *existing
	}
	if ref.ID != "" {
		merged.ID = ref.ID
	}
	if ref.Path != "" {
		merged.Path = ref.Path
	}
	if ref.Type != "" {
		merged.Type = ref.Type
	}
	if ref.Name != "" {
		merged.Name = ref.Name
	}

	if err := s.repo.UpdateFile(ctx, id, merged); err != nil {
		return handleRepositoryError(ctx, err, "AttachFile", id)
	}
	return nil
}

// Get loads one row.
func (s *MessageLogService) Get(ctx context.Context, id string) (*model.MessageLog, error) {
	msg, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "GetMessage", id)
	}
	return msg, nil
}

// ListPending returns RECEIVED inbound rows, oldest first.
func (s *MessageLogService) ListPending(ctx context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	rows, err := s.repo.ListPending(ctx, filter)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "ListPending", filter.Platform)
	}
	return rows, nil
}

// History returns up to limit messages exchanged with the external user, oldest first.
func (s *MessageLogService) History(ctx context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error) {
	entries, err := s.repo.History(ctx, platform, externalUserID, limit)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "MessageHistory", externalUserID)
	}
	return entries, nil
}

// ReclaimStale fails PROCESSING rows claimed longer than timeout ago. Rows never return to RECEIVED.
func (s *MessageLogService) ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		return 0, nil
	}
	n, err := s.repo.FailStaleClaims(ctx, s.now().Add(-timeout), reclaimDetail)
	if err != nil {
		return 0, handleRepositoryError(ctx, err, "ReclaimStale", "")
	}
	if n > 0 {
		observer.AddMessagesReclaimed(n)
		logger.FromContext(ctx).Warn("Failed stale claims", zap.Int64("count", n), zap.Duration("timeout", timeout))
	}
	return n, nil
}
