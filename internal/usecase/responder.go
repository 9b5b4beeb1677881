package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// Responder is the built-in consumer. It follows the same list, claim, reply protocol as a remote
// poller and answers bound employees through the completion endpoint.
type Responder struct {
	consumer     *ConsumerService
	messages     *MessageLogService
	binds        *BindCommandHandler
	completer    Completer
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	historyLimit int
	bindPrompt   string
	baseLogger   *zap.Logger
}

func NewResponder(
	consumer *ConsumerService,
	messages *MessageLogService,
	binds *BindCommandHandler,
	completer Completer,
	cfg config.ConsumerConfig,
	baseLogger *zap.Logger,
) *Responder {
	concurrency := cfg.Responder.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Responder{
		consumer:     consumer,
		messages:     messages,
		binds:        binds,
		completer:    completer,
		pollInterval: poll,
		batchSize:    cfg.BatchSize,
		concurrency:  concurrency,
		historyLimit: cfg.Responder.HistoryLimit,
		bindPrompt:   cfg.Responder.BindPrompt,
		baseLogger:   baseLogger.Named("responder"),
	}
}

// Run polls for pending messages until ctx is done.
func (r *Responder) Run(ctx context.Context) {
	r.baseLogger.Info("Responder started",
		zap.Int("concurrency", r.concurrency),
		zap.Duration("poll_interval", r.pollInterval))
	defer r.baseLogger.Info("Responder stopped")

	for ctx.Err() == nil {
		claimed, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.baseLogger.Error("Failed to poll pending messages", zap.Error(err))
		}
		if err != nil || claimed == 0 {
			// Nothing we could take; avoid spinning on rows another consumer holds.
			select {
			case <-ctx.Done():
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// RunOnce waits up to one poll interval for pending messages and handles the batch. It returns
// how many messages this responder claimed.
func (r *Responder) RunOnce(ctx context.Context) (int, error) {
	batch, err := r.consumer.WaitPending(ctx, model.PendingFilter{Limit: r.batchSize}, r.pollInterval)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var claimed atomic.Int64
	it := iter.Iterator[model.PendingMessage]{MaxGoroutines: r.concurrency}
	it.ForEach(batch, func(p *model.PendingMessage) {
		if r.handle(ctx, p) {
			claimed.Add(1)
		}
	})
	return int(claimed.Load()), nil
}

// handle reports whether the message was claimed by this responder.
func (r *Responder) handle(ctx context.Context, p *model.PendingMessage) bool {
	log := r.baseLogger.With(zap.String("message_id", p.ID), zap.String("platform", p.Platform))
	ctx = logger.WithLogger(ctx, log)

	claimed, err := r.consumer.MarkProcessing(ctx, p.ID, ClaimSourceResponder)
	if err != nil {
		log.Error("Claim failed", zap.Error(err))
		return false
	}
	if !claimed {
		log.Debug("Message claimed by another consumer")
		return false
	}

	// A panic while answering is contained here; the claimed row is left for the reclaim sweeper.
	respond := utils.WrapWithContextRecovery(func(ctx context.Context) error { return r.respond(ctx, p) })
	if err := respond(ctx); err != nil {
		log.Warn("Message not answered", zap.Error(err))
	}
	return true
}

func (r *Responder) respond(ctx context.Context, p *model.PendingMessage) error {
	if code, ok := platform.ParseBindCommand(p.Content); ok {
		msg, err := r.messages.Get(ctx, p.ID)
		if err != nil {
			return err
		}
		return r.binds.redeemAndReply(ctx, msg, code)
	}

	if !p.IsBound() {
		return r.consumer.Reply(ctx, p.ID, r.bindPrompt)
	}

	prompt := promptFor(p)
	history, err := r.messages.History(ctx, p.Platform, p.ExternalUserID, r.historyLimit+1)
	if err != nil {
		return r.fail(ctx, p.ID, fmt.Errorf("load history: %w", err))
	}
	// The message being answered is already stored and comes back as the newest entry.
	if n := len(history); n > 0 && history[n-1].Direction == model.MessageFlowIncoming && history[n-1].Content == p.Content {
		history = history[:n-1]
	}
	if r.historyLimit >= 0 && len(history) > r.historyLimit {
		history = history[len(history)-r.historyLimit:]
	}

	answer, err := r.completer.Complete(ctx, history, prompt)
	if err != nil {
		return r.fail(ctx, p.ID, fmt.Errorf("completion: %w", err))
	}
	return r.consumer.Reply(ctx, p.ID, answer)
}

func (r *Responder) fail(ctx context.Context, id string, cause error) error {
	if err := r.consumer.Fail(ctx, id, cause.Error()); err != nil {
		return fmt.Errorf("%v; resolve failed: %w", cause, err)
	}
	return cause
}

func promptFor(p *model.PendingMessage) string {
	content := strings.TrimSpace(p.Content)
	if p.FileRef == nil {
		return content
	}
	name := p.FileRef.Name
	if name == "" {
		name = p.FileRef.Path
	}
	note := fmt.Sprintf("[attached %s: %s]", p.MessageKind, name)
	if content == "" {
		return note
	}
	return content + "\n" + note
}
