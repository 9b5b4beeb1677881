package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
)

// TaskHandler executes one task. The returned value is stored as the task output.
type TaskHandler func(ctx context.Context, task *model.AsyncTask) (interface{}, error)

// TaskRouter dispatches tasks to handlers by task type.
type TaskRouter struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewTaskRouter() *TaskRouter {
	return &TaskRouter{handlers: make(map[string]TaskHandler)}
}

func (r *TaskRouter) Register(taskType string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Route runs the handler registered for task.TaskType.
func (r *TaskRouter) Route(ctx context.Context, task *model.AsyncTask) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[task.TaskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for task type %q", apperrors.ErrBadRequest, task.TaskType)
	}
	return h(ctx, task)
}

// AttachmentOutput is the output document of attachment.resolve.
type AttachmentOutput struct {
	FilePath string `json:"file_path"`
}

// NewAttachmentHandler resolves a platform file handle to a downloadable path and stores it on
// the message log row.
func NewAttachmentHandler(adapters AdapterResolver, messages *MessageLogService) TaskHandler {
	return func(ctx context.Context, task *model.AsyncTask) (interface{}, error) {
		var in model.AttachmentTaskInput
		if err := json.Unmarshal(task.InputData, &in); err != nil {
			return nil, fmt.Errorf("%w: decode attachment input: %v", apperrors.ErrBadRequest, err)
		}
		if in.MessageLogID == "" || in.FileID == "" || in.Platform == "" {
			return nil, fmt.Errorf("%w: attachment input needs message_log_id, platform and file_id", apperrors.ErrBadRequest)
		}

		adapter, err := adapters.Adapter(ctx, in.Platform)
		if err != nil {
			return nil, err
		}
		resolver, ok := adapter.(platform.FileResolver)
		if !ok {
			return nil, fmt.Errorf("%w: platform %s cannot resolve files", apperrors.ErrBadRequest, in.Platform)
		}

		ref, err := resolver.ResolveFile(ctx, in.FileID)
		if err != nil {
			return nil, err
		}
		if err := messages.AttachFile(ctx, in.MessageLogID, ref); err != nil {
			return nil, err
		}
		return AttachmentOutput{FilePath: ref.Path}, nil
	}
}
