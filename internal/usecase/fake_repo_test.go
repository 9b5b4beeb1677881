package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
)

// In-memory repositories with the same conditional-update semantics as the postgres ones.

type fakeMessageRepo struct {
	mu              sync.Mutex
	rows            map[string]*model.MessageLog
	bindings        *fakeBindingRepo
	inserts         int
	externalLookups int
}

func newFakeMessageRepo(bindings *fakeBindingRepo) *fakeMessageRepo {
	return &fakeMessageRepo{rows: make(map[string]*model.MessageLog), bindings: bindings}
}

func (r *fakeMessageRepo) Insert(_ context.Context, msg model.MessageLog) (*model.MessageLog, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	for _, row := range r.rows {
		if row.Platform == msg.Platform && row.ExternalMessageID == msg.ExternalMessageID && row.Direction == msg.Direction {
			out := *row
			return &out, false, nil
		}
	}
	msg.CreatedAt = time.Now()
	msg.UpdatedAt = msg.CreatedAt
	stored := msg
	r.rows[msg.ID] = &stored
	out := stored
	return &out, true, nil
}

func (r *fakeMessageRepo) FindByID(_ context.Context, id string) (*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: message log %s", apperrors.ErrNotFound, id)
	}
	out := *row
	return &out, nil
}

func (r *fakeMessageRepo) FindByExternalID(_ context.Context, platform, externalMessageID, direction string) (*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externalLookups++
	for _, row := range r.rows {
		if row.Platform == platform && row.ExternalMessageID == externalMessageID && row.Direction == direction {
			out := *row
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: message log %s/%s", apperrors.ErrNotFound, platform, externalMessageID)
}

func (r *fakeMessageRepo) Transition(_ context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	row.UpdatedAt = time.Now()
	for k, v := range fields {
		switch k {
		case "claimed_at":
			t := v.(time.Time)
			row.ClaimedAt = &t
		case "processed_at":
			t := v.(time.Time)
			row.ProcessedAt = &t
		case "error_detail":
			row.ErrorDetail = v.(string)
		}
	}
	return true, nil
}

func (r *fakeMessageRepo) StartReply(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != model.MessageStatusProcessing || row.Direction != model.MessageFlowIncoming || row.ReplyStartedAt != nil {
		return false, nil
	}
	row.ReplyStartedAt = &at
	return true, nil
}

func (r *fakeMessageRepo) ListPending(_ context.Context, filter model.PendingFilter) ([]model.PendingMessage, error) {
	r.mu.Lock()
	var rows []model.MessageLog
	for _, row := range r.rows {
		if row.Status != model.MessageStatusReceived || row.Direction != model.MessageFlowIncoming {
			continue
		}
		if filter.Platform != "" && row.Platform != filter.Platform {
			continue
		}
		if !filter.Since.IsZero() && !row.CreatedAt.After(filter.Since) {
			continue
		}
		rows = append(rows, *row)
	}
	r.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	out := make([]model.PendingMessage, 0, len(rows))
	for _, row := range rows {
		p := model.PendingMessage{
			ID:               row.ID,
			Platform:         row.Platform,
			ExternalUserID:   row.ExternalUserID,
			ExternalUsername: row.ExternalUsername,
			ConversationID:   row.ConversationID,
			BindingID:        row.BindingID,
			Content:          row.Content,
			MessageKind:      row.MessageKind,
			FileID:           row.FileID,
			FilePath:         row.FilePath,
			FileType:         row.FileType,
			FileName:         row.FileName,
			PlatformSentAt:   row.PlatformSentAt,
			CreatedAt:        row.CreatedAt,
		}
		if r.bindings != nil {
			if b, err := r.bindings.FindBound(context.Background(), row.Platform, row.ExternalUserID); err == nil {
				emp := b.EmployeeID
				p.BoundEmployeeID = &emp
			}
		}
		p.FillFileRef()
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeMessageRepo) History(_ context.Context, platform, externalUserID string, limit int) ([]model.HistoryEntry, error) {
	r.mu.Lock()
	var rows []model.MessageLog
	for _, row := range r.rows {
		if row.Platform == platform && row.ExternalUserID == externalUserID && row.Content != "" {
			rows = append(rows, *row)
		}
	}
	r.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]model.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.HistoryEntry{Direction: row.Direction, Content: row.Content, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

func (r *fakeMessageRepo) UpdateFile(_ context.Context, id string, ref model.FileRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("%w: message log %s", apperrors.ErrNotFound, id)
	}
	row.FileID, row.FilePath, row.FileType, row.FileName = ref.ID, ref.Path, ref.Type, ref.Name
	return nil
}

func (r *fakeMessageRepo) FailStaleClaims(_ context.Context, claimedBefore time.Time, detail string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for _, row := range r.rows {
		if row.Status == model.MessageStatusProcessing && row.ClaimedAt != nil && row.ClaimedAt.Before(claimedBefore) {
			row.Status = model.MessageStatusFailed
			row.ErrorDetail = detail
			row.ProcessedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) byDirection(direction string) []model.MessageLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.MessageLog
	for _, row := range r.rows {
		if row.Direction == direction {
			out = append(out, *row)
		}
	}
	return out
}

type fakeBindingRepo struct {
	mu   sync.Mutex
	rows map[string]*model.UserBinding
}

func newFakeBindingRepo() *fakeBindingRepo {
	return &fakeBindingRepo{rows: make(map[string]*model.UserBinding)}
}

func (r *fakeBindingRepo) IssueCode(_ context.Context, binding model.UserBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Status == model.BindingStatusPending && row.BindingCode == binding.BindingCode {
			return fmt.Errorf("%w: binding code", apperrors.ErrDuplicate)
		}
	}
	for _, row := range r.rows {
		if row.EmployeeID == binding.EmployeeID && row.Status == model.BindingStatusPending {
			row.Status = model.BindingStatusExpired
		}
	}
	binding.Status = model.BindingStatusPending
	stored := binding
	r.rows[binding.ID] = &stored
	return nil
}

func (r *fakeBindingRepo) Redeem(_ context.Context, req storage.RedeemRequest) (*model.UserBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending *model.UserBinding
	for _, row := range r.rows {
		if row.BindingCode == req.Code && row.Status == model.BindingStatusPending {
			pending = row
		}
	}
	if pending == nil || pending.Platform != req.Platform {
		return nil, apperrors.NewBindingError(apperrors.CodeNotFound, "code %s", req.Code)
	}
	if !pending.CodeExpiresAt.After(req.Now) {
		pending.Status = model.BindingStatusExpired
		return nil, apperrors.NewBindingError(apperrors.CodeExpired, "code %s", req.Code)
	}
	for _, row := range r.rows {
		if row.Status == model.BindingStatusBound && row.Platform == req.Platform && row.ExternalUserID() == req.PlatformUserID {
			if row.EmployeeID != pending.EmployeeID {
				return nil, apperrors.NewBindingError(apperrors.AlreadyBound, "user %s", req.PlatformUserID)
			}
			pending.Status = model.BindingStatusExpired
			out := *row
			return &out, nil
		}
	}

	uid := req.PlatformUserID
	now := req.Now
	pending.Status = model.BindingStatusBound
	pending.PlatformUserID = &uid
	pending.PlatformUsername = req.PlatformUsername
	pending.BoundAt = &now
	out := *pending
	return &out, nil
}

func (r *fakeBindingRepo) FindBound(_ context.Context, platform, platformUserID string) (*model.UserBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Status == model.BindingStatusBound && row.Platform == platform && row.ExternalUserID() == platformUserID {
			out := *row
			return &out, nil
		}
	}
	return nil, apperrors.NewBindingError(apperrors.NotBound, "%s user %s", platform, platformUserID)
}

func (r *fakeBindingRepo) FindByID(_ context.Context, id string) (*model.UserBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: binding %s", apperrors.ErrNotFound, id)
	}
	out := *row
	return &out, nil
}

func (r *fakeBindingRepo) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.Status == model.BindingStatusPending && !row.CodeExpiresAt.After(now) {
			row.Status = model.BindingStatusExpired
			n++
		}
	}
	return n, nil
}

type fakeTaskRepo struct {
	mu   sync.Mutex
	rows map[string]*model.AsyncTask
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{rows: make(map[string]*model.AsyncTask)}
}

func (r *fakeTaskRepo) Insert(_ context.Context, task model.AsyncTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[task.ID]; ok {
		return fmt.Errorf("%w: task %s", apperrors.ErrDuplicate, task.ID)
	}
	stored := task
	r.rows[task.ID] = &stored
	return nil
}

func (r *fakeTaskRepo) Dequeue(_ context.Context, now time.Time) (*model.AsyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *model.AsyncTask
	for _, row := range r.rows {
		if row.Status != model.TaskStatusPending || (row.RunAfter != nil && row.RunAfter.After(now)) {
			continue
		}
		if next == nil || row.Priority < next.Priority ||
			(row.Priority == next.Priority && row.CreatedAt.Before(next.CreatedAt)) {
			next = row
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = model.TaskStatusRunning
	next.StartedAt = &now
	out := *next
	return &out, nil
}

func (r *fakeTaskRepo) FindByID(_ context.Context, id string) (*model.AsyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: async task %s", apperrors.ErrNotFound, id)
	}
	out := *row
	return &out, nil
}

func (r *fakeTaskRepo) Transition(_ context.Context, id, from, to string, fields map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	for k, v := range fields {
		switch k {
		case "retry_count":
			row.RetryCount = v.(int)
		case "run_after":
			t := v.(time.Time)
			row.RunAfter = &t
		case "error_detail":
			row.ErrorDetail = v.(string)
		case "started_at":
			if t, ok := v.(time.Time); ok {
				row.StartedAt = &t
			} else {
				row.StartedAt = nil
			}
		case "completed_at":
			t := v.(time.Time)
			row.CompletedAt = &t
		case "output_data":
			row.OutputData = v.(datatypes.JSON)
		}
	}
	return true, nil
}

func (r *fakeTaskRepo) FailStaleRunning(_ context.Context, startedBefore time.Time, detail string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for _, row := range r.rows {
		if row.Status != model.TaskStatusRunning || row.StartedAt == nil || !row.StartedAt.Before(startedBefore) {
			continue
		}
		row.Status = model.TaskStatusFailed
		row.ErrorDetail = detail
		row.CompletedAt = &now
		n++
	}
	return n, nil
}

func (r *fakeTaskRepo) all() []model.AsyncTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AsyncTask, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out
}

type fakePlatforms map[string]*model.PlatformConfig

func (f fakePlatforms) Get(_ context.Context, platform string) (*model.PlatformConfig, error) {
	cfg, ok := f[platform]
	if !ok {
		return nil, fmt.Errorf("%w: platform %s", apperrors.ErrNotFound, platform)
	}
	out := *cfg
	return &out, nil
}

type sentMessage struct {
	ExternalUserID string
	Content        string
}

// fakeAdapter records sends and lets tests script Parse.
type fakeAdapter struct {
	name      string
	verifyErr error
	parse     func(req platform.InboundRequest) (*model.IncomingMessage, error)
	sendErr   func(content string) error
	resolve   func(fileID string) (model.FileRef, error)

	mu   sync.Mutex
	sent []sentMessage
}

func (a *fakeAdapter) Platform() string { return a.name }

func (a *fakeAdapter) Verify(platform.InboundRequest) error { return a.verifyErr }

func (a *fakeAdapter) Parse(req platform.InboundRequest) (*model.IncomingMessage, error) {
	return a.parse(req)
}

func (a *fakeAdapter) Send(_ context.Context, externalUserID, content string) error {
	if a.sendErr != nil {
		if err := a.sendErr(content); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.sent = append(a.sent, sentMessage{ExternalUserID: externalUserID, Content: content})
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) ResolveFile(_ context.Context, fileID string) (model.FileRef, error) {
	return a.resolve(fileID)
}

func (a *fakeAdapter) Sent() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMessage(nil), a.sent...)
}

type fakeAdapters map[string]platform.Adapter

func (f fakeAdapters) Adapter(_ context.Context, p string) (platform.Adapter, error) {
	a, ok := f[p]
	if !ok {
		return nil, apperrors.NewAdapterError(p, apperrors.MalformedPayload, fmt.Errorf("unknown platform %q", p))
	}
	return a, nil
}

var (
	_ storage.MessageLogRepo = (*fakeMessageRepo)(nil)
	_ storage.BindingRepo    = (*fakeBindingRepo)(nil)
	_ storage.AsyncTaskRepo  = (*fakeTaskRepo)(nil)
	_ platform.FileResolver  = (*fakeAdapter)(nil)
)
