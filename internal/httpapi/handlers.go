package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/reqctx"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/usecase"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/validator"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

type webhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type pendingResponse struct {
	Messages []model.PendingMessage `json:"messages"`
}

type claimResponse struct {
	Claimed bool `json:"claimed"`
}

type replyRequest struct {
	Content string `json:"content" validate:"required"`
}

type failRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type issueCodeRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	Platform   string `json:"platform" validate:"required,platform"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// handleWebhook answers 200 for every payload the pipeline accepted, including duplicates and
// ignored updates, so platforms do not redeliver them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platformID := r.PathValue("platform")
	ctx := reqctx.WithPlatform(r.Context(), platformID)
	r = r.WithContext(ctx)

	if !s.limiter.Allow(webhookLimitKey(platformID, r)) {
		writeError(w, r, fmt.Errorf("%w: webhook %s", apperrors.ErrRateLimited, platformID))
		return
	}

	body, err := utils.ReadBody(r.Body)
	if err != nil {
		writeError(w, r, apperrors.NewAdapterError(platformID, apperrors.MalformedPayload, err))
		return
	}

	res, err := s.deps.Ingest.HandleWebhook(ctx, platformID, platform.InboundRequest{Header: r.Header, Body: body})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.Ack != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(res.Ack); err != nil {
			logger.FromContext(ctx).Warn("Failed to write webhook acknowledgement", zap.Error(err))
		}
		return
	}

	resp := webhookResponse{Status: "ok", Duplicate: res.Duplicate}
	if res.Ignored {
		resp.Status = "ignored"
	}
	if res.Message != nil {
		resp.MessageID = res.Message.ID
	}
	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	filter, wait, err := s.parsePendingQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.deps.Consumer.WaitPending(r.Context(), filter, wait)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.PendingMessage{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, pendingResponse{Messages: rows})
}

// parsePendingQuery reads platform, since (RFC3339), limit and wait (a duration like "20s" or
// whole seconds). wait is capped at the configured maximum long poll.
func (s *Server) parsePendingQuery(r *http.Request) (model.PendingFilter, time.Duration, error) {
	q := r.URL.Query()
	var filter model.PendingFilter

	if p := q.Get("platform"); p != "" {
		if !model.IsSupportedPlatform(p) {
			return filter, 0, fmt.Errorf("%w: unsupported platform %q", apperrors.ErrValidation, p)
		}
		filter.Platform = p
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, 0, fmt.Errorf("%w: since must be RFC3339", apperrors.ErrValidation)
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, 0, fmt.Errorf("%w: limit must be a non-negative integer", apperrors.ErrValidation)
		}
		filter.Limit = n
	}

	var wait time.Duration
	if raw := q.Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, serr := strconv.Atoi(raw)
			if serr != nil {
				return filter, 0, fmt.Errorf("%w: wait must be a duration or seconds", apperrors.ErrValidation)
			}
			d = time.Duration(secs) * time.Second
		}
		if d < 0 {
			return filter, 0, fmt.Errorf("%w: wait must not be negative", apperrors.ErrValidation)
		}
		wait = min(d, s.maxLongPoll)
	}
	return filter, wait, nil
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.deps.Consumer.MarkProcessing(r.Context(), r.PathValue("id"), usecase.ClaimSourceAPI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, claimResponse{Claimed: claimed})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.deps.Consumer.Reply(r.Context(), r.PathValue("id"), req.Content); err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, statusResponse{Status: model.MessageStatusCompleted})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.deps.Consumer.Fail(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, statusResponse{Status: model.MessageStatusFailed})
}

func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	issued, err := s.deps.Bindings.IssueBindingCode(r.Context(), req.EmployeeID, req.Platform)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, issued)
}

func (s *Server) handleLookupBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := s.deps.Bindings.Lookup(r.Context(), r.PathValue("platform"), r.PathValue("externalUserId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, binding)
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.deps.Platforms.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = []model.PlatformConfig{}
	}
	utils.WriteJSONResponse(w, http.StatusOK, cfgs)
}

func (s *Server) handleUpdatePlatform(w http.ResponseWriter, r *http.Request) {
	var upd usecase.PlatformUpdate
	if !decodeAndValidate(w, r, &upd) {
		return
	}
	cfg, err := s.deps.Platforms.Update(r.Context(), r.PathValue("platform"), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, cfg)
}

func (s *Server) handleDeletePlatform(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Platforms.Delete(r.Context(), r.PathValue("platform")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req usecase.EnqueueRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	task, err := s.deps.Tasks.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tasks.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusOK, statusResponse{Status: model.TaskStatusCancelled})
}

func (s *Server) handleRequeueTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	utils.WriteJSONResponse(w, http.StatusCreated, task)
}

// decodeAndValidate writes a 400 and returns false when the body is not valid JSON for v or
// fails validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := utils.DecodeJSONBody(r, v); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err))
		return false
	}
	if err := validator.Validate(v); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}
