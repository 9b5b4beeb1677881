package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-im-bridge/internal/storage/mock"
)

func TestIssueBindingCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)

	assert.Len(t, issued.Code, 6)
	for _, c := range issued.Code {
		assert.True(t, strings.ContainsRune(bindingCodeAlphabet, c), "unexpected character %q", c)
	}
	assert.Equal(t, "https://t.me/hr_bot?start="+issued.Code, issued.DeepLink)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), issued.ExpiresAt, 5*time.Second)

	stored, err := h.bindingRepo.FindByID(ctx, issued.BindingID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingStatusPending, stored.Status)
}

func TestIssueBindingCode_ExpiresPreviousCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)
	second, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)

	old, err := h.bindingRepo.FindByID(ctx, first.BindingID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingStatusExpired, old.Status)

	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", first.Code)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.BindingKind(err))

	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", second.Code)
	assert.NoError(t, err)
}

func TestIssueBindingCode_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.bindings.IssueBindingCode(ctx, "", model.PlatformTelegram)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.bindings.IssueBindingCode(ctx, "emp-1", "icq")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// Discord is configured but disabled.
	_, err = h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformDiscord)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformWebhook)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIssueBindingCode_RetriesCollisions(t *testing.T) {
	repo := new(storagemock.BindingRepoMock)
	platforms := fakePlatforms{model.PlatformTelegram: model.NewPlatformConfig(&model.PlatformConfig{Platform: model.PlatformTelegram, Enabled: true})}
	svc := NewBindingService(repo, platforms, config.BindingConfig{CodeLength: 8, ExpiryMinutes: 5})

	repo.On("IssueCode", mock.Anything, mock.AnythingOfType("model.UserBinding")).Return(apperrors.ErrDuplicate).Once()
	repo.On("IssueCode", mock.Anything, mock.AnythingOfType("model.UserBinding")).Return(nil).Once()

	issued, err := svc.IssueBindingCode(context.Background(), "emp-9", model.PlatformTelegram)
	require.NoError(t, err)
	assert.Len(t, issued.Code, 8)
	repo.AssertNumberOfCalls(t, "IssueCode", 2)
}

func TestIssueBindingCode_GivesUpAfterRepeatedCollisions(t *testing.T) {
	repo := new(storagemock.BindingRepoMock)
	platforms := fakePlatforms{model.PlatformTelegram: model.NewPlatformConfig(&model.PlatformConfig{Platform: model.PlatformTelegram, Enabled: true})}
	svc := NewBindingService(repo, platforms, config.BindingConfig{CodeLength: 6, ExpiryMinutes: 5})

	repo.On("IssueCode", mock.Anything, mock.Anything).Return(apperrors.ErrDuplicate)

	_, err := svc.IssueBindingCode(context.Background(), "emp-9", model.PlatformTelegram)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.True(t, apperrors.IsFatal(err))
	repo.AssertNumberOfCalls(t, "IssueCode", issueCodeAttempts)
}

// Scenario A: issue, redeem within expiry, look up.
func TestBinding_IssueRedeemLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-E", model.PlatformTelegram)
	require.NoError(t, err)

	h.bindings.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	bound, err := h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "alice", strings.ToLower(issued.Code))
	require.NoError(t, err)
	assert.Equal(t, model.BindingStatusBound, bound.Status)
	assert.Equal(t, "u1", bound.ExternalUserID())
	require.NotNil(t, bound.BoundAt)

	got, err := h.bindings.Lookup(ctx, model.PlatformTelegram, "u1")
	require.NoError(t, err)
	assert.Equal(t, "emp-E", got.EmployeeID)
}

// Scenario B: a code is single use.
func TestBinding_CodeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-E", model.PlatformTelegram)
	require.NoError(t, err)
	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", issued.Code)
	require.NoError(t, err)

	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u2", "", issued.Code)
	require.Error(t, err)
	kind := apperrors.BindingKind(err)
	assert.True(t, kind == apperrors.CodeNotFound || kind == apperrors.AlreadyBound, "got %v", err)

	got, err := h.bindings.Lookup(ctx, model.PlatformTelegram, "u1")
	require.NoError(t, err)
	assert.Equal(t, "emp-E", got.EmployeeID)
	_, err = h.bindings.Lookup(ctx, model.PlatformTelegram, "u2")
	assert.ErrorIs(t, err, apperrors.ErrNotBound)
}

func TestBinding_ExpiredCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-E", model.PlatformTelegram)
	require.NoError(t, err)

	h.bindings.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", issued.Code)
	assert.ErrorIs(t, err, apperrors.ErrCodeExpired)

	row, err := h.bindingRepo.FindByID(ctx, issued.BindingID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingStatusExpired, row.Status)
}

func TestBinding_AlreadyBoundToAnotherEmployee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bind(t, "emp-1", "u1")

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-2", model.PlatformTelegram)
	require.NoError(t, err)
	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", issued.Code)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyBound)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestBinding_RebindSameEmployeeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.bind(t, "emp-1", "u1")

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)
	again, err := h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", issued.Code)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	pending, err := h.bindingRepo.FindByID(ctx, issued.BindingID)
	require.NoError(t, err)
	assert.Equal(t, model.BindingStatusExpired, pending.Status)
}

func TestBinding_WrongPlatform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	issued, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)
	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformDiscord, "u1", "", issued.Code)
	assert.ErrorIs(t, err, apperrors.ErrCodeNotFound)

	_, err = h.bindings.RedeemBindingCode(ctx, model.PlatformTelegram, "u1", "", "   ")
	assert.ErrorIs(t, err, apperrors.ErrCodeNotFound)
}

func TestBinding_ExpireStaleCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.bindings.IssueBindingCode(ctx, "emp-1", model.PlatformTelegram)
	require.NoError(t, err)
	_, err = h.bindings.IssueBindingCode(ctx, "emp-2", model.PlatformTelegram)
	require.NoError(t, err)

	n, err := h.bindings.ExpireStaleCodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.bindings.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = h.bindings.ExpireStaleCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestBinding_LookupRepositoryFailure(t *testing.T) {
	repo := new(storagemock.BindingRepoMock)
	svc := NewBindingService(repo, fakePlatforms{}, config.BindingConfig{})
	repo.On("FindBound", mock.Anything, model.PlatformTelegram, "u1").Return(nil, errors.Join(apperrors.ErrDatabase, errors.New("conn reset")))

	_, err := svc.Lookup(context.Background(), model.PlatformTelegram, "u1")
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
}

func TestDeepLink(t *testing.T) {
	assert.Equal(t, "", deepLink("", "ABC"))
	assert.Equal(t, "https://t.me/bot?start=ABC", deepLink("https://t.me/bot?start=%s", "ABC"))
	assert.Equal(t, "https://x.test/bind/ABC", deepLink("https://x.test/bind/", "ABC"))
}
