package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// bindingCodeAlphabet leaves out characters that are easy to confuse when typed (0/O, 1/I).
const bindingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const issueCodeAttempts = 3

// BindingService issues, redeems and resolves bindings between external identities and employees.
type BindingService struct {
	repo       storage.BindingRepo
	platforms  PlatformConfigSource
	codeLength int
	codeTTL    time.Duration
	random     io.Reader
	now        func() time.Time
}

func NewBindingService(repo storage.BindingRepo, platforms PlatformConfigSource, cfg config.BindingConfig) *BindingService {
	length := cfg.CodeLength
	if length <= 0 {
		length = 6
	}
	ttl := time.Duration(cfg.ExpiryMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &BindingService{
		repo:       repo,
		platforms:  platforms,
		codeLength: length,
		codeTTL:    ttl,
		random:     rand.Reader,
		now:        utils.Now,
	}
}

// IssueBindingCode creates a fresh PENDING code for the employee on platform. Earlier live codes
// of the employee are expired in the same transaction.
func (s *BindingService) IssueBindingCode(ctx context.Context, employeeID, platform string) (*model.IssuedCode, error) {
	log := logger.FromContext(ctx).With(zap.String("employee_id", employeeID), zap.String("platform", platform))

	if strings.TrimSpace(employeeID) == "" {
		return nil, fmt.Errorf("%w: employee_id is required", apperrors.ErrValidation)
	}
	if !model.IsSupportedPlatform(platform) {
		return nil, fmt.Errorf("%w: unsupported platform %q", apperrors.ErrValidation, platform)
	}
	cfg, err := s.platforms.Get(ctx, platform)
	if err != nil {
		return nil, handleRepositoryError(ctx, err, "IssueBindingCode", platform)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: platform %s is disabled", apperrors.ErrNotFound, platform)
	}

	now := s.now()
	for attempt := 1; ; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate binding code: %w", err)
		}
		binding := model.UserBinding{
			ID:            uuid.NewString(),
			EmployeeID:    employeeID,
			Platform:      platform,
			BindingCode:   code,
			Status:        model.BindingStatusPending,
			CodeExpiresAt: now.Add(s.codeTTL),
		}

		err = s.repo.IssueCode(ctx, binding)
		if err == nil {
			observer.IncBindingOperation("issue", "success")
			log.Info("Issued binding code", zap.String("binding_id", binding.ID), zap.Time("expires_at", binding.CodeExpiresAt))
			return &model.IssuedCode{
				BindingID: binding.ID,
				Code:      code,
				DeepLink:  deepLink(cfg.Setting(model.SettingDeepLinkTemplate), code),
				ExpiresAt: binding.CodeExpiresAt,
			}, nil
		}
		// A collision with another live code is retried with a new code.
		if apperrors.IsDuplicateError(err) && attempt < issueCodeAttempts {
			log.Debug("Binding code collision, regenerating", zap.Int("attempt", attempt))
			continue
		}
		observer.IncBindingOperation("issue", "error")
		return nil, handleRepositoryError(ctx, err, "IssueBindingCode", employeeID)
	}
}

// RedeemBindingCode binds the external identity using a code previously issued for platform.
func (s *BindingService) RedeemBindingCode(ctx context.Context, platform, externalUserID, externalUsername, code string) (*model.UserBinding, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		observer.IncBindingOperation("redeem", string(apperrors.CodeNotFound))
		return nil, apperrors.NewBindingError(apperrors.CodeNotFound, "empty code")
	}

	binding, err := s.repo.Redeem(ctx, storage.RedeemRequest{
		Platform:         platform,
		Code:             code,
		PlatformUserID:   externalUserID,
		PlatformUsername: externalUsername,
		Now:              s.now(),
	})
	if err != nil {
		if kind := apperrors.BindingKind(err); kind != "" {
			observer.IncBindingOperation("redeem", string(kind))
			logger.FromContext(ctx).Info("Binding code rejected",
				zap.String("platform", platform),
				zap.String("external_user_id", externalUserID),
				zap.String("reason", string(kind)),
			)
			return nil, err
		}
		observer.IncBindingOperation("redeem", "error")
		return nil, handleRepositoryError(ctx, err, "RedeemBindingCode", externalUserID)
	}

	observer.IncBindingOperation("redeem", "success")
	logger.FromContext(ctx).Info("External identity bound",
		zap.String("platform", platform),
		zap.String("external_user_id", externalUserID),
		zap.String("employee_id", binding.EmployeeID),
		zap.String("binding_id", binding.ID),
	)
	return binding, nil
}

// Lookup returns the BOUND binding of an external identity or a NotBound BindingError.
func (s *BindingService) Lookup(ctx context.Context, platform, externalUserID string) (*model.UserBinding, error) {
	binding, err := s.repo.FindBound(ctx, platform, externalUserID)
	if err != nil {
		if apperrors.BindingKind(err) == apperrors.NotBound {
			return nil, err
		}
		return nil, handleRepositoryError(ctx, err, "LookupBinding", externalUserID)
	}
	return binding, nil
}

// ExpireStaleCodes marks PENDING codes past their expiry as EXPIRED. Redemption checks expiry
// itself, so this only keeps the table tidy.
func (s *BindingService) ExpireStaleCodes(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, handleRepositoryError(ctx, err, "ExpireStaleCodes", "")
	}
	if n > 0 {
		logger.FromContext(ctx).Info("Expired stale binding codes", zap.Int64("count", n))
	}
	return n, nil
}

func (s *BindingService) generateCode() (string, error) {
	max := big.NewInt(int64(len(bindingCodeAlphabet)))
	var b strings.Builder
	b.Grow(s.codeLength)
	for i := 0; i < s.codeLength; i++ {
		n, err := rand.Int(s.random, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(bindingCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func deepLink(template, code string) string {
	if template == "" {
		return ""
	}
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, code)
	}
	return template + code
}
