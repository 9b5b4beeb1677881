package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/apperrors"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
)

var bindCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,32}$`)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns the shared validator. Error messages name fields by their JSON key.
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = validate.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
			return model.IsSupportedPlatform(fl.Field().String())
		})
		_ = validate.RegisterValidation("bindcode", func(fl validator.FieldLevel) bool {
			return bindCodePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate validates a struct and returns formatted errors wrapping apperrors.ErrValidation
func Validate(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' failed validation: %s", e.Field(), getErrorMessage(e)))
	}

	return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(messages, "; "))
}

// ValidateVar checks one value against a tag list, e.g. ValidateVar(code, "bindcode").
func ValidateVar(field interface{}, tag string) error {
	return Get().Var(field, tag)
}

// fixedMessages covers tags whose message does not depend on the parameter.
var fixedMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email address",
	"url":      "must be a valid URL",
	"uuid":     "must be a UUID",
	"platform": "must be a supported platform",
	"bindcode": "must be 4 to 32 letters or digits",
}

// paramMessages are formatted with the tag parameter.
var paramMessages = map[string]string{
	"min":   "must be at least %s characters long",
	"max":   "must not exceed %s characters",
	"gte":   "must be greater than or equal to %s",
	"lte":   "must be less than or equal to %s",
	"oneof": "must be one of: %s",
}

func getErrorMessage(e validator.FieldError) string {
	if msg, ok := fixedMessages[e.Tag()]; ok {
		return msg
	}
	if format, ok := paramMessages[e.Tag()]; ok {
		return fmt.Sprintf(format, e.Param())
	}
	return fmt.Sprintf("validation tag '%s' with value '%v' failed", e.Tag(), e.Value())
}
