// Package validation provides custom validation rules for the application.
package validation

import (
	"net/url"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/robfig/cron/v3"

	apperrors "github.com/allisson/effectd/internal/errors"
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// NotBlank validates that a string is not empty after trimming whitespace
var NotBlank = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.TrimSpace(s) != ""
	},
	validation.NewError("validation_not_blank", "must not be blank"),
)

// NoWhitespace validates that string doesn't contain leading/trailing whitespace
var NoWhitespace = validation.NewStringRuleWithError(
	func(s string) bool {
		return s == strings.TrimSpace(s)
	},
	validation.NewError("validation_no_whitespace", "must not contain leading or trailing whitespace"),
)

// CronExpression validates a standard five-field cron expression. Empty
// strings pass; combine with Required when the field is mandatory.
var CronExpression = validation.NewStringRuleWithError(
	func(s string) bool {
		_, err := cron.ParseStandard(s)
		return err == nil
	},
	validation.NewError("validation_cron", "must be a valid cron expression"),
)

// URLTemplate validates a fmt template that turns a queue name into a URL.
var URLTemplate = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.Count(s, "%s") == 1
	},
	validation.NewError("validation_url_template", "must contain a %s verb"),
)

// HTTPURL validates an absolute http or https URL with a host.
var HTTPURL = validation.NewStringRuleWithError(
	func(s string) bool {
		u, err := url.Parse(s)
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	},
	validation.NewError("validation_http_url", "must be an http(s) URL"),
)
