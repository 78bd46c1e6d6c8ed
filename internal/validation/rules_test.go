package validation

import (
	"errors"
	"testing"

	validation "github.com/jellydator/validation"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/allisson/effectd/internal/errors"
)

func TestRules(t *testing.T) {
	tests := []struct {
		name    string
		rule    validation.Rule
		value   string
		wantErr string
	}{
		{name: "not blank ok", rule: NotBlank, value: "x"},
		{name: "not blank spaces", rule: NotBlank, value: "   ", wantErr: "must not be blank"},
		{name: "no whitespace ok", rule: NoWhitespace, value: "downloads"},
		{name: "no whitespace padded", rule: NoWhitespace, value: " downloads", wantErr: "leading or trailing whitespace"},
		{name: "cron ok", rule: CronExpression, value: "*/5 * * * *"},
		{name: "cron empty", rule: CronExpression, value: ""},
		{name: "cron invalid", rule: CronExpression, value: "not a cron", wantErr: "must be a valid cron expression"},
		{name: "template ok", rule: URLTemplate, value: "mem://%s"},
		{name: "template without verb", rule: URLTemplate, value: "mem://downloads", wantErr: "must contain a %s verb"},
		{name: "template two verbs", rule: URLTemplate, value: "mem://%s/%s", wantErr: "must contain a %s verb"},
		{name: "http ok", rule: HTTPURL, value: "https://example.com/file.bin"},
		{name: "http no host", rule: HTTPURL, value: "http://", wantErr: "must be an http(s) URL"},
		{name: "ftp", rule: HTTPURL, value: "ftp://example.com/file", wantErr: "must be an http(s) URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.Validate(tt.value, tt.rule)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWrapValidationError(t *testing.T) {
	assert.NoError(t, WrapValidationError(nil))

	err := WrapValidationError(errors.New("source_url: must be an http(s) URL."))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "source_url")
}
