package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		err    error
		want   ErrorKind
	}{
		{name: "network error", err: errors.New("connection reset"), want: KindTransient},
		{name: "attempt timeout", err: fmt.Errorf("do: %w", context.DeadlineExceeded), want: KindTransient},
		{name: "408", status: 408, want: KindTransient},
		{name: "425", status: 425, want: KindTransient},
		{name: "429 rate limit", status: 429, body: `{"error":{"code":"rate_limit_exceeded"}}`, want: KindTransient},
		{name: "429 quota", status: 429, body: `{"error":{"code":"insufficient_quota","message":"quota"}}`, want: KindQuota},
		{name: "500", status: 500, want: KindTransient},
		{name: "503", status: 503, body: "upstream unavailable", want: KindTransient},
		{name: "402", status: 402, want: KindQuota},
		{name: "billing limit type", status: 400, body: `{"error":{"type":"billing_hard_limit"}}`, want: KindQuota},
		{name: "content policy", status: 400, body: `{"error":{"code":"content_policy_violation","message":"rejected"}}`, want: KindPermanent},
		{name: "401", status: 401, want: KindPermanent},
		{name: "422 detail", status: 422, body: `{"detail":"invalid input"}`, want: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gerr := classifyResponse("openai", tt.status, []byte(tt.body), tt.err)
			require.NotNil(t, gerr)
			assert.Equal(t, tt.want, gerr.Kind)
			assert.Equal(t, "openai", gerr.Provider)
		})
	}

	t.Run("success is nil", func(t *testing.T) {
		assert.Nil(t, classifyResponse("openai", 200, nil, nil))
		assert.Nil(t, classifyResponse("openai", 201, nil, nil))
	})

	t.Run("message extracted from body", func(t *testing.T) {
		gerr := classifyResponse("replicate", 422, []byte(`{"detail":"prompt too long"}`), nil)
		assert.Equal(t, "prompt too long", gerr.Message)
		assert.Equal(t, 422, gerr.StatusCode)
	})
}

func TestGenerationError_Is(t *testing.T) {
	quota := newError(KindQuota, "openai", 402, "", ErrQuotaExceeded)
	assert.ErrorIs(t, quota, ErrQuotaExceeded)
	assert.NotErrorIs(t, quota, ErrTransient)

	wrapped := fmt.Errorf("item: %w", newError(KindTransient, "openai", 0, "", errors.New("eof")))
	assert.ErrorIs(t, wrapped, ErrTransient)
	assert.True(t, IsTransient(wrapped))
	assert.Equal(t, KindTransient, KindOf(errors.New("plain")))
	assert.False(t, IsTransient(nil))

	perm := newError(KindPermanent, "runway", 400, "bad ratio", ErrPermanent)
	assert.Contains(t, perm.Error(), "runway permanent error (status 400): bad ratio")
}
