package errors

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "typed", err: NewRateLimitedError("kaggle", nil), want: true},
		{name: "typed wrapped", err: fmt.Errorf("enrich: %w", NewRateLimitedError("hf", nil)), want: true},
		{name: "status in text", err: stderrors.New("upstream returned 429"), want: true},
		{name: "rate in text", err: stderrors.New("Rate limit exceeded"), want: true},
		{name: "rate-limit hyphenated", err: stderrors.New("hub: rate-limited, retry later"), want: true},
		{name: "reason phrase", err: stderrors.New("Too Many Requests"), want: true},
		{name: "generic", err: stderrors.New("connection reset"), want: false},
		{name: "rate inside a ref", err: stderrors.New(`GET https://www.kaggle.com/api/v1/datasets/view/org/exchange-rates: status 500`), want: false},
		{name: "rate inside a word", err: stderrors.New("failed to generate request"), want: false},
		{name: "429 inside a number", err: stderrors.New("dataset 14290 not found"), want: false},
		{name: "external", err: NewExternalError("kaggle api returned status 500", nil), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimited(tt.err))
		})
	}
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "", TypeName(nil))
	assert.Equal(t, "EXTERNAL", TypeName(NewExternalError("boom", stderrors.New("x"))))
	assert.Equal(t, "errorString", TypeName(stderrors.New("boom")))

	urlErr := &url.Error{Op: "Get", URL: "http://x", Err: stderrors.New("refused")}
	assert.Equal(t, "errorString", TypeName(fmt.Errorf("fetch: %w", urlErr)))
}

func TestHasType(t *testing.T) {
	inner := NewNotFoundError("dataset missing")
	outer := NewInternalError("lookup failed", inner)

	assert.True(t, HasType(outer, ErrorTypeInternal))
	assert.True(t, HasType(outer, ErrorTypeNotFound))
	assert.True(t, IsNotFound(outer))
	assert.False(t, HasType(outer, ErrorTypeRateLimited))
}
