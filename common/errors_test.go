package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesKindTag(t *testing.T) {
	err := E(KindValidation, "body must not be empty")
	assert.Equal(t, "validation: body must not be empty", err.Error())

	wrapped := E(KindUnavailable, "cache backend unreachable", errors.New("dial tcp: refused"))
	assert.Equal(t, "unavailable: cache backend unreachable: dial tcp: refused", wrapped.Error())
}

func TestEfFormatsMessage(t *testing.T) {
	err := Ef(KindTooLarge, "batch exceeds %d items", 1000)
	assert.Equal(t, KindTooLarge, err.Kind)
	assert.Equal(t, "batch exceeds 1000 items", err.Message)
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := E(KindInternal, "operation failed", cause)

	require.ErrorIs(t, err, cause)

	var taxonomy *Error
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &taxonomy)
	assert.Equal(t, KindInternal, taxonomy.Kind)
}

func TestKindOfWalksChain(t *testing.T) {
	inner := E(KindNotFound, "topic does not exist")
	outer := fmt.Errorf("loading topic: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(outer))
	assert.True(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(outer, KindValidation))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindInternal:         "internal",
		KindValidation:       "validation",
		KindAuthMissing:      "auth-missing",
		KindAuthInsufficient: "auth-insufficient",
		KindNotFound:         "not-found",
		KindTooLarge:         "too-large",
		KindRateLimited:      "rate-limited",
		KindTimeout:          "timeout",
		KindConflict:         "conflict",
		KindUnavailable:      "unavailable",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
