package failure

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindNamesAreUnique(t *testing.T) {
	seen := make(map[string]Kind)
	for _, k := range Kinds() {
		name := k.String()
		require.NotEmpty(t, name)
		if prev, dup := seen[name]; dup {
			t.Fatalf("kinds %d and %d share name %q", prev, k, name)
		}
		seen[name] = k
	}
	assert.Len(t, seen, 9)
}

func TestKindString_OutOfRange(t *testing.T) {
	assert.Equal(t, "UNEXPECTED_ERROR", Kind(99).String())
	assert.Equal(t, "UNEXPECTED_ERROR", Kind(-1).String())
}

func TestFailure_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	f := Wrap(KindProviderError, ReasonReasoningError, cause).AtStage("reasoning").WithRetryAfter(3 * time.Second)

	assert.ErrorIs(t, f, cause)
	assert.Equal(t, "reasoning", f.Stage)
	assert.Equal(t, 3*time.Second, f.RetryAfter)
	assert.Contains(t, f.Error(), "PROVIDER_ERROR/REASONING_PROVIDER_ERROR")

	var target *Failure
	require.True(t, errors.As(error(f), &target))
	assert.Equal(t, KindProviderError, target.Kind)
}

func TestKindSoft(t *testing.T) {
	assert.True(t, KindSchemaMismatch.Soft())
	assert.True(t, KindNonJSONResponse.Soft())
	assert.False(t, KindBudgetExceeded.Soft())
	assert.False(t, KindProviderUnavailable.Soft())
	assert.False(t, KindUnexpected.Soft())
}
