package stickiness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labiium/edurouter-go/errs"
)

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	mgr := New([]byte("secret"))
	token, claims, err := Issue(mgr, nil, nil, "edu-general", "gpt-4o", 5, 60_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), claims.Turn)

	verified, err := Verify(mgr, token)
	require.NoError(t, err)
	assert.Equal(t, claims.TokenID, verified.TokenID)
	assert.Equal(t, "edu-general", verified.Alias)
	assert.Equal(t, "gpt-4o", verified.ModelID)
}

func TestProgressIncrementsTurnAndRotatesTokenID(t *testing.T) {
	mgr := New([]byte("secret"))
	_, claims, err := Issue(mgr, nil, nil, "edu-general", "gpt-4o", 5, 60_000)
	require.NoError(t, err)

	_, next, err := Progress(mgr, claims, 60_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), next.Turn)
	assert.NotEqual(t, claims.TokenID, next.TokenID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	mgr := New([]byte("secret-a"))
	token, _, err := Issue(mgr, nil, nil, "edu-general", "gpt-4o", 5, 60_000)
	require.NoError(t, err)

	other := New([]byte("secret-b"))
	_, err = Verify(other, token)
	require.Error(t, err)
	assert.True(t, err.(*errs.RouterError).Is(errs.Sentinel(errs.CodeInvalidApproval)))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	mgr := New([]byte("secret"))
	token, _, err := Issue(mgr, nil, nil, "edu-general", "gpt-4o", 5, 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = Verify(mgr, token)
	require.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	mgr := New([]byte("secret"))
	_, err := Verify(mgr, "not-a-valid-token!!")
	require.Error(t, err)
}
