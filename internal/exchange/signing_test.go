package exchange

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSignMatchesReferenceVector checks the signature against the
// exchange's published API documentation example.
func TestSignMatchesReferenceVector(t *testing.T) {
	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	path := "/0/private/AddOrder"
	nonce := "1616492376594"
	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"

	sig, err := Sign(secret, path, nonce, body)
	require.NoError(t, err)
	assert.Equal(t, "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ==", sig)
}

func TestSignDeterministic(t *testing.T) {
	secret := "dGVzdF9zZWNyZXQ=" // "test_secret"
	a, err := Sign(secret, "/0/private/Balance", "123", "nonce=123")
	require.NoError(t, err)
	b, err := Sign(secret, "/0/private/Balance", "123", "nonce=123")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignRejectsBadSecret(t *testing.T) {
	_, err := Sign("not base64!!!", "/0/private/Balance", "123", "nonce=123")
	assert.Error(t, err)
}

func TestNonceMonotonic(t *testing.T) {
	c := NewClient("http://localhost", "", "", testLogger())
	defer c.Close()

	var prev int64
	for i := 0; i < 5; i++ {
		n, err := strconv.ParseInt(c.nextNonce(), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}
