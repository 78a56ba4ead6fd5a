package prooftoken_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendance/internal/prooftoken"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	codec := prooftoken.NewCodec("test-secret", "attendance-engine")

	token, err := codec.Mint(42, 13.7563, 100.5018, 3, 10*time.Second)
	require.NoError(t, err)

	payload, err := codec.Verify(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), payload.SessionID)
	require.Equal(t, 13.7563, payload.Latitude)
	require.Equal(t, 100.5018, payload.Longitude)
	require.Equal(t, 3, payload.ExpectedScanCount)
}

func TestVerifyExpired(t *testing.T) {
	codec := prooftoken.NewCodec("test-secret", "attendance-engine")

	token, err := codec.Mint(7, 0, 0, 1, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = codec.Verify(token)
	require.ErrorIs(t, err, prooftoken.ErrTokenExpired)
}

func TestVerifyRejects(t *testing.T) {
	codec := prooftoken.NewCodec("test-secret", "attendance-engine")

	t.Run("garbage", func(t *testing.T) {
		_, err := codec.Verify("not.a.token")
		require.ErrorIs(t, err, prooftoken.ErrTokenInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := prooftoken.NewCodec("other-secret", "attendance-engine")
		token, err := other.Mint(1, 0, 0, 1, time.Minute)
		require.NoError(t, err)
		_, err = codec.Verify(token)
		require.ErrorIs(t, err, prooftoken.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := prooftoken.NewCodec("test-secret", "someone-else")
		token, err := other.Mint(1, 0, 0, 1, time.Minute)
		require.NoError(t, err)
		_, err = codec.Verify(token)
		require.ErrorIs(t, err, prooftoken.ErrTokenInvalid)
	})

	t.Run("still valid just before expiry", func(t *testing.T) {
		token, err := codec.Mint(1, 0, 0, 1, 2*time.Second)
		require.NoError(t, err)
		payload, err := codec.Verify(token)
		require.NoError(t, err)
		require.Equal(t, int64(1), payload.SessionID)
	})
}
