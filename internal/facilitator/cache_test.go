package facilitator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachePayload(sig, nonce string) *PaymentPayload {
	return &PaymentPayload{
		Payload: ExactPayload{
			Signature:     sig,
			Authorization: Authorization{Nonce: nonce},
		},
	}
}

func TestSettlementKeyDistinct(t *testing.T) {
	a := SettlementKey(cachePayload("0xaa", "0x01"))
	b := SettlementKey(cachePayload("0xaa", "0x02"))
	c := SettlementKey(cachePayload("0xbb", "0x01"))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, SettlementKey(cachePayload("0xaa", "0x01")))
}

func TestCacheCompleteAndReplay(t *testing.T) {
	c := NewSettlementCache(time.Minute)
	key := "k1"

	status, _, done := c.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)

	want := &SettleResponse{Success: true, Transaction: "0xabc"}
	c.Complete(key, want, done)

	status, cached, _ := c.CheckAndMark(key)
	assert.Equal(t, StatusCached, status)
	assert.Equal(t, want, cached)
}

func TestCacheInFlightWaiters(t *testing.T) {
	c := NewSettlementCache(time.Minute)
	key := "k2"

	_, _, done := c.CheckAndMark(key)

	status, _, waiterDone := c.CheckAndMark(key)
	require.Equal(t, StatusInFlight, status)

	want := &SettleResponse{Success: true}
	go c.Complete(key, want, done)

	got, err := c.WaitForResult(context.Background(), key, waiterDone)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCacheWaitHonorsCancellation(t *testing.T) {
	c := NewSettlementCache(time.Minute)
	key := "k3"
	_, _, done := c.CheckAndMark(key)
	_ = done

	status, _, waiterDone := c.CheckAndMark(key)
	require.Equal(t, StatusInFlight, status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.WaitForResult(ctx, key, waiterDone)
	assert.Error(t, err)
}

func TestCacheFailAllowsRetry(t *testing.T) {
	c := NewSettlementCache(time.Minute)
	key := "k4"

	_, _, done := c.CheckAndMark(key)
	c.Fail(key, done)

	status, _, _ := c.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status)
}

func TestCacheExpiry(t *testing.T) {
	c := NewSettlementCache(10 * time.Millisecond)
	key := "k5"

	_, _, done := c.CheckAndMark(key)
	c.Complete(key, &SettleResponse{Success: true}, done)

	time.Sleep(20 * time.Millisecond)
	status, _, _ := c.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status)
}
