package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeReturnsWebhookListenError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Poll.Interval = "1h"
	cfg.Poll.OnStart = false
	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "hook"
	cfg.Webhook.Addr = taken.Addr().String()

	c, err := build(cfg, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = serve(ctx, c, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook listen")
	assert.NoError(t, ctx.Err(), "serve should stop on the listener error, not the deadline")
}

func TestServeStopsCleanlyOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Poll.Interval = "1h"
	cfg.Poll.OnStart = false
	cfg.Webhook.Enabled = true
	cfg.Webhook.Token = "hook"
	cfg.Webhook.Addr = "127.0.0.1:0"

	c, err := build(cfg, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, c, discardLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
