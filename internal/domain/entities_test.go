package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	fatal := []error{
		ErrUnknownTool,
		ErrUnsupportedTool,
		ErrInvalidArgument,
		ErrProviderNotFound,
		ErrProviderNoAPIKey,
	}
	for _, err := range fatal {
		assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
	transient := []error{
		ErrUpstream,
		ErrUpstreamTimeout,
		ErrQueueUnavailable,
		ErrInternal,
		errors.New("some other error"),
	}
	for _, err := range transient {
		assert.False(t, IsFatal(err), err.Error())
	}
}

func TestOwnerKind(t *testing.T) {
	assert.True(t, OwnerWeb.Valid())
	assert.True(t, OwnerAdmin.Valid())
	assert.False(t, OwnerKind("bot").Valid())

	assert.Equal(t, "", OwnerWeb.QueuePrefix())
	assert.Equal(t, "admin", OwnerAdmin.QueuePrefix())
	assert.Equal(t, "users", OwnerWeb.PathSegment())
	assert.Equal(t, "admins", OwnerAdmin.PathSegment())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskProcessing.Terminal())
	assert.True(t, TaskSuccess.Terminal())
	assert.True(t, TaskFailed.Terminal())
}

func TestToolConfigStep(t *testing.T) {
	cfg := ToolConfig{Steps: []ToolStep{
		{Name: "stylize", Provider: "fal_ai"},
		{Name: "model", Provider: "tripo"},
	}}
	s, ok := cfg.Step("model")
	assert.True(t, ok)
	assert.Equal(t, "tripo", s.Provider)
	_, ok = cfg.Step("missing")
	assert.False(t, ok)
}

func TestCatalogForPrefix(t *testing.T) {
	assert.Equal(t, CatalogUser, CatalogForPrefix(""))
	assert.Equal(t, CatalogAdmin, CatalogForPrefix("admin"))
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "default", QueueName("", "default"))
	assert.Equal(t, "admin_default", QueueName("admin", "default"))
}

func TestBackoffPolicyDelay(t *testing.T) {
	exp := BackoffPolicy{Kind: BackoffExponential, BaseMs: 2000, MaxMs: 60000}
	assert.Equal(t, 2*time.Second, exp.Delay(0))
	assert.Equal(t, 4*time.Second, exp.Delay(1))
	assert.Equal(t, 16*time.Second, exp.Delay(3))
	// capped at MaxMs
	assert.Equal(t, 60*time.Second, exp.Delay(10))

	fixed := BackoffPolicy{Kind: BackoffFixed, BaseMs: 5000}
	assert.Equal(t, 5*time.Second, fixed.Delay(0))
	assert.Equal(t, 5*time.Second, fixed.Delay(7))

	// zero base falls back to 2s
	assert.Equal(t, 2*time.Second, BackoffPolicy{Kind: BackoffFixed}.Delay(0))
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, ClampProgress(-5))
	assert.Equal(t, 0, ClampProgress(0))
	assert.Equal(t, 55, ClampProgress(55))
	assert.Equal(t, 100, ClampProgress(140))
}

func TestProgressUpdateTerminal(t *testing.T) {
	assert.False(t, ProgressUpdate{Status: TaskProcessing}.Terminal())
	assert.True(t, ProgressUpdate{Status: TaskFailed}.Terminal())
}
