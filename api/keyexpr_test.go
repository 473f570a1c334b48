package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/topicscope/api"
)

func TestValidateKeyExpr(t *testing.T) {
	valid := []string{"a/b/**", "*/x", "demo/example/topic", "**", "a/*/c", "sensor-1/temp_c"}
	for _, expr := range valid {
		assert.NoError(t, api.ValidateKeyExpr(expr), expr)
	}

	invalid := []string{"a\\b", "a/b*c", "", "a//b", "/a", "a/", "x/**y", "***"}
	for _, expr := range invalid {
		err := api.ValidateKeyExpr(expr)
		require.Error(t, err, expr)
		assert.ErrorIs(t, err, api.ErrInvalidKeyExpr, expr)
		assert.Equal(t, api.KindValidation, api.KindOf(err), expr)
	}
}

func TestKeyExprMatches(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/*", "a/b", true},
		{"a/*", "a/b/c", false},
		{"a/**", "a", true},
		{"a/**", "a/b/c", true},
		{"**/c", "a/b/c", true},
		{"**/c", "c", true},
		{"a/**/d", "a/b/c/d", true},
		{"a/**/d", "a/b/c", false},
		{"*/x", "y/x", true},
		{"*", "a/b", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, api.KeyExprMatches(c.pattern, c.key), "%s ~ %s", c.pattern, c.key)
	}
}

func TestIsBenignTimeout(t *testing.T) {
	assert.True(t, api.IsBenignTimeout(api.ErrRequestTimeout))
	assert.True(t, api.IsBenignTimeout(fmt.Errorf("undeclare: %w", api.ErrRequestTimeout)))
	assert.True(t, api.IsBenignTimeout(errors.New("gateway: timeout waiting for response")))
	assert.True(t, api.IsBenignTimeout(api.NewError(api.KindBenignTimeout, "close", errors.New("late ack"))))
	assert.False(t, api.IsBenignTimeout(nil))
	assert.False(t, api.IsBenignTimeout(errors.New("connection refused")))
}

func TestErrorKinds(t *testing.T) {
	err := api.Unsupported("gateway", "publish")
	assert.ErrorIs(t, err, api.ErrUnsupported)
	assert.Equal(t, api.KindCapability, api.KindOf(err))
	assert.Contains(t, err.Error(), "publish")

	wrapped := fmt.Errorf("subscribe: %w", api.NewError(api.KindTransport, "", errors.New("broken pipe")))
	assert.Equal(t, api.KindTransport, api.KindOf(wrapped))
	assert.Equal(t, "subscribe: broken pipe", wrapped.Error())
	assert.Equal(t, api.KindBenignTimeout, api.KindOf(api.ErrRequestTimeout))
}

func TestCapabilitiesHas(t *testing.T) {
	var nilCaps *api.Capabilities
	assert.False(t, nilCaps.Has(api.FeaturePublish))
	caps := &api.Capabilities{Features: []string{api.FeatureSubscribe}}
	assert.True(t, caps.Has(api.FeatureSubscribe))
	assert.False(t, caps.Has(api.FeaturePause))
}
