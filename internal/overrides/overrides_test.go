package overrides

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestApplySimpleKeys(t *testing.T) {
	root := map[string]interface{}{
		"strategy": map[string]interface{}{"fast_period": 12},
	}

	err := Apply(root, map[string]interface{}{
		"strategy.fast_period": 9,
		"strategy.slow_period": 36,
		"risk.max_position":    0.25,
	})
	require.NoError(t, err)

	strategy := root["strategy"].(map[string]interface{})
	assert.Equal(t, 9, strategy["fast_period"])
	assert.Equal(t, 36, strategy["slow_period"])
	risk := root["risk"].(map[string]interface{})
	assert.Equal(t, 0.25, risk["max_position"])
}

func TestApplyCreatesNestedContainers(t *testing.T) {
	root := map[string]interface{}{}

	err := Apply(root, map[string]interface{}{
		"strategy.lookbacks[2].window": 48,
	})
	require.NoError(t, err)

	lookbacks := root["strategy"].(map[string]interface{})["lookbacks"].([]interface{})
	require.Len(t, lookbacks, 3)
	assert.Nil(t, lookbacks[0])
	assert.Nil(t, lookbacks[1])
	assert.Equal(t, 48, lookbacks[2].(map[string]interface{})["window"])
}

func TestApplyTypeConflict(t *testing.T) {
	root := map[string]interface{}{"strategy": "a scalar"}

	err := Apply(root, map[string]interface{}{"strategy.fast_period": 9})
	assert.ErrorContains(t, err, "expected a mapping")

	root = map[string]interface{}{"levels": map[string]interface{}{}}
	err = Apply(root, map[string]interface{}{"levels[0]": 1})
	assert.ErrorContains(t, err, "expected a list")
}

func TestApplyRejectsBadPaths(t *testing.T) {
	for _, path := range []string{"", "a..b", "a[x]", "a[-1]", "a[1", "[0].a"} {
		err := Apply(map[string]interface{}{}, map[string]interface{}{path: 1})
		assert.Error(t, err, "path %q", path)
	}
}

func TestApplyToDocumentPreservesSiblings(t *testing.T) {
	doc := []byte("strategy:\n  fast_period: 12\n  mode: trend\nrisk:\n  max_position: 0.5\n")

	out, err := ApplyToDocument(doc, map[string]interface{}{"strategy.fast_period": 8})
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &root))
	strategy := root["strategy"].(map[string]interface{})
	assert.Equal(t, 8, strategy["fast_period"])
	assert.Equal(t, "trend", strategy["mode"])
	assert.Equal(t, 0.5, root["risk"].(map[string]interface{})["max_position"])
}

func TestApplyToDocumentEmptyInput(t *testing.T) {
	out, err := ApplyToDocument(nil, map[string]interface{}{"a.b": 1})
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &root))
	assert.Equal(t, 1, root["a"].(map[string]interface{})["b"])
}

func TestGet(t *testing.T) {
	root := map[string]interface{}{
		"strategy": map[string]interface{}{
			"fast_period": 12,
			"lookbacks":   []interface{}{map[string]interface{}{"window": 24}},
		},
	}

	v, ok, err := Get(root, "strategy.fast_period")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, v)

	v, ok, err = Get(root, "strategy.lookbacks[0].window")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 24, v)

	_, ok, err = Get(root, "strategy.missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Get(root, "strategy.lookbacks[5].window")
	require.NoError(t, err)
	assert.False(t, ok)

	// Traversing through a scalar is a miss, not an error.
	_, ok, err = Get(root, "strategy.fast_period.deeper")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Get(root, "a[b]")
	assert.Error(t, err)
}

func TestGetFromDocument(t *testing.T) {
	doc := []byte("strategy:\n  slow_period: 48\n")

	v, ok, err := GetFromDocument(doc, "strategy.slow_period")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 48, v)

	_, ok, err = GetFromDocument(doc, "strategy.fast_period")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = GetFromDocument([]byte("not: [valid"), "a")
	assert.Error(t, err)
}

func TestApplyGetRoundTrip(t *testing.T) {
	doc := []byte("strategy:\n  fast_period: 12\n")
	out, err := ApplyToDocument(doc, map[string]interface{}{
		"strategy.fast_period": 7,
		"strategy.slow_period": 21,
	})
	require.NoError(t, err)

	v, ok, err := GetFromDocument(out, "strategy.fast_period")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, v)
}
