package customdata

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_NormalizesAndRejects(t *testing.T) {
	t.Parallel()
	var m Map
	require.NoError(t, m.Set("s", "x"))
	require.NoError(t, m.Set("b", true))
	require.NoError(t, m.Set("i", 3))
	require.NoError(t, m.Set("u", uint8(4)))
	require.NoError(t, m.Set("f", float32(1.5)))

	v, ok := m.Get("i")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)
	v, _ = m.Get("f")
	assert.Equal(t, 1.5, v)

	require.Error(t, m.Set("bad", []string{"x"}))
	require.Error(t, m.Set("nil", nil))
	require.ErrorIs(t, m.Set("nan", math.NaN()), ErrNotFinite)
	require.ErrorIs(t, m.Set("inf", float32(math.Inf(-1))), ErrNotFinite)
	require.ErrorIs(t, m.SetNumber("big", math.Inf(1)), ErrNotFinite)
	_, err := json.Marshal(m)
	require.NoError(t, err)
	_, ok = m.Get("bad")
	require.False(t, ok)
	assert.Equal(t, []string{"b", "f", "i", "s", "u"}, m.Keys())
}

func TestMerge_IncomingWins(t *testing.T) {
	t.Parallel()
	m := Map{"a": "old", "keep": true}
	m.Merge(Map{"a": "new", "add": 2.0})
	assert.Equal(t, Map{"a": "new", "keep": true, "add": 2.0}, m)

	var empty Map
	empty.Merge(Map{"x": "y"})
	assert.Equal(t, 1, empty.Len())
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()
	m := Map{"a": "1"}
	c := m.Clone()
	c.SetString("a", "2")
	c.Remove("missing")
	assert.Equal(t, "1", m["a"])
	assert.Nil(t, Map(nil).Clone())
	assert.True(t, m.Equal(Map{"a": "1"}))
	assert.False(t, m.Equal(c))
}

func TestJSON_RoundtripAndValidation(t *testing.T) {
	t.Parallel()
	m := Map{"name": "x", "vip": true, "score": 10.0}
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var back Map
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)

	require.Error(t, json.Unmarshal([]byte(`{"nested":{"a":1}}`), &back))
	require.Error(t, json.Unmarshal([]byte(`{"list":[1]}`), &back))
	require.Error(t, json.Unmarshal([]byte(`{"null":null}`), &back))
}
