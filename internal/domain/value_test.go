package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtrasPreserveInsertionOrder(t *testing.T) {
	e := NewExtras("zeta", "last", "alpha", 1, "mid", true)
	e.Set("blob", BytesValue([]byte{0x01, 0x02}))
	e.Set("nested", MapValue(NewExtras("k", "v")))

	assert.Equal(t, []string{"zeta", "alpha", "mid", "blob", "nested"}, e.Keys())

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"zeta":"last","alpha":1,"mid":true,"blob":{"$bytes":"AQI="},"nested":{"k":"v"}}`, string(raw))

	var decoded Extras
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, e.Equal(decoded))

	blob, ok := decoded.Get("blob")
	require.True(t, ok)
	assert.Equal(t, ValueBytes, blob.Type())
}

func TestExtrasDeleteKeepsOrder(t *testing.T) {
	e := NewExtras("a", 1, "b", 2, "c", 3)
	e.Delete("b")
	e.Delete("missing")
	assert.Equal(t, []string{"a", "c"}, e.Keys())
	assert.Equal(t, 2, e.Len())
}

func TestValueAccessorsRejectOtherVariants(t *testing.T) {
	v := StringValue("x")
	_, ok := v.AsNumber()
	assert.False(t, ok)

	n := NumberValue(2.5)
	_, ok = n.AsInt()
	assert.False(t, ok)

	i, ok := NumberValue(7).AsInt()
	assert.True(t, ok)
	assert.EqualValues(t, 7, i)
	assert.True(t, Value{}.IsZero())
}

func TestAsIntRejectsOutOfRange(t *testing.T) {
	for _, n := range []float64{1e300, -1e300, 9223372036854775808, math.Inf(1), math.NaN()} {
		_, ok := NumberValue(n).AsInt()
		assert.False(t, ok, "AsInt(%v)", n)
	}

	i, ok := NumberValue(math.MinInt64).AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(math.MinInt64), i)

	err := ValidateCastCommand(CastControlCommand{Command: CastCommandSetVolume, Parameter: NumberValue(1e300)})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
