package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueZeroIsNull(t *testing.T) {
	var v Value
	assert.False(t, v.Valid)
	assert.True(t, v.Equal(Null()))
	assert.False(t, v.Equal(Int(0)), "null is never zero")
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Int(5).Equal(Int(5)))
	assert.False(t, Int(5).Equal(Int(6)))
	assert.True(t, Null().Equal(Value{N: 9}), "payload of a null value is ignored")
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "...", Null().String())
	assert.Equal(t, "0", Int(0).String())
	assert.Equal(t, "-3", Int(-3).String())
}

func TestValueJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Value{"a": Int(402), "b": Null()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":402,"b":null}`, string(data))

	var got map[string]Value
	require.NoError(t, json.Unmarshal([]byte(`{"a": 402, "b": null}`), &got))
	assert.Equal(t, Int(402), got["a"])
	assert.Equal(t, Null(), got["b"])
}

func TestValueUnmarshalRejectsNonIntegers(t *testing.T) {
	tests := []string{`1.5`, `"12"`, `true`, `1e3`}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			var v Value
			assert.Error(t, json.Unmarshal([]byte(in), &v))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	// "é" composed and decomposed.
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, NormalizeKey(composed), NormalizeKey(decomposed))
	assert.Equal(t, "waves", NormalizeKey("  waves\t"))
}
