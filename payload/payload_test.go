package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"key1":123.4,"key2":"testString","key3":[1,"two",null],` +
	`"key4":{"subKey1":456.7,"subKey2":"anotherTestString"},"key5":null,"key6":"69","key7":true,"key8":false}`

func TestParse_AbsentValues(t *testing.T) {
	for _, s := range []string{"", "null", "undefined", "  null "} {
		v, err := Parse(s)
		require.NoError(t, err, s)
		assert.Nil(t, v, s)
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("{nope")
	assert.Error(t, err)
	_, err = Parse(`{"a":1} trailing`)
	assert.Error(t, err)
}

func TestObject_Getters(t *testing.T) {
	v, err := Parse(sample)
	require.NoError(t, err)
	obj, ok := AsObject(v)
	require.True(t, ok)

	assert.Equal(t, 8, obj.Len())
	assert.Equal(t, []string{"key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8"}, obj.Keys())

	f, _ := obj.GetFloat("key1")
	assert.Equal(t, 123.4, f)
	s, _ := obj.GetString("key2")
	assert.Equal(t, "testString", s)

	arr, ok := obj.GetArray("key3")
	require.True(t, ok)
	assert.Equal(t, `[1, "two", null]`, arr.JS(true))
	assert.True(t, arr.IsNull(2))
	assert.False(t, arr.IsNull(3))

	sub, ok := obj.GetObject("key4")
	require.True(t, ok)
	assert.Equal(t, `{subKey1: 456.7, subKey2: "anotherTestString"}`, sub.JS(true))

	assert.True(t, obj.IsNull("key5"))
	assert.False(t, obj.IsUndefined("key5"))
	assert.True(t, obj.IsUndefined("nonExisting"))

	n, ok := obj.GetInt("key6")
	assert.True(t, ok, "numeric strings are accepted")
	assert.Equal(t, 69, n)
	f, _ = obj.GetFloat("key6")
	assert.Equal(t, 69.0, f)

	b, _ := obj.GetBool("key7")
	assert.True(t, b)
	b, ok = obj.GetBool("key8")
	assert.True(t, ok)
	assert.False(t, b)
}

func TestObject_Lookup(t *testing.T) {
	v, err := Parse(`{"a":{"b":[10,{"c":"deep"}]}}`)
	require.NoError(t, err)
	obj, _ := AsObject(v)

	got, ok := obj.Lookup("a", "b", 1, "c")
	require.True(t, ok)
	assert.Equal(t, String("deep"), got)

	_, ok = obj.Lookup("a", "b", 5)
	assert.False(t, ok)
	_, ok = obj.Lookup("a", 0)
	assert.False(t, ok)
	_, ok = obj.Lookup("a", 1.5)
	assert.False(t, ok)
}

func TestObject_InsertionOrderAndSorted(t *testing.T) {
	obj := ObjectOf("zebra", 1, "apple", "x", "mid", nil)
	assert.Equal(t, `{"zebra":1,"apple":"x","mid":null}`, obj.JSON(false))
	assert.Equal(t, `{"apple":"x","mid":null,"zebra":1}`, obj.JSON(true))
	assert.Equal(t, `{apple: "x", mid: null, zebra: 1}`, obj.JS(true))

	obj.Set("apple", Bool(true))
	assert.Equal(t, []string{"zebra", "apple", "mid"}, obj.Keys(), "overwrite keeps position")
	obj.Delete("zebra")
	assert.Equal(t, []string{"apple", "mid"}, obj.Keys())
}

func TestObject_JSQuotesNonIdentifierKeys(t *testing.T) {
	obj := ObjectOf("a-b", 1, "ok_1", 2)
	assert.Equal(t, `{"a-b": 1, ok_1: 2}`, obj.JS(false))
}

func TestObject_Empty(t *testing.T) {
	obj := NewObject()
	assert.Equal(t, 0, obj.Len())
	assert.Equal(t, "{}", obj.JSON(true))
	assert.Equal(t, "{}", obj.JS(true))
}

func TestObject_String(t *testing.T) {
	obj := ObjectOf("b", 1, "a", ObjectOf("c", "x"))
	assert.Equal(t, "- a:\n  - c: \"x\"\n- b: 1\n", obj.String())
}

func TestEqual(t *testing.T) {
	a := ObjectOf("x", 1, "y", []any{true, nil})
	b := ObjectOf("y", []any{true, nil}, "x", 1)
	assert.True(t, Equal(a, b), "key order is irrelevant")
	assert.False(t, Equal(a, ObjectOf("x", 2, "y", []any{true, nil})))
	assert.True(t, Equal(nil, Null{}))
	assert.False(t, Equal(Number(1), String("1")))
}

func TestFrom(t *testing.T) {
	v, err := From(map[string]any{"b": []any{1, "s"}, "a": 2.5})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2.5,"b":[1,"s"]}`, v.JSON(false))

	_, err = From(struct{}{})
	assert.Error(t, err)
}

func TestGo(t *testing.T) {
	v, err := Parse(`{"a":[1,true,null,"s"]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{1.0, true, nil, "s"}}, Go(v))
}

func TestNumber_Formatting(t *testing.T) {
	assert.Equal(t, "3", Number(3).JSON(false))
	assert.Equal(t, "0.1", Number(0.1).JSON(false))
	assert.Equal(t, "NaN", Number(nanValue()).JS(false))
	assert.Equal(t, "null", Number(nanValue()).JSON(false))
}

func TestJSONInterop(t *testing.T) {
	type envelope struct {
		Data *Object `json:"data"`
		List Array   `json:"list"`
	}
	var e envelope
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"k":"v"},"list":[1,{"n":null}]}`), &e))
	s, _ := e.Data.GetString("k")
	assert.Equal(t, "v", s)
	require.Len(t, e.List, 2)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"k":"v"},"list":[1,{"n":null}]}`, string(out))
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}
