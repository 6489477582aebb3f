package jsbridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/jsbridge/payload"
)

type point struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Label string `json:"label,omitempty"`
}

func TestMarshal_NumericNarrowing(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	i8, err := Evaluate[int8](ctx, b, "300")
	require.NoError(t, err)
	assert.Equal(t, int8(127), i8)

	i8, err = Evaluate[int8](ctx, b, "-300")
	require.NoError(t, err)
	assert.Equal(t, int8(-128), i8)

	u8, err := Evaluate[uint8](ctx, b, "-5")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), u8)

	n, err := Evaluate[int](ctx, b, "3.9")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = Evaluate[int](ctx, b, "-3.9")
	require.NoError(t, err)
	assert.Equal(t, -3, n)

	n, err = Evaluate[int](ctx, b, "NaN")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f, err := Evaluate[float64](ctx, b, "-Infinity")
	require.NoError(t, err)
	assert.True(t, math.IsInf(f, -1))

	f, err = Evaluate[float64](ctx, b, "NaN")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(f))

	f32, err := Evaluate[float32](ctx, b, "0.5")
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), f32)
}

func TestMarshal_Nullability(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	_, err := Evaluate[int](ctx, b, "null")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	p, err := Evaluate[*int](ctx, b, "undefined")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Evaluate[*int](ctx, b, "12")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 12, *p)

	s, err := Evaluate[[]int](ctx, b, "null")
	require.NoError(t, err)
	assert.Nil(t, s)

	m, err := Evaluate[map[string]int](ctx, b, "null")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMarshal_BoolIsStrict(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	v, err := Evaluate[bool](ctx, b, "1 < 2")
	require.NoError(t, err)
	assert.True(t, v)

	_, err = Evaluate[bool](ctx, b, "1")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

// echoThroughScript registers a host identity function for T and checks
// that every value survives host to script to host unchanged.
func echoThroughScript[T comparable](t *testing.T, b *Bridge, name string, values ...T) {
	t.Helper()
	ctx := testContext(t)
	_, err := RegisterFunc(b, name, func(x T) T { return x })
	require.NoError(t, err)
	through, err := Evaluate[func(T) T](ctx, b, "(function (x) { return "+name+"(x); })")
	require.NoError(t, err)
	for _, v := range values {
		assert.Equal(t, v, through(v), "%s(%v)", name, v)
	}
}

func TestMarshal_PrimitivesRoundTrip(t *testing.T) {
	b := newTestBridge(t)

	echoThroughScript(t, b, "echoInt8", int8(0), int8(-1), int8(math.MinInt8), int8(math.MaxInt8))
	echoThroughScript(t, b, "echoInt16", int16(0), int16(math.MinInt16), int16(math.MaxInt16))
	echoThroughScript(t, b, "echoInt32", int32(0), int32(math.MinInt32), int32(math.MaxInt32))
	echoThroughScript(t, b, "echoInt64", int64(0), int64(-1<<53), int64(1<<53), int64(math.MinInt64), int64(math.MaxInt64))
	echoThroughScript(t, b, "echoInt", 0, -7, 1<<40)
	echoThroughScript(t, b, "echoUint8", uint8(0), uint8(math.MaxUint8))
	echoThroughScript(t, b, "echoUint16", uint16(0), uint16(math.MaxUint16))
	echoThroughScript(t, b, "echoUint32", uint32(0), uint32(math.MaxUint32))
	echoThroughScript(t, b, "echoUint64", uint64(0), uint64(1<<53), uint64(math.MaxUint64))
	echoThroughScript(t, b, "echoFloat32", float32(0), float32(0.1), float32(-2.5), float32(math.MaxFloat32), float32(math.SmallestNonzeroFloat32))
	echoThroughScript(t, b, "echoFloat64", 0.0, 0.1, -1e300, math.MaxFloat64, math.SmallestNonzeroFloat64)
	echoThroughScript(t, b, "echoBool", true, false)
	echoThroughScript(t, b, "echoString", "", "plain", "quote \" ' and \\ back", "line\nbreak", "ünïcödé ✓", "\u2028 separator")
}

func TestMarshal_StringsFromPrimitives(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	for src, want := range map[string]string{
		"'plain'":  "plain",
		"42":       "42",
		"-0":       "0",
		"0.1":      "0.1",
		"1e21":     "1e+21",
		"1000000":  "1000000",
		"true":     "true",
		"NaN":      "NaN",
		"Infinity": "Infinity",
	} {
		got, err := Evaluate[string](ctx, b, src)
		require.NoError(t, err, src)
		native, err := Evaluate[string](ctx, b, "String("+src+")")
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
		assert.Equal(t, native, got, src)
	}
}

func TestMarshal_StringsRejectComposites(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	for _, src := range []string{"[1, 2]", "({a: 1})", "(function () {})"} {
		_, err := Evaluate[string](ctx, b, src)
		assert.ErrorIs(t, err, ErrTypeMismatch, src)
	}

	_, err := Evaluate[string](ctx, b, "undefined")
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Contains(t, err.Error(), "cannot convert script undefined")

	_, err = Evaluate[string](ctx, b, "null")
	require.ErrorIs(t, err, ErrTypeMismatch)
	assert.Contains(t, err.Error(), "cannot convert script null")
}

func TestMarshal_Arrays(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	s, err := Evaluate[[]int](ctx, b, "[1, 2, 3]")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, s)

	a, err := Evaluate[[2]int](ctx, b, "[1, 2, 3]")
	require.NoError(t, err)
	assert.Equal(t, [2]int{1, 2}, a)

	grid, err := Evaluate[[][]float64](ctx, b, "[[1, 2], [], [3.5]]")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}, {}, {3.5}}, grid)

	opt, err := Evaluate[[]*string](ctx, b, "['a', null]")
	require.NoError(t, err)
	require.Len(t, opt, 2)
	assert.Equal(t, "a", *opt[0])
	assert.Nil(t, opt[1])

	_, err = Evaluate[[]int](ctx, b, "({length: 2})")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Evaluate[[]int](ctx, b, "[1, null]")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestMarshal_Objects(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	p, err := Evaluate[point](ctx, b, "({x: 1, Y: 2, extra: true})")
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2}, p)

	m, err := Evaluate[map[string]float64](ctx, b, "({a: 1, b: 2.5})")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1, "b": 2.5}, m)

	nested, err := Evaluate[map[string][]point](ctx, b, "({line: [{x: 0, y: 0}, {x: 3, y: 4, label: 'end'}]})")
	require.NoError(t, err)
	assert.Equal(t, []point{{}, {X: 3, Y: 4, Label: "end"}}, nested["line"])

	_, err = Evaluate[point](ctx, b, "[1, 2]")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestMarshal_PayloadAndAny(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	pv, err := Evaluate[payload.Value](ctx, b, "({list: [1, 'b', null], nested: {ok: true}})")
	require.NoError(t, err)
	obj, ok := payload.AsObject(pv)
	require.True(t, ok)
	list, ok := obj.Get("list")
	require.True(t, ok)
	assert.Equal(t, `[1,"b",null]`, payload.Encode(list, true))

	arr, err := Evaluate[payload.Array](ctx, b, "[true]")
	require.NoError(t, err)
	assert.Len(t, arr, 1)

	_, err = Evaluate[payload.Array](ctx, b, "({})")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	v, err := Evaluate[any](ctx, b, "({a: 1, b: ['x'], c: null})")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{"x"}, "c": nil}, v)
}

func TestMarshal_ScriptFunctionAsGoFunc(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	double, err := Evaluate[func(int) int](ctx, b, "(function (x) { return x * 2; })")
	require.NoError(t, err)
	assert.Equal(t, 42, double(21))

	fail, err := Evaluate[func() error](ctx, b, "(function () { throw new Error('inside'); })")
	require.NoError(t, err)
	err = fail()
	require.Error(t, err)
	ex, ok := AsScriptException(err)
	require.True(t, ok)
	assert.Equal(t, "inside", ex.Message)

	async, err := Evaluate[func(string) *Future[string]](ctx, b, "(async function (s) { return s + '!'; })")
	require.NoError(t, err)
	out, err := async("hey").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hey!", out)
}

func TestMarshal_FireAndForgetCallReportsErrors(t *testing.T) {
	b := newTestBridge(t)
	errs := collectErrors(b)

	notify, err := Evaluate[func(string)](testContext(t), b, "(function (s) { throw new Error(s); })")
	require.NoError(t, err)
	notify("async failure")

	var fe *FunctionCallError
	require.ErrorAs(t, nextError(t, errs), &fe)
	assert.Equal(t, NativeToScript, fe.Direction)
}

func TestMarshal_HostValuesReachScript(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	_, err := RegisterFunc(b, "origin", func() point { return point{X: 1, Y: 2, Label: "o"} })
	require.NoError(t, err)
	_, err = RegisterFunc(b, "table", func() map[string][]int { return map[string][]int{"b": {2}, "a": {1}} })
	require.NoError(t, err)
	_, err = RegisterFunc(b, "nothing", func() *point { return nil })
	require.NoError(t, err)

	s, err := Evaluate[string](ctx, b, "JSON.stringify([origin(), table(), nothing()])")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"x":1,"y":2,"label":"o"},{"a":[1],"b":[2]},null]`, s)

	_, err = RegisterFunc(b, "special", func() []float64 { return []float64{math.NaN(), math.Inf(1)} })
	require.NoError(t, err)
	ok, err := Evaluate[bool](ctx, b, "var sp = special(); isNaN(sp[0]) && sp[1] === Infinity")
	require.NoError(t, err)
	assert.True(t, ok)
}

var errBoom = errors.New("boom")

func TestMarshal_HostErrorsKeepTheirCause(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	_, err := RegisterFunc(b, "fail", func() (int, error) { return 0, fmt.Errorf("outer: %w", errBoom) })
	require.NoError(t, err)

	_, err = Evaluate[int](ctx, b, "fail()")
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	_, ok := AsScriptException(err)
	assert.True(t, ok)

	msg, err := Evaluate[string](ctx, b, "try { fail(); 'no error' } catch (e) { e.message + ' / ' + e.cause.message }")
	require.NoError(t, err)
	assert.Equal(t, "outer: boom / boom", msg)
}

func TestMarshal_HostPanicBecomesScriptError(t *testing.T) {
	b := newTestBridge(t)
	_, err := RegisterFunc(b, "explode", func() int { panic("kaboom") })
	require.NoError(t, err)

	caught, err := Evaluate[string](testContext(t), b, "try { explode(); '' } catch (e) { e.message }")
	require.NoError(t, err)
	assert.Contains(t, caught, "kaboom")
}

func TestMarshal_ArgumentConversion(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	_, err := RegisterFunc(b, "sum", func(xs ...int) int {
		total := 0
		for _, x := range xs {
			total += x
		}
		return total
	})
	require.NoError(t, err)
	_, err = RegisterFunc(b, "greet", func(ctx context.Context, name string, excited *bool) string {
		if ctx == nil {
			return "no context"
		}
		if excited != nil && *excited {
			return "Hello, " + name + "!"
		}
		return "Hello, " + name
	})
	require.NoError(t, err)
	_, err = RegisterFunc(b, "strictBool", func(v bool) bool { return !v })
	require.NoError(t, err)

	n, err := Evaluate[int](ctx, b, "sum(1, 2, 3) + sum()")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	s, err := Evaluate[string](ctx, b, "greet('Ada') + ' / ' + greet('Bob', true)")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada / Hello, Bob!", s)

	msg, err := Evaluate[string](ctx, b, "try { strictBool('yes'); '' } catch (e) { e.message }")
	require.NoError(t, err)
	assert.Contains(t, msg, "cannot convert")
}

func TestMarshal_CallbacksIntoScript(t *testing.T) {
	b := newTestBridge(t)
	_, err := RegisterFunc(b, "apply", func(f func(int) int, x int) int { return f(x) })
	require.NoError(t, err)

	n, err := Evaluate[int](testContext(t), b, "apply(function (x) { return x + 1; }, 1)")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarshal_HostFutureBecomesPromise(t *testing.T) {
	b := newTestBridge(t)
	_, err := RegisterFunc(b, "later", func(x int) *Future[int] {
		f := NewFuture[int]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Complete(x * 3)
		}()
		return f
	})
	require.NoError(t, err)
	_, err = RegisterFunc(b, "broken", func() *Future[int] { return Failed[int](errBoom) })
	require.NoError(t, err)

	ctx := testContext(t)
	n, err := Evaluate[int](ctx, b, "later(3).then(function (x) { return x + 1; })")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	msg, err := Evaluate[string](ctx, b, "broken().then(function () { return 'resolved'; }, function (e) { return e.message; })")
	require.NoError(t, err)
	assert.Equal(t, "boom", msg)
}
