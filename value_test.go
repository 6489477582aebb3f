package jsbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/jsbridge/internal/core"
)

func TestValue_NewValueIsUndefined(t *testing.T) {
	b := newTestBridge(t)
	v := NewValue(b)
	assert.NotEmpty(t, v.Name())

	got, err := ValueAs[*int](testContext(t), v)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValue_NewValueFrom(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	v := NewValueFrom(b, "({name: 'ada', langs: ['en', 'fr']})")
	require.NoError(t, v.Await(ctx))

	type person struct {
		Name  string   `json:"name"`
		Langs []string `json:"langs"`
	}
	p, err := ValueAs[person](ctx, v)
	require.NoError(t, err)
	assert.Equal(t, person{Name: "ada", Langs: []string{"en", "fr"}}, p)

	// The slot is a regular global that script can reach through String.
	n, err := Evaluate[int](ctx, b, v.String()+".langs.length")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestValue_NewValueFromFailure(t *testing.T) {
	b := newTestBridge(t)
	errs := collectErrors(b)
	ctx := testContext(t)
	v := NewValueFrom(b, "undefinedFunction()")

	err := v.Await(ctx)
	var ve *ValueEvaluationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, v.Name(), ve.Slot)
	ex, ok := AsScriptException(err)
	require.True(t, ok)
	assert.Equal(t, "ReferenceError", ex.Name)

	assert.ErrorAs(t, nextError(t, errs), &ve)

	_, err = ValueAs[int](ctx, v)
	assert.ErrorAs(t, err, &ve)
}

func TestValue_NewValueFromInsideHostFunction(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	_, err := RegisterFunc(b, "makeAnswer", func(ctx context.Context) (int, error) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		v := NewValueFrom(b, "41 + 1")
		defer v.Release()
		if err := v.AssignToGlobal(ctx, "answer"); err != nil {
			return 0, err
		}
		return ValueAs[int](ctx, v)
	})
	require.NoError(t, err)

	start := time.Now()
	n, err := Evaluate[int](ctx, b, "makeAnswer()")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Less(t, time.Since(start), time.Second)

	n, err = Evaluate[int](ctx, b, "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestValue_PromiseValues(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	v := NewValueFrom(b, "Promise.resolve(7)")

	n, err := ValueAs[int](ctx, v)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = ValueAsync[int](v).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	f, err := ValueAs[*Future[int]](ctx, v)
	require.NoError(t, err)
	n, err = f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestValue_CopyToAndAssignToGlobal(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	src := NewValueFrom(b, "[1, 2, 3]")
	dst := NewValue(b)

	require.NoError(t, src.CopyTo(ctx, dst))
	got, err := ValueAs[[]int](ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	require.NoError(t, src.AssignToGlobal(ctx, "numbers"))
	sum, err := Evaluate[int](ctx, b, "numbers.reduce(function (a, b) { return a + b; }, 0)")
	require.NoError(t, err)
	assert.Equal(t, 6, sum)

	other := newTestBridge(t)
	assert.ErrorIs(t, src.CopyTo(ctx, NewValue(other)), ErrTypeMismatch)
}

func TestValue_Release(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)
	v := NewValueFrom(b, "({})")
	require.NoError(t, v.Await(ctx))
	name := v.Name()

	v.Release()
	v.Release()
	_, err := ValueAs[any](ctx, v)
	assert.ErrorIs(t, err, ErrReleased)

	assert.Eventually(t, func() bool {
		gone, err := Evaluate[bool](ctx, b, "!("+core.JsEscape(name)+" in globalThis)")
		return err == nil && gone
	}, 5*time.Second, 10*time.Millisecond)
}

func TestValue_Identity(t *testing.T) {
	b := newTestBridge(t)
	v := NewValue(b)
	w := NewValue(b)
	assert.True(t, v.Equal(v))
	assert.False(t, v.Equal(w))
	assert.False(t, v.Equal(nil))
}

func TestValue_ScriptValuesAsHandles(t *testing.T) {
	b := newTestBridge(t)
	ctx := testContext(t)

	v, err := Evaluate[*Value](ctx, b, "({count: 1})")
	require.NoError(t, err)
	require.NotNil(t, v)

	_, err = RegisterFunc(b, "bumpCount", func(obj *Value) int {
		n, err := ValueAs[int](ctx, obj)
		if err != nil {
			return -1
		}
		return n
	})
	require.NoError(t, err)
	n, err := Evaluate[int](ctx, b, "bumpCount(3)")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := Evaluate[int](ctx, b, v.String()+".count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	v.Hold()
}
