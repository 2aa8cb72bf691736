package store

import (
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		v, err := From("hello")
		require.NoError(t, err)
		assert.Equal(t, KindString, v.Kind())
		assert.Equal(t, "hello", v.Text())
	})

	t.Run("int widths collapse to int64", func(t *testing.T) {
		for _, in := range []interface{}{int(7), int32(7), int64(7)} {
			v, err := From(in)
			require.NoError(t, err)
			assert.Equal(t, KindInt, v.Kind())
			n, err := v.AsInt()
			require.NoError(t, err)
			assert.Equal(t, int64(7), n)
		}
	})

	t.Run("float", func(t *testing.T) {
		v, err := From(1.5)
		require.NoError(t, err)
		assert.Equal(t, KindFloat, v.Kind())
		assert.Equal(t, "1.5", v.Text())
	})

	t.Run("bytes", func(t *testing.T) {
		v, err := From([]byte{0x01, 0x02})
		require.NoError(t, err)
		assert.Equal(t, KindBytes, v.Kind())
		assert.Equal(t, []byte{0x01, 0x02}, v.Bytes())
	})

	t.Run("unsupported kind is rejected", func(t *testing.T) {
		_, err := From(struct{ A int }{A: 1})
		var unsupported *UnsupportedValueError
		require.ErrorAs(t, err, &unsupported)
	})

	t.Run("nil is rejected", func(t *testing.T) {
		_, err := From(nil)
		var unsupported *UnsupportedValueError
		require.ErrorAs(t, err, &unsupported)
	})
}

func TestValueCoercion(t *testing.T) {
	t.Run("string value parses to int", func(t *testing.T) {
		n, err := StringValue("42").AsInt()
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)
	})

	t.Run("non numeric string fails int coercion", func(t *testing.T) {
		_, err := StringValue("forty-two").AsInt()
		assert.Error(t, err)
	})

	t.Run("int coerces to float", func(t *testing.T) {
		f, err := IntValue(3).AsFloat()
		require.NoError(t, err)
		assert.Equal(t, 3.0, f)
	})

	t.Run("bytes do not coerce to int", func(t *testing.T) {
		_, err := BytesValue([]byte("1")).AsInt()
		assert.Error(t, err)
	})
}

func TestWrapErr(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, wrapErr("set", nil))
	})

	t.Run("connection refused becomes StoreUnavailableError", func(t *testing.T) {
		err := wrapErr("set", syscall.ECONNREFUSED)
		var unavailable *StoreUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, "set", unavailable.Op)
	})

	t.Run("eof becomes StoreUnavailableError", func(t *testing.T) {
		err := wrapErr("get", io.EOF)
		var unavailable *StoreUnavailableError
		assert.ErrorAs(t, err, &unavailable)
	})

	t.Run("command errors pass through", func(t *testing.T) {
		cmdErr := errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
		err := wrapErr("get", cmdErr)
		var unavailable *StoreUnavailableError
		assert.False(t, errors.As(err, &unavailable))
		assert.Equal(t, cmdErr, err)
	})
}
