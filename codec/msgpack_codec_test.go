package codec

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"atom-rpc/message"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func echoBody() *message.Body {
	return &message.Body{
		Service: "Echo",
		Method:  &message.Method{Name: "echo"},
		Args:    []any{"hello"},
	}
}

func TestMsgpackTypeIsStable(t *testing.T) {
	c := NewMsgpackCodec()
	assert.Equal(t, Type(1), c.Type())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			if c.Type() != TypeMsgpack {
				return errors.Newf("unexpected type %d", c.Type())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMsgpackEchoScenario(t *testing.T) {
	c := NewMsgpackCodec()
	original := echoBody()

	s, err := c.Serialize(original)
	require.NoError(t, err)
	require.NotEmpty(t, s)

	decoded, err := c.Deserialize(s, 0)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, err = c.Deserialize(s, len(s))
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestMsgpackOffset(t *testing.T) {
	c := NewMsgpackCodec()
	original := echoBody()
	s, err := c.Serialize(original)
	require.NoError(t, err)

	for _, k := range []int{0, 1, 7, 64} {
		t.Run(fmt.Sprintf("pad=%d", k), func(t *testing.T) {
			padded := append(bytes.Repeat([]byte{0xff}, k), s...)
			decoded, err := c.Deserialize(padded, k)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}

	for _, off := range []int{-1, len(s) + 1} {
		_, err := c.Deserialize(s, off)
		var pe *ProtocolError
		require.True(t, errors.As(err, &pe), "offset %d", off)
		assert.Equal(t, TypeMsgpack, pe.Codec)
		assert.Equal(t, "deserialize", pe.Op)
		assert.True(t, errors.Is(err, ErrOffsetOutOfRange))
	}
}

func TestMsgpackNilInput(t *testing.T) {
	c := NewMsgpackCodec()

	b, err := c.Serialize(nil)
	assert.Nil(t, b)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, IsProtocolError(err))

	body, err := c.Deserialize(nil, 0)
	assert.Nil(t, body)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, IsProtocolError(err))

	// Nothing was left behind: the codec still works.
	s, err := c.Serialize(echoBody())
	require.NoError(t, err)
	_, err = c.Deserialize(s, 0)
	require.NoError(t, err)
}

func TestMsgpackMalformedInput(t *testing.T) {
	c := NewMsgpackCodec()
	s, err := c.Serialize(echoBody())
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     {},
		"truncated": s[:len(s)-1],
		"string":    {0xa3, 'a', 'b', 'c'},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			body, err := c.Deserialize(data, 0)
			assert.Nil(t, body)
			require.Error(t, err)
			assert.True(t, IsProtocolError(err), "got %v", err)
		})
	}

	// A failed call must not poison later ones.
	decoded, err := c.Deserialize(s, 0)
	require.NoError(t, err)
	assert.Equal(t, echoBody(), decoded)
}

func TestMsgpackRejectsUnsupportedValues(t *testing.T) {
	type withFunc struct{ Fn func() }

	cases := map[string]*message.Body{
		"func arg":       {Args: []any{func() {}}},
		"chan arg":       {Args: []any{make(chan int)}},
		"chan return":    {Return: make(chan struct{})},
		"nested in map":  {Return: map[string]any{"cb": func() {}}},
		"nested in list": {Args: []any{[]any{"ok", make(chan int)}}},
		"struct field":   {Args: []any{&withFunc{Fn: func() {}}}},
		"complex":        {Args: []any{complex(1, 2)}},
	}
	for _, strategy := range []FieldStrategy{FieldsCompatible, FieldsStrict} {
		c := NewMsgpackCodec(WithFieldStrategy(strategy))
		for name, body := range cases {
			t.Run(strategy.String()+"/"+name, func(t *testing.T) {
				b, err := c.Serialize(body)
				assert.Nil(t, b)
				require.Error(t, err)
				assert.True(t, IsProtocolError(err), "got %v", err)

				// Same verdict as the JSON codec.
				_, jsonErr := NewJSONCodec().Serialize(body)
				assert.True(t, IsProtocolError(jsonErr), "json accepted %s", name)
			})
		}
		// The codec keeps working afterwards.
		_, err := c.Serialize(echoBody())
		require.NoError(t, err)
	}
}

func TestMsgpackConcurrentIsolation(t *testing.T) {
	c := NewMsgpackCodec()

	var g errgroup.Group
	for w := 0; w < 32; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				want := &message.Body{
					Service: fmt.Sprintf("Worker%d", w),
					Method:  &message.Method{Name: "Call", ParamTypes: []string{"string"}},
					Args:    []any{fmt.Sprintf("payload-%d-%d", w, i)},
				}
				data, err := c.Serialize(want)
				if err != nil {
					return err
				}
				got, err := c.Deserialize(data, 0)
				if err != nil {
					return err
				}
				if !assert.ObjectsAreEqual(want, got) {
					return errors.Newf("worker %d call %d: got %+v", w, i, got)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMsgpackPurgeIsTransparent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewMsgpackCodec(WithMetrics(reg))
	built := c.metrics.built.WithLabelValues(TypeMsgpack.String())

	first, err := c.Serialize(echoBody())
	require.NoError(t, err)
	before := testutil.ToFloat64(built)
	require.GreaterOrEqual(t, before, 1.0)

	c.Purge()

	second, err := c.Serialize(echoBody())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Greater(t, testutil.ToFloat64(built), before)

	c.Purge()
	decoded, err := c.Deserialize(second, 0)
	require.NoError(t, err)
	assert.Equal(t, echoBody(), decoded)
}

func TestMsgpackFailureMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewMsgpackCodec(WithMetrics(reg))

	_, err := c.Deserialize([]byte{0xa3, 'a', 'b', 'c'}, 0)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.failures.WithLabelValues("msgpack", "deserialize")))

	// A second codec on the same registerer shares the collectors.
	other := NewMsgpackCodec(WithMetrics(reg))
	_, err = other.Deserialize([]byte{0xa3, 'a', 'b', 'c'}, 0)
	require.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.failures.WithLabelValues("msgpack", "deserialize")))
}

// bodyV2 is a newer producer's view of message.Body: one field added, two removed.
type bodyV2 struct {
	Service  string          `codec:"service"`
	Method   *message.Method `codec:"method"`
	Args     []any           `codec:"args"`
	Deadline int64           `codec:"deadline"`
}

func TestMsgpackCompatibleFields(t *testing.T) {
	producer := newEngine(FieldsCompatible)
	producer.register(bodyV2{})

	data, err := producer.encode(&bodyV2{
		Service:  "Echo",
		Method:   &message.Method{Name: "echo"},
		Args:     []any{"hello"},
		Deadline: 1500,
	})
	require.NoError(t, err)

	decoded, err := NewMsgpackCodec().Deserialize(data, 0)
	require.NoError(t, err)
	assert.Equal(t, echoBody(), decoded)
}

func TestMsgpackStrictFields(t *testing.T) {
	strict := NewMsgpackCodec(WithFieldStrategy(FieldsStrict))
	assert.Equal(t, FieldsStrict, strict.Strategy())

	s, err := strict.Serialize(echoBody())
	require.NoError(t, err)
	decoded, err := strict.Deserialize(s, 0)
	require.NoError(t, err)
	assert.Equal(t, echoBody(), decoded)

	compatible, err := NewMsgpackCodec().Serialize(echoBody())
	require.NoError(t, err)
	assert.Less(t, len(s), len(compatible))
}

func TestEngineRejectsUnregisteredType(t *testing.T) {
	e := newEngine(FieldsCompatible)
	_, err := e.encode(&bodyV2{})
	require.Error(t, err)

	var v bodyV2
	require.Error(t, e.decode([]byte{0x80}, &v))
}
