package serializer_test

import (
	"testing"

	"github.com/arcstore/tsqlite/internal/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Tags []string `json:"tags"`
}

func TestDefaultCodecRoundTrips(t *testing.T) {
	r := serializer.NewRegistry()
	c := r.Default()
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(payload{Tags: []string{"a", "b"}})
	require.NoError(t, err)

	var out payload
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, []string{"a", "b"}, out.Tags)
}

type upperCodec struct{}

func (upperCodec) Name() string { return "upper" }
func (upperCodec) Marshal(v any) ([]byte, error) {
	s, _ := v.(string)
	return []byte(s), nil
}
func (upperCodec) Unmarshal(data []byte, out any) error {
	p, ok := out.(*string)
	if ok {
		*p = string(data)
	}
	return nil
}

func TestRegisterAndSetDefault(t *testing.T) {
	r := serializer.NewRegistry()
	r.Register(upperCodec{})

	c, ok := r.Get("upper")
	require.True(t, ok)
	assert.Equal(t, "upper", c.Name())

	require.NoError(t, r.SetDefault("upper"))
	assert.Equal(t, "upper", r.Default().Name())
}

func TestSetDefaultRejectsUnknownCodec(t *testing.T) {
	r := serializer.NewRegistry()
	err := r.SetDefault("does-not-exist")
	require.Error(t, err)
}

func TestGlobalRegistryHasJSONDefault(t *testing.T) {
	assert.Equal(t, "json", serializer.Global().Default().Name())
}
