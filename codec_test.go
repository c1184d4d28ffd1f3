package taskpipe

import (
	"encoding/json"
	"testing"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envelopeFields = []string{"taskId", "currentState", "output", "creationTime", "lastUpdateTime"}

func TestCodec_JSONFieldNames(t *testing.T) {
	st := NewTaskStatus("t1", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	st.Output = []string{"a"}
	b, err := JSON().Marshal(st)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, f := range envelopeFields {
		assert.Contains(t, m, f)
	}
	assert.Equal(t, "SUBMITTED", m["currentState"])
	assert.NotContains(t, m, "input")

	var back TaskStatus
	require.NoError(t, JSON().Unmarshal(b, &back))
	assert.True(t, st.CreationTime.Equal(back.CreationTime))
	assert.Equal(t, st.Output, back.Output)
}

func TestCodec_CBORFieldNamesAndDeterminism(t *testing.T) {
	c, err := CBOR()
	require.NoError(t, err)
	st := NewTaskStatus("t1", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	st.Input = []byte{1, 2, 3}

	b1, err := c.Marshal(st)
	require.NoError(t, err)
	b2, err := c.Marshal(st)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	var m map[string]any
	require.NoError(t, cbor.Unmarshal(b1, &m))
	for _, f := range envelopeFields {
		assert.Contains(t, m, f)
	}

	var back TaskStatus
	require.NoError(t, c.Unmarshal(b1, &back))
	assert.Equal(t, "t1", back.TaskID)
	assert.Equal(t, []byte{1, 2, 3}, back.Input)
	assert.True(t, st.LastUpdateTime.Equal(back.LastUpdateTime))
}

func TestCodecRegistry_Lookup(t *testing.T) {
	r, err := newCodecRegistry()
	require.NoError(t, err)
	cases := [][2]string{
		{"", ContentTypeJSON},
		{"JSON", ContentTypeJSON},
		{" json ", ContentTypeJSON},
		{ContentTypeJSON, ContentTypeJSON},
		{"cbor", ContentTypeCBOR},
		{ContentTypeCBOR, ContentTypeCBOR},
	}
	for _, tc := range cases {
		c, err := r.get(tc[0])
		require.NoError(t, err, tc[0])
		assert.Equal(t, tc[1], c.ContentType())
	}
	_, err = r.get("yaml")
	assert.Error(t, err)
}
