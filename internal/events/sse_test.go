package events

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, types.Event{Type: types.EventProgress, RunID: "r1", Step: 2, Total: 5, Message: "voice"}))
	require.NoError(t, WriteComment(&buf, "ping"))
	require.NoError(t, WriteEvent(&buf, types.Event{Type: types.EventHeartbeat, Timestamp: 42}))

	dec := NewDecoder(&buf)

	f, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "progress", f.Event)
	ev, err := ParseEvent(f)
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, 40, ev.Percent())

	f, err = dec.Next()
	require.NoError(t, err)
	ev, err = ParseEvent(f)
	require.NoError(t, err)
	assert.Equal(t, types.EventHeartbeat, ev.Type)
	assert.Equal(t, int64(42), ev.Timestamp)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeMultilineAndMalformed(t *testing.T) {
	stream := "event: done\ndata: {\"run_id\":\"r1\",\ndata: \"success\":true}\n\nevent: progress\ndata: not-json\n\n"
	dec := NewDecoder(strings.NewReader(stream))

	f, err := dec.Next()
	require.NoError(t, err)
	ev, err := ParseEvent(f)
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())

	f, err = dec.Next()
	require.NoError(t, err)
	_, err = ParseEvent(f)
	assert.Error(t, err)
}
