package events

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWriterRecordsBusEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLogWriter(dir)
	require.NoError(t, err)

	bus := NewBus()
	w.Attach(bus)

	bus.PublishSceneError(SceneError{SceneID: "s1", SceneName: "Intro", ErrorMessage: "boom"})
	bus.PublishSceneFixed(SceneFixed{SceneID: "s1"})
	require.NoError(t, w.Close())

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	records, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, KindSceneError, records[0].Kind)
	var ev SceneError
	require.NoError(t, json.Unmarshal(records[0].Payload, &ev))
	assert.Equal(t, "s1", ev.SceneID)
	assert.Equal(t, "boom", ev.ErrorMessage)

	assert.Equal(t, KindSceneFixed, records[1].Kind)
	assert.False(t, records[1].Timestamp.IsZero())
}

func TestLogWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewLogWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w1.write(KindSceneError, time.Now().UTC(), SceneError{SceneID: "a"}))
	require.NoError(t, w1.Close())

	w2, err := NewLogWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w2.write(KindSceneError, time.Now().UTC(), SceneError{SceneID: "b"}))
	require.NoError(t, w2.Close())

	path := filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	records, err := ReadRecords(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReadRecordsMissingFile(t *testing.T) {
	_, err := ReadRecords(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}
