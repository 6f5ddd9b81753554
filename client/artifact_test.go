package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewURL(t *testing.T) {
	tests := []struct {
		base string
		out  DataOutput
		want string
	}{
		{"http://h:8188", DataOutput{Filename: "a b.png"}, "http://h:8188/view?filename=a%20b.png&subfolder=&type=output"},
		{"http://h:8188/prompt", DataOutput{Filename: "x.png", Subfolder: "sub/dir", Type: "temp"}, "http://h:8188/view?filename=x.png&subfolder=sub%2Fdir&type=temp"},
		{"http://h:8188/", DataOutput{Filename: "a&b=c+d.png"}, "http://h:8188/view?filename=a%26b%3Dc%2Bd.png&subfolder=&type=output"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ViewURL(tt.base, tt.out))
	}
}

func decodeOutputs(t *testing.T, s string) map[string]NodeOutput {
	t.Helper()
	outputs := make(map[string]NodeOutput)
	require.NoError(t, json.Unmarshal([]byte(s), &outputs))
	return outputs
}

func TestFirstArtifactOrder(t *testing.T) {
	outputs := decodeOutputs(t, `{
		"b": {"images": [{"filename": "named.png"}]},
		"12": {"images": [{"filename": "twelve.png"}]},
		"9": {"gifs": [{"filename": "nine.gif", "type": "output"}], "images": [{"filename": "nine.png", "type": "output"}]},
		"a": {"images": [{"filename": "a.png"}]}
	}`)
	out, ok := FirstArtifact(outputs)
	require.True(t, ok)
	// numeric ids first and ascending, images before animations
	assert.Equal(t, "nine.png", out.Filename)

	delete(outputs, "9")
	delete(outputs, "12")
	out, ok = FirstArtifact(outputs)
	require.True(t, ok)
	assert.Equal(t, "a.png", out.Filename)
}

func TestFirstArtifactSkipsUnusableEntries(t *testing.T) {
	outputs := decodeOutputs(t, `{
		"1": {"text": ["hello"]},
		"2": {"images": []},
		"3": {"images": [{"filename": ""}]},
		"4": {"images": "nonsense"},
		"5": {"audio": [{"filename": "clip.flac", "subfolder": "audio", "type": "output"}]}
	}`)
	out, ok := FirstArtifact(outputs)
	require.True(t, ok)
	assert.Equal(t, DataOutput{Filename: "clip.flac", Subfolder: "audio", Type: "output"}, out)

	_, ok = FirstArtifact(decodeOutputs(t, `{"1": {"text": ["hello"]}}`))
	assert.False(t, ok)
	_, ok = FirstArtifact(nil)
	assert.False(t, ok)
}

func TestDecodeArtifact(t *testing.T) {
	out, ok := decodeArtifact(json.RawMessage(`{"filename": "one.png", "type": "temp"}`))
	require.True(t, ok)
	assert.Equal(t, "one.png", out.Filename)

	out, ok = decodeArtifact(json.RawMessage(`[{"filename": "first.png"}, {"filename": "second.png"}]`))
	require.True(t, ok)
	assert.Equal(t, "first.png", out.Filename)

	for _, raw := range []string{``, `null`, `[]`, `{}`, `"x.png"`} {
		_, ok := decodeArtifact(json.RawMessage(raw))
		assert.False(t, ok, raw)
	}
}

func TestCountArtifacts(t *testing.T) {
	outputs := decodeOutputs(t, `{
		"1": {"images": [{"filename": "a.png"}, {"filename": "b.png"}]},
		"2": {"gifs": [{"filename": "c.gif"}], "text": ["ignored"]}
	}`)
	assert.Equal(t, 3, countArtifacts(outputs))
}

func TestGetImage(t *testing.T) {
	var query atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte("image bytes"))
	}))
	defer ts.Close()

	data, err := NewComfyClient(ts.URL).GetImage(context.Background(), DataOutput{Filename: "a b.png", Subfolder: "s"})
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), data)
	assert.Equal(t, "filename=a%20b.png&subfolder=s&type=output", query.Load())
}
