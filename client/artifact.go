package client

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/richinsley/comfyrun/graphapi"
)

// artifactKinds are the output kinds that can hold a viewable artifact, in preference order.
var artifactKinds = []string{"images", "gifs", "videos", "video", "audio"}

// ViewURL builds the /view URL of an artifact.  Type defaults to "output".
func ViewURL(baseURL string, out DataOutput) string {
	return NormalizeBaseURL(baseURL) + viewPath(out)
}

func viewPath(out DataOutput) string {
	typ := out.Type
	if typ == "" {
		typ = string(OutputImageType)
	}
	return "/view?filename=" + encodeQueryComponent(out.Filename) +
		"&subfolder=" + encodeQueryComponent(out.Subfolder) +
		"&type=" + encodeQueryComponent(typ)
}

// ViewURL builds the /view URL of an artifact on this client's server.
func (c *ComfyClient) ViewURL(out DataOutput) string {
	return ViewURL(c.baseURL, out)
}

// encodeQueryComponent percent-encodes s for use as a query value, encoding
// spaces as %20 rather than "+".
func encodeQueryComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// decodeArtifact reads a preview/output entry, accepting either a single
// object or a list whose first entry is used.
func decodeArtifact(raw json.RawMessage) (DataOutput, bool) {
	if len(raw) == 0 {
		return DataOutput{}, false
	}
	var list []DataOutput
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 && list[0].Filename != "" {
			return list[0], true
		}
		return DataOutput{}, false
	}
	var single DataOutput
	if err := json.Unmarshal(raw, &single); err == nil && single.Filename != "" {
		return single, true
	}
	return DataOutput{}, false
}

// FirstArtifact finds the first artifact in a job's per-node outputs.  Nodes
// are visited in workflow order and, within a node, images are preferred over
// animations, video and audio.
func FirstArtifact(outputs map[string]NodeOutput) (DataOutput, bool) {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range graphapi.OrderNodeIDs(ids) {
		out := outputs[id]
		for _, kind := range artifactKinds {
			raw, ok := out[kind]
			if !ok {
				continue
			}
			var list []DataOutput
			if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 || list[0].Filename == "" {
				continue
			}
			return list[0], true
		}
	}
	return DataOutput{}, false
}

// countArtifacts counts the artifact entries across all nodes.
func countArtifacts(outputs map[string]NodeOutput) int {
	count := 0
	for _, out := range outputs {
		for _, kind := range artifactKinds {
			var list []json.RawMessage
			if err := json.Unmarshal(out[kind], &list); err == nil {
				count += len(list)
			}
		}
	}
	return count
}
