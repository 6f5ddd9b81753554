package graphapi

import "strings"

// Class type markers.  Sampler and text encoder markers are matched as
// case-insensitive substrings so custom variants (KSamplerAdvanced,
// CLIPTextEncodeSDXL, ...) are recognised; the image loader must match exactly.
const (
	SamplerMarker     = "sampler"
	TextEncodeMarker  = "cliptextencode"
	ImageLoaderMarker = "loadimage"
)

type PromptMode string

const (
	PromptModeSingle PromptMode = "single"
	PromptModeDual   PromptMode = "dual"
)

// PromptBinding describes how prompts should be presented for a workflow and
// which text the workflow currently carries.
type PromptBinding struct {
	Mode                  PromptMode `json:"mode"`
	DefaultPrompt         string     `json:"defaultPrompt"`
	DefaultNegativePrompt string     `json:"defaultNegativePrompt"`
}

func singleBinding(text string) PromptBinding {
	return PromptBinding{Mode: PromptModeSingle, DefaultPrompt: text}
}

// IsPromptNode reports whether n carries prompt text: a string inputs.text on
// a text encoder, or on any node whose title mentions "prompt".
func IsPromptNode(n *PromptNode) bool {
	if _, ok := n.StringInput("text"); !ok {
		return false
	}
	return containsFold(n.ClassType(), TextEncodeMarker) || containsFold(n.Title(), "prompt")
}

// IsNegativeTitle reports whether a node title marks a negative prompt.
func IsNegativeTitle(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "negative") || strings.Contains(t, "neg")
}

// samplerWiring collects the node ids wired into the positive and negative
// inputs of every sampler node, in visiting order and without duplicates.
func samplerWiring(w *Workflow) (positive, negative []string) {
	seenPos := map[string]bool{}
	seenNeg := map[string]bool{}
	for _, id := range w.NodeIDs() {
		n := w.GetNodeById(id)
		if !containsFold(n.ClassType(), SamplerMarker) {
			continue
		}
		if ref, ok := n.InputLink("positive"); ok && !seenPos[ref] {
			seenPos[ref] = true
			positive = append(positive, ref)
		}
		if ref, ok := n.InputLink("negative"); ok && !seenNeg[ref] {
			seenNeg[ref] = true
			negative = append(negative, ref)
		}
	}
	return positive, negative
}

// firstText returns the text of the first referenced node holding a string inputs.text.
func firstText(w *Workflow, ids []string) (string, bool) {
	for _, id := range ids {
		if text, ok := w.GetNodeById(id).StringInput("text"); ok {
			return text, true
		}
	}
	return "", false
}

// ClassifyPrompts decides whether a workflow takes one prompt or a
// positive/negative pair, and returns the prompt text it currently holds.
//
// Sampler wiring is authoritative: when any sampler has a positive or negative
// link, the linked text nodes decide the result.  Otherwise node class types
// and titles are used.
func ClassifyPrompts(w *Workflow) PromptBinding {
	if w.Len() == 0 {
		return singleBinding("")
	}

	posIDs, negIDs := samplerWiring(w)
	if len(posIDs) > 0 || len(negIDs) > 0 {
		pos, _ := firstText(w, posIDs)
		neg, negOK := firstText(w, negIDs)
		if negOK {
			return PromptBinding{Mode: PromptModeDual, DefaultPrompt: pos, DefaultNegativePrompt: neg}
		}
		return singleBinding(pos)
	}

	candidates := make([]*PromptNode, 0)
	for _, id := range w.NodeIDs() {
		if n := w.GetNodeById(id); IsPromptNode(n) {
			candidates = append(candidates, n)
		}
	}

	switch len(candidates) {
	case 0:
		return singleBinding("")
	case 1:
		text, _ := candidates[0].StringInput("text")
		return singleBinding(text)
	}

	var positive, negative *PromptNode
	for _, n := range candidates {
		if IsNegativeTitle(n.Title()) {
			if negative == nil {
				negative = n
			}
		} else if positive == nil {
			positive = n
		}
	}
	if positive != nil && negative != nil {
		pos, _ := positive.StringInput("text")
		neg, _ := negative.StringInput("text")
		return PromptBinding{Mode: PromptModeDual, DefaultPrompt: pos, DefaultNegativePrompt: neg}
	}
	text, _ := candidates[0].StringInput("text")
	return singleBinding(text)
}

// ClassifyPromptsJSON classifies raw workflow JSON.  Input that is not a
// workflow object yields a single prompt binding with no default text.
func ClassifyPromptsJSON(data []byte) PromptBinding {
	w, err := ParseWorkflow(data)
	if err != nil {
		return singleBinding("")
	}
	return ClassifyPrompts(w)
}

// SupportsImageInput reports whether the workflow has an image loader node with a string image input.
func SupportsImageInput(w *Workflow) bool {
	return len(imageLoaders(w)) > 0
}

func imageLoaders(w *Workflow) []*PromptNode {
	retv := make([]*PromptNode, 0)
	for _, id := range w.NodeIDs() {
		n := w.GetNodeById(id)
		if !strings.EqualFold(n.ClassType(), ImageLoaderMarker) {
			continue
		}
		if _, ok := n.StringInput("image"); ok {
			retv = append(retv, n)
		}
	}
	return retv
}

// PromptText returns the text of the first text encoder node, or "".
// It is what job history shows as a run's prompt.
func PromptText(w *Workflow) string {
	for _, id := range w.NodeIDs() {
		n := w.GetNodeById(id)
		if !containsFold(n.ClassType(), TextEncodeMarker) {
			continue
		}
		if text, ok := n.StringInput("text"); ok {
			return text
		}
	}
	return ""
}
