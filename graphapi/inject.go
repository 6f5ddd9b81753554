package graphapi

// InjectPrompt overwrites inputs.text on every prompt node (see IsPromptNode)
// and returns how many nodes were changed.  A result of 0 means the workflow
// has no prompt target.
//
// InjectPrompt mutates w; callers holding a workflow they want to keep should
// pass a Clone.
func InjectPrompt(w *Workflow, text string) int {
	count := 0
	for _, id := range w.NodeIDs() {
		n := w.GetNodeById(id)
		if !IsPromptNode(n) {
			continue
		}
		if err := n.SetInput("text", text); err == nil {
			count++
		}
	}
	return count
}

// InjectPrompts fills a positive/negative workflow.  Each target node gets
// either the positive or the negative text, with roles decided the same way
// ClassifyPrompts decides them: sampler wiring when present, otherwise the
// node title.  Returns the total number of nodes changed.
func InjectPrompts(w *Workflow, positive, negative string) int {
	posIDs, negIDs := samplerWiring(w)
	wired := len(posIDs) > 0 || len(negIDs) > 0

	negSet := make(map[string]bool, len(negIDs))
	for _, id := range negIDs {
		negSet[id] = true
	}
	posSet := make(map[string]bool, len(posIDs))
	for _, id := range posIDs {
		posSet[id] = true
	}

	count := 0
	for _, id := range w.NodeIDs() {
		n := w.GetNodeById(id)
		if _, ok := n.StringInput("text"); !ok {
			continue
		}
		if !IsPromptNode(n) && !posSet[id] && !negSet[id] {
			continue
		}

		isNegative := IsNegativeTitle(n.Title())
		if wired {
			isNegative = negSet[id]
		}

		text := positive
		if isNegative {
			text = negative
		}
		if err := n.SetInput("text", text); err == nil {
			count++
		}
	}
	return count
}

// SetInputImage points every image loader node at the named (already uploaded)
// image and returns how many nodes were changed.
func SetInputImage(w *Workflow, name string) int {
	count := 0
	for _, n := range imageLoaders(w) {
		if err := n.SetInput("image", name); err == nil {
			count++
		}
	}
	return count
}
