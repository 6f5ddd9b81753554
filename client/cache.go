package client

import "sync"

// PromptCache remembers the prompt text of jobs by job id for the life of the
// process.  Writers for a given id always derive the same text, so last write wins.
type PromptCache struct {
	mu      sync.RWMutex
	prompts map[string]string
}

func NewPromptCache() *PromptCache {
	return &PromptCache{prompts: make(map[string]string)}
}

func (pc *PromptCache) Get(id string) (string, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.prompts[id]
	return p, ok
}

func (pc *PromptCache) Set(id, prompt string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prompts[id] = prompt
}

func (pc *PromptCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.prompts)
}

func (pc *PromptCache) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prompts = make(map[string]string)
}
