package client

// QueueItem is the server's answer to a successful submission.  Its PromptID
// is the only identity used to follow the job afterwards.
type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}
