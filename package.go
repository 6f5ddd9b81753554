// Comfyrun is a Go client for ComfyUI style generative image job servers.  It
// takes an arbitrary API format workflow, finds the nodes that carry prompt
// text, submits a copy with new prompts, follows the job until it produces an
// artifact, and reads job history from both the legacy /history endpoints and
// the paginated /api/jobs endpoints as one job model.
//
// Package graphapi holds the workflow model, prompt classification and
// injection.  Package client holds the HTTP client, the run protocol and
// history reconciliation.  cmd/comfyrun is a command line front end.
package comfyrun
