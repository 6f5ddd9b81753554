package client

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DataOutput references a file produced by the server: an image, video or audio artifact.
type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

// PromptErrorMessage is the body the server answers a rejected /prompt with:
//
//	{"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", "details": "", "extra_info": {}}, "node_errors": {}}
type PromptErrorMessage struct {
	Error      PromptError     `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// HistoryRecord is one execution record of the legacy /history endpoints.
//
// The prompt member is stored as an array laid out like this:
//
//	[0] number      int
//	[1] prompt id   string
//	[2] prompt      the API workflow that was executed
//	[3] extra_data  {"client_id": ..., "extra_pnginfo": {"workflow": {...}}}
//	[4] outputs     node ids that produce outputs
type HistoryRecord struct {
	Prompt  []json.RawMessage     `json:"prompt"`
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

// NodeOutput holds a node's outputs keyed by kind ("images", "gifs", "audio", "text", ...).
// Values are kept raw because their shape depends on the kind.
type NodeOutput map[string]json.RawMessage

type HistoryStatus struct {
	StatusStr string           `json:"status_str"`
	Completed bool             `json:"completed"`
	Messages  []HistoryMessage `json:"messages"`
}

// UnmarshalJSON decodes a record leniently: a member of the wrong type is
// left at its zero value instead of failing the record.  Only a record that
// is not a JSON object is an error.
func (r *HistoryRecord) UnmarshalJSON(b []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	*r = HistoryRecord{}
	if raw, ok := members["prompt"]; ok {
		_ = json.Unmarshal(raw, &r.Prompt)
	}
	if raw, ok := members["outputs"]; ok {
		var outputs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &outputs); err == nil {
			r.Outputs = make(map[string]NodeOutput, len(outputs))
			for id, out := range outputs {
				var node NodeOutput
				if err := json.Unmarshal(out, &node); err == nil {
					r.Outputs[id] = node
				}
			}
		}
	}
	if raw, ok := members["status"]; ok {
		_ = json.Unmarshal(raw, &r.Status)
	}
	return nil
}

func (s *HistoryStatus) UnmarshalJSON(b []byte) error {
	var members struct {
		StatusStr flexString      `json:"status_str"`
		Completed flexBool        `json:"completed"`
		Messages  json.RawMessage `json:"messages"`
	}
	*s = HistoryStatus{}
	if err := json.Unmarshal(b, &members); err != nil {
		return nil
	}
	s.StatusStr = string(members.StatusStr)
	s.Completed = bool(members.Completed)
	if len(members.Messages) > 0 {
		_ = json.Unmarshal(members.Messages, &s.Messages)
	}
	return nil
}

// HistoryMessage is one ["event_name", {data}] pair of a history record's status messages.
type HistoryMessage struct {
	Name string
	Data json.RawMessage
}

func (m *HistoryMessage) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil || len(pair) == 0 {
		// tolerate anything else, it is simply not a message we can read
		return nil
	}
	_ = json.Unmarshal(pair[0], &m.Name)
	if len(pair) > 1 {
		m.Data = pair[1]
	}
	return nil
}

// message returns the data of the first status message with the given name.
func (s *HistoryStatus) message(name string) (json.RawMessage, bool) {
	for _, m := range s.Messages {
		if m.Name == name {
			return m.Data, true
		}
	}
	return nil, false
}

// messageTime returns the timestamp carried by the named status message.
func (s *HistoryStatus) messageTime(name string) (time.Time, bool) {
	data, ok := s.message(name)
	if !ok {
		return time.Time{}, false
	}
	var msg struct {
		Timestamp flexNumber `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || !msg.Timestamp.Valid {
		return time.Time{}, false
	}
	return unixTime(msg.Timestamp.Value), true
}

// JobsPage is the response of the paginated /api/jobs endpoint.
type JobsPage struct {
	Jobs       []JobRecord     `json:"jobs"`
	Pagination json.RawMessage `json:"pagination"`
}

// JobRecord is a job as reported by /api/jobs and /api/jobs/{id}.  Only the
// members read by this package are declared; they are decoded leniently.
type JobRecord struct {
	ID             flexString      `json:"id"`
	PromptID       flexString      `json:"prompt_id"`
	Name           flexString      `json:"name"`
	Status         flexString      `json:"status"`
	CreateTime     flexNumber      `json:"create_time"`
	UpdateTime     flexNumber      `json:"update_time"`
	WorkflowID     flexString      `json:"workflow_id"`
	OutputsCount   flexNumber      `json:"outputs_count"`
	ExecutionError json.RawMessage `json:"execution_error"`
	PreviewOutput  json.RawMessage `json:"preview_output"`
}

// flexString accepts a JSON string or number; anything else decodes to "".
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*s = flexString(num.String())
		return nil
	}
	*s = ""
	return nil
}

// flexBool accepts a JSON boolean or a string strconv.ParseBool understands; anything else is false.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	var bv bool
	if err := json.Unmarshal(b, &bv); err == nil {
		*v = flexBool(bv)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		if bv, err := strconv.ParseBool(strings.TrimSpace(str)); err == nil {
			*v = flexBool(bv)
			return nil
		}
	}
	*v = false
	return nil
}

// flexNumber accepts a JSON number or numeric string; anything else is not Valid.
type flexNumber struct {
	Value float64
	Valid bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = flexNumber{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = flexNumber{Value: f, Valid: true}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			*n = flexNumber{Value: f, Valid: true}
			return nil
		}
	}
	*n = flexNumber{}
	return nil
}

// millisThreshold separates unix timestamps in seconds from timestamps in milliseconds.
const millisThreshold = 1e12

// unixTime converts a unix timestamp in either seconds or milliseconds.
func unixTime(v float64) time.Time {
	ms := v
	if v < millisThreshold {
		ms = v * 1000
	}
	return time.UnixMilli(int64(ms)).UTC()
}
