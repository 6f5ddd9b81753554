package graphapi

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Workflow is an API format workflow: a JSON object mapping node ids to nodes.
// Only class_type, inputs and _meta.title are ever interpreted; every other
// byte of the document is carried through untouched.
type Workflow struct {
	ids   []string
	nodes map[string]*PromptNode
}

// PromptNode is a single node of a Workflow.
//
// A node is expected to look like:
//
//	{"class_type": "CLIPTextEncode", "inputs": {"text": "...", "clip": ["4", 1]}, "_meta": {"title": "Positive Prompt"}}
//
// but any of those members may be missing, and the node itself may not even be
// an object.  Accessors return zero values in those cases.
type PromptNode struct {
	obj *object         // nil when the node is not a JSON object
	raw json.RawMessage // the original value when obj is nil
}

// NewWorkflow returns an empty workflow.
func NewWorkflow() *Workflow {
	return &Workflow{nodes: make(map[string]*PromptNode)}
}

// ParseWorkflow decodes an API format workflow.  The top level value must be an object.
func ParseWorkflow(data []byte) (*Workflow, error) {
	w := &Workflow{}
	if err := json.Unmarshal(data, w); err != nil {
		return nil, err
	}
	return w, nil
}

// LoadWorkflowFile reads an API format workflow from a JSON file.
func LoadWorkflowFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkflow(data)
}

func (w *Workflow) UnmarshalJSON(b []byte) error {
	o, err := decodeObject(b)
	if err != nil {
		if errors.Is(err, errNotObject) {
			return errors.New("workflow must be a JSON object of nodes")
		}
		return err
	}
	w.ids = o.keys
	w.nodes = make(map[string]*PromptNode, len(o.keys))
	for _, id := range o.keys {
		w.nodes[id] = newPromptNode(o.vals[id])
	}
	return nil
}

func (w *Workflow) MarshalJSON() ([]byte, error) {
	o := newObject()
	for _, id := range w.ids {
		b, err := w.nodes[id].MarshalJSON()
		if err != nil {
			return nil, err
		}
		o.set(id, b)
	}
	return o.MarshalJSON()
}

// Len returns the number of nodes in the workflow.
func (w *Workflow) Len() int {
	if w == nil {
		return 0
	}
	return len(w.ids)
}

// NodeIDs returns the node ids in visiting order (see OrderNodeIDs).
func (w *Workflow) NodeIDs() []string {
	if w == nil {
		return nil
	}
	return OrderNodeIDs(w.ids)
}

// GetNodeById returns the node with the given id, or nil.
func (w *Workflow) GetNodeById(id string) *PromptNode {
	if w == nil {
		return nil
	}
	return w.nodes[id]
}

// SetNode adds or replaces a node.
func (w *Workflow) SetNode(id string, n *PromptNode) {
	if w.nodes == nil {
		w.nodes = make(map[string]*PromptNode)
	}
	if _, ok := w.nodes[id]; !ok {
		w.ids = append(w.ids, id)
	}
	w.nodes[id] = n
}

// Clone returns a deep, independent copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	retv := &Workflow{
		ids:   make([]string, len(w.ids)),
		nodes: make(map[string]*PromptNode, len(w.nodes)),
	}
	copy(retv.ids, w.ids)
	for id, n := range w.nodes {
		retv.nodes[id] = n.clone()
	}
	return retv
}

// NewPromptNode builds a node from its class type, inputs and optional title.
func NewPromptNode(classType string, inputs map[string]interface{}, title string) (*PromptNode, error) {
	o := newObject()
	in := newObject()
	names := make([]string, 0, len(inputs))
	for k := range inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b, err := json.Marshal(inputs[k])
		if err != nil {
			return nil, err
		}
		in.set(k, b)
	}
	inb, _ := in.MarshalJSON()
	o.set("inputs", inb)
	ct, _ := json.Marshal(classType)
	o.set("class_type", ct)
	if title != "" {
		meta, _ := json.Marshal(map[string]string{"title": title})
		o.set("_meta", meta)
	}
	return &PromptNode{obj: o}, nil
}

func newPromptNode(raw json.RawMessage) *PromptNode {
	o, err := decodeObject(raw)
	if err != nil {
		return &PromptNode{raw: append(json.RawMessage(nil), raw...)}
	}
	return &PromptNode{obj: o}
}

func (n *PromptNode) clone() *PromptNode {
	if n == nil {
		return nil
	}
	if n.obj == nil {
		return &PromptNode{raw: append(json.RawMessage(nil), n.raw...)}
	}
	return &PromptNode{obj: n.obj.clone()}
}

func (n *PromptNode) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	if n.obj == nil {
		if len(n.raw) == 0 {
			return []byte("null"), nil
		}
		return n.raw, nil
	}
	return n.obj.MarshalJSON()
}

func (n *PromptNode) stringMember(o *object, key string) (string, bool) {
	if o == nil {
		return "", false
	}
	raw, ok := o.get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ClassType returns the node's class_type, or "" when absent or not a string.
func (n *PromptNode) ClassType() string {
	if n == nil {
		return ""
	}
	s, _ := n.stringMember(n.obj, "class_type")
	return s
}

// Title returns _meta.title, or "".
func (n *PromptNode) Title() string {
	if n == nil || n.obj == nil {
		return ""
	}
	raw, ok := n.obj.get("_meta")
	if !ok {
		return ""
	}
	meta, err := decodeObject(raw)
	if err != nil {
		return ""
	}
	s, _ := n.stringMember(meta, "title")
	return s
}

func (n *PromptNode) inputs() *object {
	if n == nil || n.obj == nil {
		return nil
	}
	raw, ok := n.obj.get("inputs")
	if !ok {
		return nil
	}
	in, err := decodeObject(raw)
	if err != nil {
		return nil
	}
	return in
}

// StringInput returns the named input when it holds a string.
func (n *PromptNode) StringInput(name string) (string, bool) {
	return n.stringMember(n.inputs(), name)
}

// InputLink returns the node id referenced by the named input when it holds
// a [nodeId, outputIndex] link.
func (n *PromptNode) InputLink(name string) (string, bool) {
	in := n.inputs()
	if in == nil {
		return "", false
	}
	raw, ok := in.get(name)
	if !ok {
		return "", false
	}
	var link []interface{}
	if err := json.Unmarshal(raw, &link); err != nil || len(link) != 2 {
		return "", false
	}
	switch id := link[0].(type) {
	case string:
		return id, true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	}
	return "", false
}

// SetInput sets the named input to v.  Nodes that are not objects, or whose
// inputs member is not an object, are left alone and an error is returned.
func (n *PromptNode) SetInput(name string, v interface{}) error {
	if n == nil || n.obj == nil {
		return errors.New("node is not an object")
	}
	in := newObject()
	if raw, ok := n.obj.get("inputs"); ok {
		var err error
		if in, err = decodeObject(raw); err != nil {
			return errors.New("node inputs is not an object")
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	in.set(name, b)
	inb, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	n.obj.set("inputs", inb)
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
