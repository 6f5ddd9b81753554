package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// object is a JSON object that keeps its member order and raw member values,
// so that anything we never look at is written back exactly as it was read.
type object struct {
	keys []string
	vals map[string]json.RawMessage
}

func newObject() *object {
	return &object{vals: make(map[string]json.RawMessage)}
}

var errNotObject = errors.New("json value is not an object")

// decodeObject reads a JSON object while preserving member order.
// Duplicate members keep the position of the first occurrence and the value of the last.
func decodeObject(data []byte) (*object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errNotObject
	}

	o := newObject()
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, err
		}
		o.set(key, val)
	}
	// consume the closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *object) get(key string) (json.RawMessage, bool) {
	v, ok := o.vals[key]
	return v, ok
}

func (o *object) set(key string, val json.RawMessage) {
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = val
}

func (o *object) clone() *object {
	retv := &object{
		keys: make([]string, len(o.keys)),
		vals: make(map[string]json.RawMessage, len(o.vals)),
	}
	copy(retv.keys, o.keys)
	for k, v := range o.vals {
		retv.vals[k] = append(json.RawMessage(nil), v...)
	}
	return retv
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v := o.vals[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// isIndexKey reports whether key is a canonical array index ("0", "17", never "017").
func isIndexKey(key string) bool {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	return err == nil && n < 1<<32-1
}

// OrderNodeIDs returns ids in the order a workflow's nodes are visited:
// numeric ids ascending first, then every other id in its original order.
func OrderNodeIDs(ids []string) []string {
	numeric := make([]string, 0, len(ids))
	other := make([]string, 0)
	for _, id := range ids {
		if isIndexKey(id) {
			numeric = append(numeric, id)
		} else {
			other = append(other, id)
		}
	}
	sort.SliceStable(numeric, func(i, j int) bool {
		a, _ := strconv.ParseUint(numeric[i], 10, 32)
		b, _ := strconv.ParseUint(numeric[j], 10, 32)
		return a < b
	})
	return append(numeric, other...)
}
