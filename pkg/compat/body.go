package compat

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DecorateBody applies the profile's wire-level adjustments to an encoded
// request body: extra fields merged in, listed fields dropped, and field
// mappings moved. The body must be a JSON object.
func DecorateBody(p *Profile, body []byte) ([]byte, error) {
	if len(p.ExtraBody) == 0 && len(p.DropBodyFields) == 0 && len(p.RequestMappings) == 0 {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	for k, v := range p.ExtraBody {
		obj[k] = v
	}
	for _, f := range p.DropBodyFields {
		deletePath(obj, f)
	}
	for _, m := range p.RequestMappings {
		movePath(obj, m.From, m.To)
	}
	return json.Marshal(obj)
}

// MapResponseBody applies the profile's response field mappings to a raw
// upstream body before canonical decoding.
func MapResponseBody(p *Profile, body []byte) ([]byte, error) {
	if len(p.ResponseMappings) == 0 {
		return body, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body, nil // non-object bodies pass through
	}
	for _, m := range p.ResponseMappings {
		movePath(obj, m.From, m.To)
	}
	return json.Marshal(obj)
}

// walkPath descends through maps and arrays; numeric segments index into
// arrays.
func walkPath(obj map[string]any, segs []string) (map[string]any, bool) {
	var cur any = obj
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	m, ok := cur.(map[string]any)
	return m, ok
}

func lookupPath(obj map[string]any, path string) (parent map[string]any, key string, ok bool) {
	segs := strings.Split(path, ".")
	parent, ok = walkPath(obj, segs[:len(segs)-1])
	if !ok {
		return nil, "", false
	}
	key = segs[len(segs)-1]
	_, ok = parent[key]
	return parent, key, ok
}

func deletePath(obj map[string]any, path string) {
	if parent, key, ok := lookupPath(obj, path); ok {
		delete(parent, key)
	}
}

// movePath relocates a value between dot paths. Intermediate map segments
// on the destination are created as needed; array segments must exist.
func movePath(obj map[string]any, from, to string) {
	parent, key, ok := lookupPath(obj, from)
	if !ok {
		return
	}
	val := parent[key]
	delete(parent, key)

	segs := strings.Split(to, ".")
	var cur any = obj
	for i := 0; i < len(segs)-1; i++ {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[segs[i]]
			if !ok {
				m := map[string]any{}
				node[segs[i]] = m
				cur = m
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(segs[i])
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			cur = node[idx]
		default:
			return
		}
	}
	if m, ok := cur.(map[string]any); ok {
		m[segs[len(segs)-1]] = val
	}
}
