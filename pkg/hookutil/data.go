// Package hookutil provides ready-made before and after hooks.
//
// Hooks that edit params or response data work on the JSON object model:
// typed data is converted to map[string]any / []any on first edit. Field
// names may be dotted paths ("owner.name"). When data is an array each
// object element is edited.
package hookutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/morezero/sockr/pkg/commsutil"
	"github.com/morezero/sockr/pkg/rpc"
)

const logPrefix = "hookutil:data"

// generic converts v to its JSON object model.
func generic(v any) (any, error) {
	switch v.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return v, nil
	}
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode: %w", logPrefix, err)
	}
	var out any
	if err := commsutil.DecodePayload(data, &out); err != nil {
		return nil, fmt.Errorf("%s - decode: %w", logPrefix, err)
	}
	return out, nil
}

// records returns v when it is an object, or its object elements when it
// is an array.
func records(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func remove(m map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// editData converts the response data to its object model and applies fn
// to each record.
func editData(c *rpc.Context, fn func(map[string]any)) error {
	if c.Response == nil || c.Response.Data == nil {
		return nil
	}
	data, err := generic(c.Response.Data)
	if err != nil {
		return err
	}
	for _, rec := range records(data) {
		fn(rec)
	}
	c.Response.Data = data
	return nil
}

// editParams applies fn to each params record. Missing params start as an
// empty object.
func editParams(c *rpc.Context, fn func(map[string]any)) error {
	var params any
	if err := c.Params(&params); err != nil {
		return rpc.NewError(rpc.NameValidation, 400, "Invalid request params.")
	}
	if params == nil {
		params = map[string]any{}
	}
	for _, rec := range records(params) {
		fn(rec)
	}
	return c.SetParams(params)
}

// keyString renders a param value as a key part. Null and empty values
// count as missing.
func keyString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}

func mustFields(name string, fields []string) {
	if len(fields) == 0 {
		panic(fmt.Sprintf("%s - %s requires at least one field", logPrefix, name))
	}
}
