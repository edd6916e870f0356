package docstore

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// resolveValue replaces sentinels in a value written by Set or Add.
// An increment on a fresh document stores n.
func resolveValue(v any, now time.Time) any {
	switch tv := v.(type) {
	case serverTimestampOp:
		return now
	case incrementOp:
		return tv.n
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = resolveValue(inner, now)
		}
		return out
	default:
		return copyValue(v)
	}
}

func resolveData(data map[string]any, now time.Time) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return resolveValue(data, now).(map[string]any)
}

// applyUpdates applies dotted-path updates to data in place.
func applyUpdates(data map[string]any, updates []Update, now time.Time) error {
	for _, u := range updates {
		keys := strings.Split(u.Path, ".")
		for _, k := range keys {
			if k == "" {
				return fmt.Errorf("docstore: invalid field path %q", u.Path)
			}
		}

		parent := data
		for _, k := range keys[:len(keys)-1] {
			next, ok := parent[k].(map[string]any)
			if !ok {
				next = map[string]any{}
				parent[k] = next
			}
			parent = next
		}

		leaf := keys[len(keys)-1]
		switch v := u.Value.(type) {
		case incrementOp:
			parent[leaf] = addNumber(parent[leaf], v.n)
		case serverTimestampOp:
			parent[leaf] = now
		default:
			parent[leaf] = resolveValue(u.Value, now)
		}
	}
	return nil
}

func addNumber(current any, n int64) any {
	switch c := current.(type) {
	case float64:
		if c == math.Trunc(c) {
			return int64(c) + n
		}
		return c + float64(n)
	case float32:
		return float64(c) + float64(n)
	default:
		if i, ok := toInt64(current); ok {
			return i + n
		}
		return n
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// copyValue deep-copies maps and slices so stored data never aliases caller data.
func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, inner := range tv {
			out[k] = copyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, inner := range tv {
			out[i] = copyValue(inner)
		}
		return out
	case []string:
		out := make([]any, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return copyValue(data).(map[string]any)
}

// fieldValue reads a dotted path from data.
func fieldValue(data map[string]any, path string) (any, bool) {
	cur := any(data)
	for _, k := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareValues orders two field values: nil, booleans, numbers, times, strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return a.(time.Time).Compare(b.(time.Time))
	case 4:
		return strings.Compare(a.(string), b.(string))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case time.Time:
		return 3
	case string:
		return 4
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	return 5
}

// orderDocs filters docs lacking the order field, sorts them and applies the limit.
// Ties are broken by document id so results are deterministic.
func orderDocs(docs []*Document, q Query) []*Document {
	out := docs
	if q.OrderBy != "" {
		out = make([]*Document, 0, len(docs))
		for _, d := range docs {
			if _, ok := fieldValue(d.Data, q.OrderBy); ok {
				out = append(out, d)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		c := 0
		if q.OrderBy != "" {
			vi, _ := fieldValue(out[i].Data, q.OrderBy)
			vj, _ := fieldValue(out[j].Data, q.OrderBy)
			c = compareValues(vi, vj)
			if q.Direction == Desc {
				c = -c
			}
		}
		if c == 0 {
			return out[i].ID < out[j].ID
		}
		return c < 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
