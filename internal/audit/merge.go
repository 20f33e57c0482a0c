package audit

// DeepMerge merges src into dst and returns dst. Mapping values merge key
// by key; any other value overwrites. A nil dst is allocated. src is
// copied, never aliased.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		existing, _ := dst[k].(map[string]any)
		dst[k] = DeepMerge(existing, sub)
	}
	return dst
}

func cloneTree(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepMerge(make(map[string]any, len(m)), m)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTree(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
