package meshctrl

// Contains is a filter value that matches an array holding every listed
// element, in any order.
type Contains []any

// Match reports whether msg deep-matches filter. Every key of filter must
// be present in msg: nested objects are matched recursively, Contains
// values require an array holding all of their elements, and any other
// value, arrays included, must be equal. Numbers compare by value, so an
// int in a filter matches the float64 produced by JSON decoding.
// A nil filter matches everything.
func Match(msg, filter Message) bool {
	for k, want := range filter {
		got, ok := msg[k]
		if !ok {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want any) bool {
	switch w := want.(type) {
	case Contains:
		arr, ok := got.([]any)
		if !ok {
			return false
		}
		for _, elem := range w {
			if !containsValue(arr, elem) {
				return false
			}
		}
		return true
	case Message:
		g := asMessage(got)
		return g != nil && Match(g, w)
	case map[string]any:
		g := asMessage(got)
		return g != nil && Match(g, Message(w))
	default:
		return equalValue(got, want)
	}
}

func containsValue(arr []any, v any) bool {
	for _, a := range arr {
		if equalValue(a, v) {
			return true
		}
	}
	return false
}

func equalValue(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case []any:
		bv, ok := toSlice(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any, Message:
		am, bm := asMessage(a), asMessage(b)
		if bm == nil || len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			w, ok := bm[k]
			if !ok || !equalValue(v, w) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func asMessage(v any) Message {
	switch m := v.(type) {
	case Message:
		return m
	case map[string]any:
		return Message(m)
	default:
		return nil
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
