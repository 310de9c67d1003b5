package harness

import (
	"fmt"
	"strconv"

	"github.com/roach88/liftsync/internal/authoring"
)

// args reads step arguments as decoded from YAML.
type args map[string]any

func (a args) str(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (a args) strOr(key, def string) string {
	if s := a.str(key); s != "" {
		return s
	}
	return def
}

// int reads an integer argument; anything unreadable is zero.
func (a args) int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func (a args) list(key string) []map[string]any {
	raw, _ := a[key].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// patch collects the set fields present, passed through uncoerced.
func (a args) patch() authoring.SetPatch {
	var p authoring.SetPatch
	field := func(key string) *string {
		if _, ok := a[key]; !ok {
			return nil
		}
		s := a.str(key)
		return &s
	}
	p.Weight = field("weight")
	p.Reps = field("reps")
	p.DurationSec = field("duration")
	p.Distance = field("distance")
	return p
}
