package config

import "strings"

// filterConfigFlag keeps only -config/--config so the first pass does not
// trip over flags it does not define.
func filterConfigFlag(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		name := strings.TrimLeft(a, "-")
		switch {
		case !strings.HasPrefix(a, "-"):
		case strings.HasPrefix(name, "config="):
			out = append(out, a)
		case name == "config" && i+1 < len(args):
			out = append(out, a, args[i+1])
			i++
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
