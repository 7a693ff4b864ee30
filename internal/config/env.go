package config

import (
	"os"
	"regexp"
	"sort"
)

// placeholderRe matches ${VAR_NAME} references in environment values.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc resolves an environment variable. [os.LookupEnv] is the
// production implementation.
type LookupFunc func(key string) (string, bool)

// ResolveEnv substitutes ${VAR} placeholders in env values using lookup
// and returns the result as sorted KEY=VALUE pairs suitable for
// exec.Cmd.Env, together with the names of referenced variables that
// lookup could not resolve. Unresolved placeholders become empty
// strings. A nil lookup uses [os.LookupEnv].
func ResolveEnv(env map[string]string, lookup LookupFunc) (pairs []string, missing []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	pairs = make([]string, 0, len(env))
	for _, k := range keys {
		v := placeholderRe.ReplaceAllStringFunc(env[k], func(ref string) string {
			name := placeholderRe.FindStringSubmatch(ref)[1]
			val, ok := lookup(name)
			if !ok && !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return val
		})
		pairs = append(pairs, k+"="+v)
	}
	return pairs, missing
}
