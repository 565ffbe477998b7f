package blueprint

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
)

// placeholderPattern matches ${source.key} tokens. Keys may be dotted.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([^}]+)\}`)

// ResolveContext supplies the placeholder sources for one run.
type ResolveContext struct {
	// Params are the validated run parameters.
	Params map[string]any
	// Scope is the caller-supplied per-run scope map.
	Scope map[string]string
	// Runtime holds session_id, run_id and parent_session_id.
	Runtime map[string]string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Resolve substitutes ${params.*}, ${scope.*}, ${env.*} and ${runtime.*}
// placeholders in the input. A missing value in any of those sources is a
// hard failure. ${runner.*} placeholders are preserved verbatim for the
// runner to resolve; unknown sources are also left untouched.
func Resolve(input string, rctx ResolveContext) (string, error) {
	lookupEnv := rctx.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	var missing []string
	resolved := placeholderPattern.ReplaceAllStringFunc(input, func(token string) string {
		groups := placeholderPattern.FindStringSubmatch(token)
		source, key := groups[1], groups[2]

		switch source {
		case "params":
			if value, ok := rctx.Params[key]; ok {
				return stringify(value)
			}
		case "scope":
			if value, ok := rctx.Scope[key]; ok {
				return value
			}
		case "env":
			if value, ok := lookupEnv(key); ok {
				return value
			}
		case "runtime":
			if value, ok := rctx.Runtime[key]; ok {
				return value
			}
		default:
			// runner.* and anything else resolves downstream.
			return token
		}

		missing = append(missing, source+"."+key)
		return token
	})

	if len(missing) > 0 {
		return "", apperr.Newf(apperr.KindValidation,
			"unresolved placeholders: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"placeholders": missing})
	}
	return resolved, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
