// Package template resolves {{path}} references in node configuration against
// the current execution state. A value that is exactly one reference keeps the
// referenced type; references embedded in surrounding text interpolate as
// strings. Maps and slices are resolved recursively.
package template

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/models"
)

// Resolution namespaces, selected by the first path segment.
const (
	NamespaceTrigger   = "trigger"
	NamespaceSteps     = "steps"
	NamespaceVariables = "variables"
	NamespaceEnv       = "env"
	NamespaceExecution = "execution"
)

var markerPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolutionError reports an unresolvable template path, identifying the
// segment where navigation failed.
type ResolutionError struct {
	Path    string
	Segment string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve template path %q: segment %q not found", e.Path, e.Segment)
}

// Resolve substitutes every {{path}} marker in value against state.
// Strings resolve as described in the package comment; maps and slices are
// walked recursively; all other types pass through unchanged.
func Resolve(value any, state *models.ExecutionContext) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, state)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := Resolve(item, state)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, state)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap resolves every value of a configuration map.
func ResolveMap(config map[string]any, state *models.ExecutionContext) (map[string]any, error) {
	resolved, err := Resolve(config, state)
	if err != nil {
		return nil, err
	}

	if resolved == nil {
		return nil, nil
	}

	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved configuration is %T, expected map", resolved)
	}

	return out, nil
}

// HasMarkers reports whether the string contains any {{path}} reference.
func HasMarkers(s string) bool {
	return markerPattern.MatchString(s)
}

func resolveString(s string, state *models.ExecutionContext) (any, error) {
	matches := markerPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string reference: preserve the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])

		return lookup(path, state)
	}

	// Otherwise interpolate into the surrounding text.
	var builder strings.Builder

	last := 0

	for _, match := range matches {
		builder.WriteString(s[last:match[0]])

		path := strings.TrimSpace(s[match[2]:match[3]])

		value, err := lookup(path, state)
		if err != nil {
			return nil, err
		}

		builder.WriteString(stringify(value))

		last = match[1]
	}

	builder.WriteString(s[last:])

	return builder.String(), nil
}

func lookup(path string, state *models.ExecutionContext) (any, error) {
	segments := strings.Split(path, ".")

	var current any

	switch segments[0] {
	case NamespaceTrigger:
		current = state.TriggerData
	case NamespaceSteps:
		if len(segments) < 2 {
			return nil, &ResolutionError{Path: path, Segment: NamespaceSteps}
		}

		output, ok := state.NodeOutputs[segments[1]]
		if !ok {
			return nil, &ResolutionError{Path: path, Segment: segments[1]}
		}

		// steps.<id>.output navigates into the node's primary output;
		// steps.<id> alone yields it whole.
		if len(segments) == 2 {
			return output.Primary(), nil
		}

		if segments[2] != "output" {
			return nil, &ResolutionError{Path: path, Segment: segments[2]}
		}

		return navigate(path, output.Primary(), segments[3:])
	case NamespaceVariables:
		current = state.Variables
	case NamespaceEnv:
		if len(segments) != 2 {
			return nil, &ResolutionError{Path: path, Segment: NamespaceEnv}
		}

		value, ok := os.LookupEnv(segments[1])
		if !ok {
			return nil, &ResolutionError{Path: path, Segment: segments[1]}
		}

		return value, nil
	case NamespaceExecution:
		current = map[string]any{
			"id":          state.ID,
			"workflow_id": state.WorkflowID,
		}
	default:
		return nil, &ResolutionError{Path: path, Segment: segments[0]}
	}

	return navigate(path, current, segments[1:])
}

// navigate walks the remaining dotted segments, with numeric segments
// indexing into slices.
func navigate(path string, current any, segments []string) (any, error) {
	for _, segment := range segments {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, &ResolutionError{Path: path, Segment: segment}
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(v) {
				return nil, &ResolutionError{Path: path, Segment: segment}
			}

			current = v[index]
		default:
			return nil, &ResolutionError{Path: path, Segment: segment}
		}
	}

	return current, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
