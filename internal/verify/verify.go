// ABOUTME: Pure verification of agent output against a task's expected answer.
// ABOUTME: Extracts JSON from raw output and deep-compares with numeric tolerance.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// floatTolerance absorbs representation noise when comparing numbers, so an
// agent answering 4.5 matches an expected 4.50000000001.
const floatTolerance = 1e-9

var (
	// ErrUnparsableOutput means no JSON value could be extracted from the
	// agent's raw output. The rollout still completes; it just isn't a success.
	ErrUnparsableOutput = errors.New("no JSON value found in agent output")

	// ErrBadExpected means the task's stored expected answer is itself not
	// valid JSON. This is a task defect, not an agent failure.
	ErrBadExpected = errors.New("expected answer is not valid JSON")
)

// Verdict is the outcome of verifying one rollout.
type Verdict struct {
	// Success is true only when the extracted output deep-equals the
	// expected answer.
	Success bool

	// Diff describes the first mismatch found, empty on success.
	Diff string

	// Err is set when extraction or the expected answer failed to parse.
	Err error
}

// Verify checks an agent's raw output against the expected answer JSON.
// It never consults the sandbox or any external service.
func Verify(rawOutput, expectedJSON string) Verdict {
	var expected any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return Verdict{Err: fmt.Errorf("%w: %v", ErrBadExpected, err)}
	}

	actual, err := Extract(rawOutput)
	if err != nil {
		return Verdict{Diff: "output is not JSON", Err: err}
	}

	if diff := compare("$", expected, actual); diff != "" {
		return Verdict{Diff: diff}
	}
	return Verdict{Success: true}
}

// Extract pulls a JSON value out of raw agent output. Agents often wrap
// their answer in markdown fences or surrounding prose; both are stripped.
func Extract(raw string) (any, error) {
	s := stripFences(strings.TrimSpace(raw))

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}

	// Fall back to the outermost object or array embedded in the text.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start == -1 || end <= start {
			continue
		}
		if err := json.Unmarshal([]byte(s[start:end+1]), &v); err == nil {
			return v, nil
		}
	}

	return nil, ErrUnparsableOutput
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		// Drop the fence line itself ("```json" etc.).
		rest = rest[nl+1:]
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSuffix(rest, "```")
	return strings.TrimSpace(rest)
}

// compare walks expected and actual in lockstep and returns a description of
// the first mismatch, or "" when they are deeply equal. Maps compare without
// regard to key order; lists compare element by element in order.
func compare(path string, expected, actual any) string {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected object, got %s", path, typeName(actual))
		}
		if len(exp) != len(act) {
			return fmt.Sprintf("%s: expected %d keys, got %d (%s)", path, len(exp), len(act), keyDiff(exp, act))
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			av, ok := act[k]
			if !ok {
				return fmt.Sprintf("%s: missing key %q", path, k)
			}
			if diff := compare(path+"."+k, exp[k], av); diff != "" {
				return diff
			}
		}
		return ""

	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Sprintf("%s: expected array, got %s", path, typeName(actual))
		}
		if len(exp) != len(act) {
			return fmt.Sprintf("%s: expected %d elements, got %d", path, len(exp), len(act))
		}
		for i := range exp {
			if diff := compare(fmt.Sprintf("%s[%d]", path, i), exp[i], act[i]); diff != "" {
				return diff
			}
		}
		return ""

	case float64:
		act, ok := actual.(float64)
		if !ok {
			return fmt.Sprintf("%s: expected number, got %s", path, typeName(actual))
		}
		if math.Abs(exp-act) > floatTolerance {
			return fmt.Sprintf("%s: %v != %v", path, exp, act)
		}
		return ""

	case string:
		act, ok := actual.(string)
		if !ok {
			return fmt.Sprintf("%s: expected string, got %s", path, typeName(actual))
		}
		if exp != act {
			return fmt.Sprintf("%s: %q != %q", path, exp, act)
		}
		return ""

	case bool:
		act, ok := actual.(bool)
		if !ok || exp != act {
			return fmt.Sprintf("%s: %v != %v", path, exp, actual)
		}
		return ""

	case nil:
		if actual != nil {
			return fmt.Sprintf("%s: expected null, got %s", path, typeName(actual))
		}
		return ""

	default:
		return fmt.Sprintf("%s: unsupported type %T", path, expected)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func keyDiff(exp, act map[string]any) string {
	var missing, extra []string
	for k := range exp {
		if _, ok := act[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range act {
		if _, ok := exp[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "extra: "+strings.Join(extra, ", "))
	}
	return strings.Join(parts, "; ")
}
