package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ErrSchema reports a response that never parsed into the expected shape.
var ErrSchema = errors.New("model response does not match schema")

// Validator is implemented by response types with structural checks beyond
// JSON decoding.
type Validator interface {
	Validate() error
}

// JSONAttempts and JSONBackoff control CompleteJSON retries.
var (
	JSONAttempts = 3
	JSONBackoff  = 500 * time.Millisecond
)

// SchemaError carries the raw text of the last failed attempt.
type SchemaError struct {
	Raw string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSchema, e.Err)
}

func (e *SchemaError) Unwrap() []error { return []error{ErrSchema, e.Err} }

// CompleteJSON asks p for a JSON object and decodes it into out, which must be
// a non-nil pointer. Transport errors, malformed JSON and failed validation
// are retried with linear backoff; after the last attempt a *SchemaError
// (matching ErrSchema) or the transport error is returned. Each attempt
// decodes into a fresh value and out is only written on success.
func CompleteJSON(ctx context.Context, p Provider, system, user string, out interface{}, opts CompletionOpts) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("CompleteJSON: out must be a non-nil pointer, got %T", out)
	}
	opts.Format = "json"
	opts.System = system

	var lastErr error
	for attempt := 1; attempt <= JSONAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * JSONBackoff):
			}
		}

		raw, err := p.Complete(ctx, user, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		fresh := reflect.New(rv.Elem().Type())
		if err := decodeJSON(raw, fresh.Interface()); err != nil {
			lastErr = &SchemaError{Raw: truncateRaw(raw, 2000), Err: err}
			continue
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}
	return lastErr
}

func decodeJSON(raw string, out interface{}) error {
	cleaned := StripCodeFences(raw)
	if cleaned == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StripCodeFences removes a surrounding markdown code fence, if any.
func StripCodeFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		start, end := 0, len(lines)
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				if start == 0 {
					start = i + 1
				} else {
					end = i
					break
				}
			}
		}
		if start > 0 && end > start {
			cleaned = strings.Join(lines[start:end], "\n")
		}
	}
	return strings.TrimSpace(cleaned)
}

func truncateRaw(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
