package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/kibanda/internal/domain"
)

// Sentinel lines delimiting the agent's final record on stdout.
const (
	BeginMarker = "---KIBANDA-RESULT-BEGIN---"
	EndMarker   = "---KIBANDA-RESULT-END---"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrMalformedOutput reports stdout without exactly one well-formed record.
var ErrMalformedOutput = errors.New("malformed agent output")

// Output is the structured result of one invocation. Kind and Diagnostic are
// host-side annotations and never cross the sandbox boundary.
type Output struct {
	Status          string `json:"status"`
	ResponseText    string `json:"responseText,omitempty"`
	Error           string `json:"error,omitempty"`
	NewSessionToken string `json:"newSessionToken,omitempty"`

	Kind       domain.ErrorKind `json:"-"`
	Diagnostic string           `json:"-"`
}

// OK reports a successful invocation.
func (o Output) OK() bool { return o.Status == StatusOK }

// ParseOutput extracts the single framed record from stdout. Everything
// outside the frame is returned as diagnostics.
func ParseOutput(stdout string) (Output, string, error) {
	var (
		diag    strings.Builder
		body    bytes.Buffer
		inFrame bool
		frames  int
	)
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case trimmed == BeginMarker:
			if inFrame {
				return Output{}, diag.String(), fmt.Errorf("%w: nested begin marker", ErrMalformedOutput)
			}
			inFrame = true
			frames++
		case trimmed == EndMarker:
			if !inFrame {
				return Output{}, diag.String(), fmt.Errorf("%w: end marker without begin", ErrMalformedOutput)
			}
			inFrame = false
		case inFrame:
			body.WriteString(line)
			body.WriteByte('\n')
		default:
			if line != "" {
				diag.WriteString(line)
				diag.WriteByte('\n')
			}
		}
	}

	switch {
	case inFrame:
		return Output{}, diag.String(), fmt.Errorf("%w: unterminated record", ErrMalformedOutput)
	case frames == 0:
		return Output{}, diag.String(), fmt.Errorf("%w: no result record", ErrMalformedOutput)
	case frames > 1:
		return Output{}, diag.String(), fmt.Errorf("%w: %d result records", ErrMalformedOutput, frames)
	}

	var out Output
	if err := json.Unmarshal(body.Bytes(), &out); err != nil {
		return Output{}, diag.String(), fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if out.Status != StatusOK && out.Status != StatusError {
		return Output{}, diag.String(), fmt.Errorf("%w: invalid status %q", ErrMalformedOutput, out.Status)
	}
	return out, diag.String(), nil
}

// EncodeOutput renders a framed record, for agents written against this package.
func EncodeOutput(o Output) ([]byte, error) {
	body, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(BeginMarker + "\n")
	b.Write(body)
	b.WriteString("\n" + EndMarker + "\n")
	return b.Bytes(), nil
}
