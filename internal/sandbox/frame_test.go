package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func frame(body string) string {
	return BeginMarker + "\n" + body + "\n" + EndMarker + "\n"
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		wantErr  bool
		wantText string
		wantDiag string
	}{
		{"single record", frame(`{"status":"ok","responseText":"4"}`), false, "4", ""},
		{"logs around record", "booting\n" + frame(`{"status":"ok","responseText":"hi"}`) + "bye\n", false, "hi", "booting\nbye\n"},
		{"crlf markers", strings.ReplaceAll(frame(`{"status":"ok"}`), "\n", "\r\n"), false, "", ""},
		{"error status", frame(`{"status":"error","error":"boom"}`), false, "", ""},
		{"no record", `{"status":"ok"}`, true, "", ""},
		{"two records", frame(`{"status":"ok"}`) + frame(`{"status":"ok"}`), true, "", ""},
		{"unterminated", BeginMarker + "\n{\"status\":\"ok\"}\n", true, "", ""},
		{"stray end", EndMarker + "\n", true, "", ""},
		{"invalid json", frame(`{"status":`), true, "", ""},
		{"bad status", frame(`{"status":"done"}`), true, "", ""},
		{"empty", "", true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag, err := ParseOutput(tt.stdout)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Errorf("error %v does not wrap ErrMalformedOutput", err)
				}
				return
			}
			if out.ResponseText != tt.wantText {
				t.Errorf("ResponseText = %q, want %q", out.ResponseText, tt.wantText)
			}
			if tt.wantDiag != "" && diag != tt.wantDiag {
				t.Errorf("diag = %q, want %q", diag, tt.wantDiag)
			}
		})
	}
}

func TestEncodeOutput(t *testing.T) {
	b, err := EncodeOutput(Output{Status: StatusOK, ResponseText: "line1\nline2", NewSessionToken: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	out, _, err := ParseOutput("noise\n" + string(b))
	if err != nil {
		t.Fatalf("ParseOutput(EncodeOutput()): %v", err)
	}
	if out.ResponseText != "line1\nline2" || out.NewSessionToken != "s1" {
		t.Errorf("got %+v", out)
	}
}
