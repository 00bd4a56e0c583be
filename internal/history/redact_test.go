package history

import (
	"strings"
	"testing"
)

func TestRedactAssignments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "secret assignment",
			in:   "AWS_SECRET_ACCESS_KEY=abc123 aws s3 ls",
			want: "AWS_SECRET_ACCESS_KEY=*** aws s3 ls",
		},
		{
			name: "safe assignment preserved",
			in:   "PATH=/usr/local/bin ls",
			want: "PATH=/usr/local/bin ls",
		},
		{
			name: "plain command untouched",
			in:   "git status",
			want: "git status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, expected %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactVariableReferences(t *testing.T) {
	got := Redact("curl -H \"Authorization: Bearer $GITHUB_TOKEN\" https://api.github.com")
	if strings.Contains(got, "GITHUB_TOKEN") {
		t.Errorf("variable name leaked: %q", got)
	}
	if !strings.Contains(got, "REDACTED") {
		t.Errorf("expected redaction marker: %q", got)
	}
}

func TestRedactPreservesSafeAndSpecialVars(t *testing.T) {
	got := Redact("echo $HOME $? $PATH")
	for _, want := range []string{"$HOME", "$?", "$PATH"} {
		if !strings.Contains(got, want) {
			t.Errorf("safe reference %s was redacted: %q", want, got)
		}
	}
}

func TestRedactFallbackOnUnparsableInput(t *testing.T) {
	// Broken syntax falls back to the coarse token pass.
	got := Redact("if [ $MY_TOKEN ; then")
	if strings.Contains(got, "MY_TOKEN") {
		t.Errorf("fallback pass leaked variable: %q", got)
	}

	got = Redact("MY_KEY=abc123 do something (")
	if strings.Contains(got, "abc123") {
		t.Errorf("fallback pass leaked assignment value: %q", got)
	}
	if !strings.Contains(got, "MY_KEY=***") {
		t.Errorf("expected masked assignment, got %q", got)
	}

	// The keep list applies in the fallback too.
	got = Redact("PATH=/usr/local/bin do something (")
	if !strings.Contains(got, "PATH=/usr/local/bin") {
		t.Errorf("fallback pass redacted a safe assignment: %q", got)
	}
}
