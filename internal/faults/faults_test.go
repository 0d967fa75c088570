package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"validation sentinel", fmt.Errorf("bad path: %w", ErrValidation), KindValidation},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"eof", io.EOF, KindConnection},
		{"reset pattern", errors.New("read tcp 10.0.0.1:22: connection reset by peer"), KindConnection},
		{"ssh handshake", errors.New("ssh: handshake failed: auth"), KindConnection},
		{"websocket close", errors.New("websocket: close 1006 (abnormal closure)"), KindConnection},
		{"timed out string", errors.New("dial tcp: i/o timed out"), KindTimeout},
		{"permission", errors.New("open /etc/shadow: permission denied"), KindSystem},
		{"missing file", errors.New("stat /tmp/x: no such file or directory"), KindSystem},
		{"anything else", errors.New("weird failure"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCounterSuppression(t *testing.T) {
	c := NewCounter(3, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	if c.Record("shell") {
		t.Error("first failure should not suppress")
	}
	if c.Record("shell") {
		t.Error("second failure should not suppress")
	}
	if !c.Record("shell") {
		t.Error("third failure should suppress")
	}
	if !c.Suppressed("shell") {
		t.Error("Suppressed should report true at threshold")
	}

	// Another component is unaffected
	if c.Suppressed("transfer") {
		t.Error("unrelated component suppressed")
	}

	// Failures age out of the window
	now = now.Add(2 * time.Minute)
	if c.Suppressed("shell") {
		t.Error("failures outside window should not suppress")
	}
}

func TestCounterReset(t *testing.T) {
	c := NewCounter(1, time.Minute)
	c.Record("shell")
	if !c.Suppressed("shell") {
		t.Fatal("expected suppression")
	}
	c.Reset("shell")
	if c.Suppressed("shell") {
		t.Error("Reset should clear suppression")
	}
}

func TestCounterDisabled(t *testing.T) {
	c := NewCounter(0, time.Minute)
	for i := 0; i < 10; i++ {
		if c.Record("x") {
			t.Fatal("disabled counter should never suppress")
		}
	}
}
