package auditlog

import (
	"testing"

	"github.com/google/uuid"
)

func TestViewLockKey(t *testing.T) {
	id := uuid.MustParse("6f1c2a4e-0000-4000-8000-000000000001")
	if got := viewLockKey(id, "dr-a"); got != "emr_view:6f1c2a4e-0000-4000-8000-000000000001:dr-a" {
		t.Errorf("unexpected lock key %s", got)
	}
	if viewLockKey(id, "dr-a") == viewLockKey(id, "dr-b") {
		t.Error("expected distinct keys per actor")
	}
}

func TestEncodeExtra(t *testing.T) {
	b, err := encodeExtra(nil)
	if err != nil || string(b) != "{}" {
		t.Errorf("expected empty object, got %s %v", b, err)
	}
	b, err = encodeExtra(map[string]any{"reason": "typo"})
	if err != nil || string(b) != `{"reason":"typo"}` {
		t.Errorf("unexpected extra %s %v", b, err)
	}
	if _, err := encodeExtra(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected an encode error")
	}
}
