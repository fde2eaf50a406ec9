package dependency

import (
	"errors"
	"strings"
	"testing"
)

func TestUnavailable_Nil(t *testing.T) {
	if err := Unavailable("redis", nil); err != nil {
		t.Fatalf("Unavailable(nil) = %v, want nil", err)
	}
}

func TestUnavailable_Wraps(t *testing.T) {
	err := Unavailable("redis", errors.New("dial tcp: connection refused"))
	if !IsUnavailable(err) {
		t.Fatal("IsUnavailable should be true")
	}
	if !strings.Contains(err.Error(), "redis") || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error message %q should name the dependency and the cause", err.Error())
	}
	if IsUnavailable(errors.New("other")) {
		t.Error("IsUnavailable should be false for unrelated errors")
	}
}
