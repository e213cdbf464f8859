// internal/buserror/errors_test.go
package buserror

import (
	"errors"
	"strings"
	"testing"
)

func TestNewAndError(t *testing.T) {
	e := New("SomeCode", "something broke", map[string]string{"k": "v"})
	if e.Code != "SomeCode" {
		t.Errorf("Code = %q, want %q", e.Code, "SomeCode")
	}
	if got, want := e.Error(), "SomeCode: something broke"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestToWire(t *testing.T) {
	e := New(CodeNotFound, "method not found: echo", nil)
	w := e.ToWire()
	if w.Code != e.Code || w.Message != e.Message {
		t.Errorf("ToWire() = %+v, want Code/Message to match %+v", w, e)
	}
}

func TestNotFound(t *testing.T) {
	e := NotFound("echo")
	if e.Code != CodeNotFound {
		t.Errorf("Code = %q, want %q", e.Code, CodeNotFound)
	}
}

func TestInvalidCallArityMessages(t *testing.T) {
	cases := []struct {
		name          string
		min, max, got int
		wantSubstring string
	}{
		{"exact", 1, 1, 0, "exactly 1"},
		{"range", 1, 3, 0, "between 1 and 3"},
		{"variadic", 2, -1, 0, "at least 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := InvalidCall("method", tc.min, tc.max, tc.got)
			if e.Code != CodeInvalidCall {
				t.Errorf("Code = %q, want %q", e.Code, CodeInvalidCall)
			}
			if !strings.Contains(e.Message, tc.wantSubstring) {
				t.Errorf("Message = %q, want substring %q", e.Message, tc.wantSubstring)
			}
		})
	}
}

func TestUncaughtDoesNotLeakDetail(t *testing.T) {
	e := Uncaught()
	if e.Code != CodeUncaughtException {
		t.Errorf("Code = %q, want %q", e.Code, CodeUncaughtException)
	}
	if e.Data != nil {
		t.Errorf("Data = %v, want nil (no internal detail should leak)", e.Data)
	}
}

func TestTimeoutError(t *testing.T) {
	if e := TimeoutError(); e.Code != CodeTimeout {
		t.Errorf("Code = %q, want %q", e.Code, CodeTimeout)
	}
}

func TestDisconnected(t *testing.T) {
	if e := Disconnected(); e.Code != CodeTimeout {
		t.Errorf("Code = %q, want %q", e.Code, CodeTimeout)
	}
}

func TestWithDetailsRoundTripsCategoryAndProperties(t *testing.T) {
	cause := errors.New("boom")
	wrapped := WithDetails(cause, CategoryHandler, map[string]any{"file": "config.yaml", "line": 12})

	if got := CategoryOf(wrapped); got != CategoryHandler {
		t.Errorf("CategoryOf() = %q, want %q", got, CategoryHandler)
	}
	props := PropertiesOf(wrapped)
	if props["file"] != "config.yaml" {
		t.Errorf("PropertiesOf()[file] = %q, want %q", props["file"], "config.yaml")
	}
	if props["line"] != "12" {
		t.Errorf("PropertiesOf()[line] = %q, want %q", props["line"], "12")
	}
}

func TestCategoryOfUnannotatedErrorIsEmpty(t *testing.T) {
	if got := CategoryOf(errors.New("plain")); got != "" {
		t.Errorf("CategoryOf() = %q, want empty", got)
	}
}

func TestPropertiesOfUnannotatedErrorIsEmpty(t *testing.T) {
	if props := PropertiesOf(errors.New("plain")); len(props) != 0 {
		t.Errorf("PropertiesOf() = %+v, want empty", props)
	}
}
