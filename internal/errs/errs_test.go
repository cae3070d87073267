package errs

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	t.Run("with id", func(t *testing.T) {
		err := NotFound("task", "123")
		expected := `task "123": task not found`
		if err.Error() != expected {
			t.Errorf("Error() = %q, want %q", err.Error(), expected)
		}
	})

	t.Run("without id", func(t *testing.T) {
		err := New(KindNotFound, "task", "", "task not found")
		expected := "task: task not found"
		if err.Error() != expected {
			t.Errorf("Error() = %q, want %q", err.Error(), expected)
		}
	})

	t.Run("unwrap returns sentinel", func(t *testing.T) {
		err := NotFound("task", "123")
		if !errors.Is(err, ErrNotFound) {
			t.Error("errors.Is should match ErrNotFound")
		}
	})
}

func TestKindOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := New(KindConflict, "job", "42", "already processing")
		if KindOf(err) != KindConflict {
			t.Errorf("KindOf() = %v, want %v", KindOf(err), KindConflict)
		}
	})

	t.Run("bare sentinel", func(t *testing.T) {
		if KindOf(ErrUnavailable) != KindUnavailable {
			t.Error("KindOf(ErrUnavailable) should be KindUnavailable")
		}
	})

	t.Run("unclassified error defaults to internal", func(t *testing.T) {
		if KindOf(errors.New("boom")) != KindInternal {
			t.Error("KindOf should default to KindInternal")
		}
	})
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(NotFound("task", "1")) {
		t.Error("IsNotFound should be true")
	}
	if IsNotFound(Wrap(KindConflict, "job", "1", errors.New("x"))) {
		t.Error("IsNotFound should be false for a conflict error")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) should be false")
	}
}

func TestValidateID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", false},
		{"task-name_v1.2", false},
		{"", true},
		{"bad id with spaces", true},
	}
	for _, c := range cases {
		err := ValidateID(c.id)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", c.id, err, c.wantErr)
		}
	}
}

func TestPagination(t *testing.T) {
	t.Run("defaults on non-positive limit", func(t *testing.T) {
		p := NewPagination(0, -5)
		if p.Limit != 50 || p.Offset != 0 {
			t.Errorf("got %+v", p)
		}
	})

	t.Run("clamps to max", func(t *testing.T) {
		p := NewPagination(10000, 10)
		if p.Limit != 1000 {
			t.Errorf("Limit = %d, want 1000", p.Limit)
		}
	})
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  hello\x00world  ")
	if got != "helloworld" {
		t.Errorf("SanitizeString() = %q, want %q", got, "helloworld")
	}
}
