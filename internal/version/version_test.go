package version_test

import (
	"testing"

	"conductor/internal/version"
)

func TestString_NeverEmptyOrDevel(t *testing.T) {
	t.Parallel()

	v := version.String()
	if v == "" || v == "(devel)" {
		t.Fatalf("version.String() = %q", v)
	}
}
