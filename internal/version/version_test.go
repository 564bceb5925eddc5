package version

import (
	"testing"
	"time"
)

func TestPseudoVersion(t *testing.T) {
	t.Parallel()

	info := Info{
		Revision: "0123456789abcdef",
		Time:     time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC),
		Dirty:    true,
	}
	if got, want := info.pseudo(), "v0.0.0-20250607080910-0123456789ab+dirty"; got != want {
		t.Fatalf("pseudo() = %q, want %q", got, want)
	}
	if got := (Info{}).pseudo(); got != "v0.0.0-unknown" {
		t.Fatalf("pseudo() without VCS = %q", got)
	}
}

func TestCurrentPrefersLinkerVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v9.9.9"
	defer func() { buildVersion = old }()
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("Current() = %q", got)
	}
	if Module() == "" {
		t.Fatalf("Module() must not be empty")
	}
}
