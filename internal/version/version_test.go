package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	if got := Short(); got != "dev" {
		t.Errorf("Short() = %q, want %q", got, "dev")
	}
}

func TestInfo(t *testing.T) {
	info := Info()

	for _, want := range []string{"balloond", Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS} {
		if !strings.Contains(info, want) {
			t.Errorf("Info() = %q, should contain %q", info, want)
		}
	}
}
