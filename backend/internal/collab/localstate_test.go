package collab

import (
	"path/filepath"
	"testing"
)

// 版本计数器和待同步标记要在进程重启后还原
func TestBoltLocalState_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	ls, err := OpenBoltLocalState(path)
	if err != nil {
		t.Fatalf("OpenBoltLocalState() error = %v", err)
	}
	ls.SetVersion("room", 7)
	ls.SetNeedsSync("room", true)
	if err := ls.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ls2, err := OpenBoltLocalState(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer ls2.Close()
	if got := ls2.Version("room"); got != 7 {
		t.Fatalf("Version() = %d, want 7", got)
	}
	if !ls2.NeedsSync("room") {
		t.Fatalf("NeedsSync() = false, want true")
	}

	ls2.SetNeedsSync("room", false)
	if ls2.NeedsSync("room") {
		t.Fatalf("NeedsSync() = true after clear")
	}
	// 未知房间读到零值
	if got := ls2.Version("other"); got != 0 {
		t.Fatalf("Version(other) = %d, want 0", got)
	}
}
