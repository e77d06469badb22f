package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldBT := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBT })

	Version, GitSHA, BuildTime = "1.2.0", "abc1234", "2025-03-01T12:00:00Z"
	if got, want := String(), "sortgate 1.2.0 (abc1234, built 2025-03-01T12:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Get(); got.Version != "1.2.0" || got.GitSHA != "abc1234" {
		t.Errorf("Get() = %+v", got)
	}
}
