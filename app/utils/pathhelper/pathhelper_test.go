package pathhelper

import (
	"path/filepath"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	root := filepath.Join("data", "jobs")
	if got, err := SafeJoin(root, "abc"); err != nil || got != filepath.Join(root, "abc") {
		t.Fatalf("SafeJoin = %q, %v", got, err)
	}
	for _, bad := range []string{"..", "../other", "", "."} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Errorf("SafeJoin(%q) should fail", bad)
		}
	}
	if _, err := SafeJoin("", "abc"); err == nil {
		t.Error("empty root should fail")
	}
}

func TestIsSubPath(t *testing.T) {
	if !IsSubPath("/a/b/c", "/a/b") {
		t.Error("/a/b/c should be under /a/b")
	}
	if IsSubPath("/a/bc", "/a/b") {
		t.Error("/a/bc is not under /a/b")
	}
	if IsSubPath("/a/b", "/a/b") {
		t.Error("root itself is not a sub path")
	}
}

func TestHasExt(t *testing.T) {
	if !HasExt("/x/video.MP4", MediaExts...) {
		t.Error("mp4 should match")
	}
	if !HasExt("list.txt", ".txt") {
		t.Error("dotted rule should match")
	}
	if HasExt("/x/watch", MediaExts...) || HasExt("a.html", MediaExts...) {
		t.Error("unexpected match")
	}
}
