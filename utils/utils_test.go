package utils

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/a/b/c.jpg", "a/b/c.jpg"},
		{"../../etc/passwd", "etc/passwd"},
		{"a//b/../c", "a/b/c"},
		{"....//x", "x"},
	}
	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddUniqueAndRemove(t *testing.T) {
	list, added := AddUnique([]string{"a"}, "b")
	if !added || len(list) != 2 {
		t.Fatalf("AddUnique() = %v, %v", list, added)
	}
	if _, added = AddUnique(list, "a"); added {
		t.Error("AddUnique() added a duplicate")
	}
	list, removed := Remove(list, "a")
	if !removed || len(list) != 1 || list[0] != "b" {
		t.Errorf("Remove() = %v, %v", list, removed)
	}
	if _, removed = Remove(list, "zzz"); removed {
		t.Error("Remove() reported a missing element as removed")
	}
}

func TestRandTokenUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := RandToken()
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestCreateThumb(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	img.Set(10, 10, color.White)
	var src, dst bytes.Buffer
	if err := png.Encode(&src, img); err != nil {
		t.Fatal(err)
	}
	result, err := CreateThumb(100, &src, &dst)
	if err != nil {
		t.Fatalf("CreateThumb() error = %v", err)
	}
	if result.NewX != 100 || result.NewY != 50 || result.OldX != 400 || result.OldY != 200 {
		t.Errorf("CreateThumb() = %+v", result)
	}
	if result.ThumbSize != int64(dst.Len()) || dst.Len() == 0 {
		t.Errorf("thumb size %d, written %d", result.ThumbSize, dst.Len())
	}
}
