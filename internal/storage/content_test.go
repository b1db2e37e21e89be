package storage

import "testing"

func TestContentHash(t *testing.T) {
	got := ContentHash([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("ContentHash = %s, want %s", got, want)
	}
}

func TestOriginalKeyDeterministic(t *testing.T) {
	hash := ContentHash([]byte("chart"))
	a := OriginalKey("42", hash)
	if a != "originals/user_42/"+hash {
		t.Fatalf("unexpected key %q", a)
	}
	if b := OriginalKey("42", hash); b != a {
		t.Fatalf("same owner/hash should share a key: %q vs %q", a, b)
	}
	if k := OriginalKey("", hash); k != "originals/anonymous/"+hash {
		t.Fatalf("anonymous key = %q", k)
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Plot.PNG", want: ".png"},
		{in: "chart.jpeg", want: ".jpeg"},
		{in: "dir\\scan.TIFF", want: ".tiff"},
		{in: "noext", want: ".bin"},
		{in: "weird.p-g", want: ".bin"},
		{in: "", want: ".bin"},
	}
	for _, tc := range tests {
		if got := Extension(tc.in); got != tc.want {
			t.Fatalf("Extension(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "chart.png", want: "chart.png"},
		{in: "Café Plot.jpg", want: "CafePlot.jpg"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: "C:\\Users\\me\\graph.png", want: "graph.png"},
		{in: "", want: "upload.bin"},
		{in: "...", want: "upload.bin"},
	}
	for _, tc := range tests {
		if got := SafeFilename(tc.in); got != tc.want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestArtifactKey(t *testing.T) {
	got := ArtifactKey("job-1", "lineformer", "prediction.png")
	if got != "charts/job-1/lineformer/prediction.png" {
		t.Fatalf("ArtifactKey = %q", got)
	}
}
