package imageprovider

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetch_PrefersOptimisedPath(t *testing.T) {
	good := encodePNG(t, 400, 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(good)
	}))
	defer srv.Close()

	p := New(srv.Client())
	data, err := p.Fetch(context.Background(), Media{
		ID: "m1", Filename: "photo.png", OptimisedPath: srv.URL, GreyscalePath: srv.URL,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != len(good) {
		t.Fatalf("got %d bytes, want %d", len(data), len(good))
	}
}

func TestFetch_FallsBackToGreyscaleOnTooSmall(t *testing.T) {
	small := encodePNG(t, 50, 50)
	good := encodePNG(t, 300, 300)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/optimised" {
			_, _ = w.Write(small)
			return
		}
		_, _ = w.Write(good)
	}))
	defer srv.Close()

	p := New(srv.Client())
	data, err := p.Fetch(context.Background(), Media{
		ID: "m2", Filename: "photo.png",
		OptimisedPath: srv.URL + "/optimised",
		GreyscalePath: srv.URL + "/greyscale",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != len(good) {
		t.Fatalf("expected greyscale fallback data, got %d bytes", len(data))
	}
	if hits != 2 {
		t.Fatalf("hits = %d, want 2 (optimised then greyscale)", hits)
	}
}

func TestFetch_RejectsUnsupportedFormat(t *testing.T) {
	p := New(nil)
	_, err := p.Fetch(context.Background(), Media{ID: "m3", Filename: "photo.gif"})
	var formatErr *ErrUnsupportedFormat
	if !errorsAs(err, &formatErr) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func errorsAs(err error, target **ErrUnsupportedFormat) bool {
	e, ok := err.(*ErrUnsupportedFormat)
	if !ok {
		return false
	}
	*target = e
	return true
}
