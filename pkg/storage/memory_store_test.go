package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"styleai/pkg/domain"
)

func TestMemoryStorePresignServesObject(t *testing.T) {
	objects := NewMemoryStore()
	srv := httptest.NewServer(objects.Handler())
	defer srv.Close()
	objects.SetBaseURL(srv.URL)

	ctx := context.Background()
	if err := objects.Put(ctx, "styles/car/a.png", strings.NewReader("png"), 3, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	link, err := objects.PresignGet(ctx, "styles/car/a.png", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	resp, err := http.Get(link)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "png" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if objects.Downloads("styles/car/a.png") != 1 {
		t.Fatalf("expected one recorded download")
	}
}

func TestMemoryStorePresignMissing(t *testing.T) {
	objects := NewMemoryStore()
	if _, err := objects.PresignGet(context.Background(), "nope", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	objects := NewMemoryStore()
	ctx := context.Background()
	for _, key := range []string{"generatedImages/u1/b.png", "generatedImages/u1/a.png", "generatedImages/u2/c.png"} {
		if err := objects.Put(ctx, key, strings.NewReader("x"), 1, "image/png"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	got, err := objects.List(ctx, GeneratedPrefix("u1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Key != "generatedImages/u1/a.png" || got[1].Key != "generatedImages/u1/b.png" {
		t.Fatalf("unexpected listing: %+v", got)
	}
}

func TestStylePath(t *testing.T) {
	if got := StylePath(domain.CategoryCar, "", "x.png"); got != "styles/car/x.png" {
		t.Fatalf("StylePath = %q", got)
	}
	if got := StylePath(domain.CategoryStyle, domain.GenderFemale, "x.png"); got != "styles/style/female/x.png" {
		t.Fatalf("StylePath gendered = %q", got)
	}
	if got := UploadPath("u1", 42); got != "uploads/u1/42.png" {
		t.Fatalf("UploadPath = %q", got)
	}
}
