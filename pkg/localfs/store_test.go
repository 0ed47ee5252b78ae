package localfs

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"styleai/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore()
	srv := httptest.NewServer(objects.Handler())
	t.Cleanup(srv.Close)
	objects.SetBaseURL(srv.URL)

	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "cache"), Objects: objects})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, objects
}

func putObject(t *testing.T, objects *storage.MemoryStore, key string, data []byte) {
	t.Helper()
	if err := objects.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), "image/png"); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestLocalName(t *testing.T) {
	cases := []struct {
		remote, partition, want string
	}{
		{"styles/car/x.png", "", "x.png"},
		{"styles/car/male/x.png", "male", "male_x.png"},
		{"styles/car/", "", "car"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := LocalName(tc.remote, tc.partition); got != tc.want {
			t.Fatalf("LocalName(%q, %q) = %q, want %q", tc.remote, tc.partition, got, tc.want)
		}
	}
	if LocalName("styles/car/x.png", "male") == LocalName("styles/car/x.png", "female") {
		t.Fatalf("partitioned names collide")
	}
}

func TestResolveDownloadsOnce(t *testing.T) {
	s, objects := newTestStore(t)
	putObject(t, objects, "styles/car/x.png", []byte("car"))
	ctx := context.Background()

	first, err := s.Resolve(ctx, "styles/car/x.png", "")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := s.Resolve(ctx, "styles/car/x.png", "")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("resolve not stable: %q vs %q", first, second)
	}
	if n := objects.Downloads("styles/car/x.png"); n != 1 {
		t.Fatalf("expected exactly one download, got %d", n)
	}
	data, err := os.ReadFile(first)
	if err != nil || string(data) != "car" {
		t.Fatalf("unexpected cached content %q: %v", data, err)
	}
}

func TestResolvePartitionsDoNotCollide(t *testing.T) {
	s, objects := newTestStore(t)
	putObject(t, objects, "styles/style/x.png", []byte("shared"))
	ctx := context.Background()

	male, err := s.Resolve(ctx, "styles/style/x.png", "male")
	if err != nil {
		t.Fatalf("male: %v", err)
	}
	female, err := s.Resolve(ctx, "styles/style/x.png", "female")
	if err != nil {
		t.Fatalf("female: %v", err)
	}
	if male == female {
		t.Fatalf("partitioned resolves share a path: %q", male)
	}

	// A fresh Store over the same directory finds the same files.
	restarted, err := New(Config{Dir: s.Dir(), Objects: objects})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	again, err := restarted.Resolve(ctx, "styles/style/x.png", "male")
	if err != nil || again != male {
		t.Fatalf("resolve after restart = %q, %v; want %q", again, err, male)
	}
	if n := objects.Downloads("styles/style/x.png"); n != 2 {
		t.Fatalf("expected two downloads (one per partition), got %d", n)
	}
}

func TestResolveMissingObject(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Resolve(context.Background(), "styles/car/missing.png", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Exists("missing.png") {
		t.Fatalf("failed resolve left a file behind")
	}
}

func TestResolveConcurrentCallersShareDownload(t *testing.T) {
	s, objects := newTestStore(t)
	putObject(t, objects, "styles/car/y.png", []byte(strings.Repeat("y", 1<<16)))

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = s.Resolve(context.Background(), "styles/car/y.png", "")
		}(i)
	}
	wg.Wait()
	for i := range paths {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("divergent paths %q vs %q", paths[i], paths[0])
		}
	}
	if n := objects.Downloads("styles/car/y.png"); n != 1 {
		t.Fatalf("expected a single shared download, got %d", n)
	}
}

func TestFetchAndSub(t *testing.T) {
	s, objects := newTestStore(t)
	putObject(t, objects, "generatedImages/u1/out.png", []byte("gen"))
	link, err := objects.PresignGet(context.Background(), "generatedImages/u1/out.png", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	sub := s.Sub("user-a")
	got, err := sub.Fetch(context.Background(), link, "img_1.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if filepath.Dir(got) != filepath.Join(s.Dir(), "user-a") {
		t.Fatalf("fetch wrote outside sub dir: %q", got)
	}
	if err := sub.RemoveAll(); err != nil {
		t.Fatalf("remove all: %v", err)
	}
	if sub.Exists("img_1.png") {
		t.Fatalf("expected sub dir removed")
	}
}

func TestThumbnail(t *testing.T) {
	s, objects := newTestStore(t)
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for x := 0; x < 64; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	putObject(t, objects, "styles/car/wide.png", buf.Bytes())

	local, err := s.Resolve(context.Background(), "styles/car/wide.png", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	thumbPath, err := s.Thumbnail(local, 16)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if filepath.Base(thumbPath) != "thumb_wide.jpg" {
		t.Fatalf("unexpected thumbnail name %q", thumbPath)
	}
	thumb, err := imaging.Open(thumbPath)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	if b := thumb.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("unexpected thumbnail size %dx%d", b.Dx(), b.Dy())
	}
	again, err := s.Thumbnail(local, 16)
	if err != nil || again != thumbPath {
		t.Fatalf("thumbnail not reused: %q %v", again, err)
	}
}

// gatedObjects presigns every key to a server that answers only after
// release is closed.
type gatedObjects struct {
	storage.ObjectStore
	url string
}

func (g gatedObjects) PresignGet(context.Context, string, time.Duration) (string, error) {
	return g.url, nil
}

func TestResolveSharedDownloadSurvivesCallerCancel(t *testing.T) {
	requested := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requested <- struct{}{}
		<-release
		_, _ = w.Write([]byte("car"))
	}))
	t.Cleanup(srv.Close)
	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "cache"), Objects: gatedObjects{url: srv.URL}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Resolve(ctx, "styles/car/x.png", "")
		first <- err
	}()
	<-requested

	second := make(chan error, 1)
	var local string
	go func() {
		var err error
		local, err = s.Resolve(context.Background(), "styles/car/x.png", "")
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller = %v, want context.Canceled", err)
	}
	close(release)
	if err := <-second; err != nil {
		t.Fatalf("joined caller failed with the first caller's cancellation: %v", err)
	}
	if data, err := os.ReadFile(local); err != nil || string(data) != "car" {
		t.Fatalf("cached file = %q, %v", data, err)
	}
	if n := len(requested); n != 0 {
		t.Fatalf("expected one shared download, saw %d more requests", n)
	}
}
