package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
)

func TestDirStorage_ListOpenRemove(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "chunk_0.txt"), []byte("aGVs"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "chunk_1.txt"), []byte("bG8="), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s := NewDirStorage(dir)

	descs, err := s.ListChunks(ctx)
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("ListChunks() returned %d entries, want 2: %+v", len(descs), descs)
	}
	for _, d := range descs {
		if d.Size != 4 {
			t.Errorf("chunk %s size = %d, want 4", d.Name, d.Size)
		}
	}

	rc, err := s.OpenChunk(ctx, "chunk_1.txt")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "bG8=" {
		t.Errorf("chunk content = %q, want %q", data, "bG8=")
	}

	if err := s.RemoveChunk(ctx, "chunk_0.txt"); err != nil {
		t.Fatalf("RemoveChunk() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "chunk_0.txt")); !os.IsNotExist(err) {
		t.Errorf("chunk_0.txt still exists after RemoveChunk, stat err = %v", err)
	}

	_, err = s.OpenChunk(ctx, "chunk_0.txt")
	if !errors.Is(err, rerrors.ErrChunkNotFound) {
		t.Errorf("OpenChunk(removed) error = %v, want CHUNK_NOT_FOUND", err)
	}
}

func TestDirStorage_RejectsPathNames(t *testing.T) {
	s := NewDirStorage(t.TempDir())
	for _, name := range []string{"", "..", "../escape.txt", "a/b.txt", `a\b.txt`} {
		t.Run(name, func(t *testing.T) {
			_, err := s.OpenChunk(context.Background(), name)
			if got := rerrors.GetErrorCode(err); got != "MANIFEST_INVALID" {
				t.Errorf("OpenChunk(%q) code = %q, want MANIFEST_INVALID (err %v)", name, got, err)
			}
		})
	}
}

func TestDirStorage_WriteChunk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s := NewDirStorage(dir)

	n, err := s.WriteChunk(context.Background(), "chunk_00.txt", strings.NewReader("Zm9v"))
	if err != nil {
		t.Fatalf("WriteChunk() error = %v", err)
	}
	if n != 4 {
		t.Errorf("WriteChunk() wrote %d bytes, want 4", n)
	}

	got, err := os.ReadFile(filepath.Join(dir, "chunk_00.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "Zm9v" {
		t.Errorf("written content = %q, want Zm9v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the chunk (temp file leaked?)", len(entries))
	}
}

func TestMockStorage(t *testing.T) {
	ctx := context.Background()
	m := NewMockStorage()
	m.AddChunk("b", []byte("2"))
	m.AddChunk("a", []byte("1"))

	descs, err := m.ListChunks(ctx)
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(descs) != 2 || descs[0].Name != "a" || descs[1].Name != "b" {
		t.Errorf("ListChunks() = %+v, want [a b]", descs)
	}

	if err := m.RemoveChunk(ctx, "a"); err != nil {
		t.Fatalf("RemoveChunk() error = %v", err)
	}
	if removed := m.Removed(); len(removed) != 1 || removed[0] != "a" {
		t.Errorf("Removed() = %v, want [a]", removed)
	}

	boom := errors.New("disk on fire")
	m.FailReads("b", boom)
	rc, err := m.OpenChunk(ctx, "b")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); !errors.Is(err, boom) {
		t.Errorf("read error = %v, want %v", err, boom)
	}
}

func TestHTTPStorage_OpenChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "builder" || pass != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/build/chunk_0.txt":
			_, _ = io.WriteString(w, "cHJpbnQ=")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	s := NewHTTPStorage(server.URL+"/build/", false).WithCredential("builder", "hunter2")

	rc, err := s.OpenChunk(ctx, "chunk_0.txt")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "cHJpbnQ=" {
		t.Errorf("chunk content = %q", data)
	}

	_, err = s.OpenChunk(ctx, "chunk_9.txt")
	if !errors.Is(err, rerrors.ErrChunkNotFound) {
		t.Errorf("OpenChunk(missing) error = %v, want CHUNK_NOT_FOUND", err)
	}

	anon := NewHTTPStorage(server.URL+"/build", false)
	_, err = anon.OpenChunk(ctx, "chunk_0.txt")
	if !errors.Is(err, rerrors.ErrIO) {
		t.Errorf("OpenChunk(no credentials) error = %v, want IO_ERROR", err)
	}

	if err := s.RemoveChunk(ctx, "chunk_0.txt"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("RemoveChunk() error = %v, want ErrReadOnly", err)
	}
}

func TestHTTPStorage_ListChunks(t *testing.T) {
	s := NewHTTPStorage("https://chunks.example.com/x", false)
	if _, err := s.ListChunks(context.Background()); err == nil {
		t.Error("ListChunks() without names should fail")
	}

	descs, err := s.WithChunks([]string{"chunk_0.txt", "chunk_1.txt"}).ListChunks(context.Background())
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(descs) != 2 || descs[1].Name != "chunk_1.txt" || descs[1].Size != -1 {
		t.Errorf("ListChunks() = %+v", descs)
	}
}

func TestNewHTTPStorage_Scheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "localhost:8080/chunks", want: "http://localhost:8080/chunks"},
		{in: "127.0.0.1/chunks/", want: "http://127.0.0.1/chunks"},
		{in: "cdn.example.com/build", want: "https://cdn.example.com/build"},
		{in: "http://cdn.example.com/build", want: "http://cdn.example.com/build"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NewHTTPStorage(tt.in, false).baseURL; got != tt.want {
				t.Errorf("baseURL = %q, want %q", got, tt.want)
			}
		})
	}
}
