package reassemble

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

func TestParseChunkName(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		wantIndex int
		wantOK    bool
	}{
		{name: "chunk_0.txt", wantIndex: 0, wantOK: true},
		{name: "chunk_12.txt", wantIndex: 12, wantOK: true},
		{name: "chunk_007.txt", wantIndex: 7, wantOK: true},
		{name: "chunk_.txt", wantOK: false},
		{name: "chunk_1a.txt", wantOK: false},
		{name: "chunk_-1.txt", wantOK: false},
		{name: "chunk_1.txt.bak", wantOK: false},
		{name: "manifest.yaml", wantOK: false},
		{name: "part-3", pattern: "part-*", wantIndex: 3, wantOK: true},
		{name: "chunk_3.txt", pattern: "part-*", wantOK: false},
		{name: "chunk_3.txt", pattern: "chunk_[0-9].txt", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.pattern, func(t *testing.T) {
			index, ok := ParseChunkName(tt.name, tt.pattern)
			if ok != tt.wantOK || (ok && index != tt.wantIndex) {
				t.Errorf("ParseChunkName(%q, %q) = %d, %v, want %d, %v",
					tt.name, tt.pattern, index, ok, tt.wantIndex, tt.wantOK)
			}
		})
	}
}

func TestChunkName(t *testing.T) {
	tests := []struct {
		pattern string
		index   int
		pad     int
		want    string
	}{
		{"", 3, 0, "chunk_3.txt"},
		{"", 3, 4, "chunk_0003.txt"},
		{"", 12345, 2, "chunk_12345.txt"},
		{"part-*.b64", 1, 0, "part-1.b64"},
	}

	for _, tt := range tests {
		got, err := ChunkName(tt.pattern, tt.index, tt.pad)
		if err != nil {
			t.Fatalf("ChunkName(%q) error = %v", tt.pattern, err)
		}
		if got != tt.want {
			t.Errorf("ChunkName(%q, %d, %d) = %q, want %q", tt.pattern, tt.index, tt.pad, got, tt.want)
		}
	}

	if _, err := ChunkName("chunk_*_*.txt", 0, 0); !errors.Is(err, ErrManifestInvalid) {
		t.Errorf("ChunkName(two stars) error = %v, want MANIFEST_INVALID", err)
	}
}

func TestManifest_EncodeDecode(t *testing.T) {
	m := &Manifest{
		Version: ManifestVersion,
		Archive: &ArchiveInfo{Digest: digest.FromString("archive"), Size: 42},
		Chunks: []ChunkEntry{
			{Name: "chunk_0.txt", Index: 0, Size: 8, Digest: digest.FromString("a")},
			{Name: "chunk_1.txt", Index: 1, Size: 4},
		},
	}

	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(buf.String(), "name: chunk_0.txt") {
		t.Errorf("Encode() output missing chunk name:\n%s", buf.String())
	}

	got, err := DecodeManifest(&buf)
	if err != nil {
		t.Fatalf("DecodeManifest() error = %v", err)
	}
	if diff := cmp.Diff(m, got, cmp.AllowUnexported(Manifest{})); diff != "" {
		t.Errorf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "not yaml", doc: "chunks: [\n"},
		{name: "unknown field", doc: "version: 1\nchunks: []\nextra: true\n"},
		{name: "wrong version", doc: "version: 2\nchunks: []\n"},
		{name: "missing name", doc: "version: 1\nchunks:\n  - index: 0\n"},
		{name: "path in name", doc: "version: 1\nchunks:\n  - name: ../chunk_0.txt\n    index: 0\n"},
		{name: "duplicate name", doc: "version: 1\nchunks:\n  - name: a\n    index: 0\n  - name: a\n    index: 1\n"},
		{name: "decreasing index", doc: "version: 1\nchunks:\n  - name: a\n    index: 1\n  - name: b\n    index: 0\n"},
		{name: "bad digest", doc: "version: 1\nchunks:\n  - name: a\n    index: 0\n    digest: sha256:xyz\n"},
		{name: "bad archive digest", doc: "version: 1\narchive:\n  digest: nope\nchunks: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeManifest(strings.NewReader(tt.doc))
			if !errors.Is(err, ErrManifestInvalid) {
				t.Errorf("DecodeManifest() error = %v, want MANIFEST_INVALID", err)
			}
		})
	}
}

func TestManifest_EncodedSize(t *testing.T) {
	m := &Manifest{Chunks: []ChunkEntry{{Name: "a", Size: 4}, {Name: "b", Size: 8}}}
	if got := m.EncodedSize(); got != 12 {
		t.Errorf("EncodedSize() = %d, want 12", got)
	}

	m.Chunks = append(m.Chunks, ChunkEntry{Name: "c"})
	if got := m.EncodedSize(); got != -1 {
		t.Errorf("EncodedSize() with unknown size = %d, want -1", got)
	}
}

func TestDiscoverManifest(t *testing.T) {
	storage := stor.NewMockStorage()
	for _, name := range []string{"chunk_10.txt", "chunk_2.txt", "chunk_0.txt", "chunk_1.txt", "notes.md"} {
		storage.AddChunk(name, []byte("QUJD"))
	}
	for i := 3; i < 10; i++ {
		name, _ := ChunkName("", i, 0)
		storage.AddChunk(name, []byte("QUJD"))
	}

	m, err := DiscoverManifest(context.Background(), storage, "", false)
	if err != nil {
		t.Fatalf("DiscoverManifest() error = %v", err)
	}

	var want []string
	for i := 0; i <= 10; i++ {
		name, _ := ChunkName("", i, 0)
		want = append(want, name)
	}
	if diff := cmp.Diff(want, m.Names()); diff != "" {
		t.Errorf("discovered order mismatch (-want +got):\n%s", diff)
	}
	if m.Chunks[0].Size != 4 {
		t.Errorf("discovered size = %d, want 4", m.Chunks[0].Size)
	}
	if m.Source() != "" {
		t.Errorf("Source() = %q, want empty for a discovered manifest", m.Source())
	}
}

func TestDiscoverManifest_Errors(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		allowGaps bool
		wantErr   bool
	}{
		{name: "duplicate index", chunks: []string{"chunk_0.txt", "chunk_1.txt", "chunk_01.txt"}, wantErr: true},
		{name: "gap", chunks: []string{"chunk_0.txt", "chunk_2.txt"}, wantErr: true},
		{name: "not starting at zero", chunks: []string{"chunk_1.txt", "chunk_2.txt"}, wantErr: true},
		{name: "gap allowed", chunks: []string{"chunk_0.txt", "chunk_2.txt"}, allowGaps: true},
		{name: "padded and unpadded", chunks: []string{"chunk_00.txt", "chunk_1.txt", "chunk_002.txt"}},
		{name: "none", chunks: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := stor.NewMockStorage()
			for _, name := range tt.chunks {
				storage.AddChunk(name, []byte("QUJD"))
			}

			m, err := DiscoverManifest(context.Background(), storage, "", tt.allowGaps)
			if tt.wantErr {
				if !errors.Is(err, ErrManifestInvalid) {
					t.Errorf("DiscoverManifest() error = %v, want MANIFEST_INVALID", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DiscoverManifest() error = %v", err)
			}
			if len(m.Chunks) != len(tt.chunks) {
				t.Errorf("DiscoverManifest() found %d chunks, want %d", len(m.Chunks), len(tt.chunks))
			}
		})
	}
}

func TestLoadOrDiscover(t *testing.T) {
	ctx := context.Background()

	storage := stor.NewMockStorage()
	storage.AddChunk("chunk_0.txt", []byte("QUJD"))
	storage.AddChunk("chunk_1.txt", []byte("REVG"))

	m, err := LoadOrDiscover(ctx, storage, ManifestOptions{})
	if err != nil {
		t.Fatalf("LoadOrDiscover() without manifest error = %v", err)
	}
	if len(m.Chunks) != 2 {
		t.Errorf("discovered %d chunks, want 2", len(m.Chunks))
	}

	if _, err := LoadOrDiscover(ctx, storage, ManifestOptions{Required: true}); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("LoadOrDiscover(Required) error = %v, want CHUNK_NOT_FOUND", err)
	}

	// A manifest takes precedence over file names and may order chunks
	// differently from their names.
	storage.AddChunk(DefaultManifestName, []byte(`version: 1
chunks:
  - name: chunk_1.txt
    index: 0
  - name: chunk_0.txt
    index: 1
`))
	m, err = LoadOrDiscover(ctx, storage, ManifestOptions{})
	if err != nil {
		t.Fatalf("LoadOrDiscover() with manifest error = %v", err)
	}
	if diff := cmp.Diff([]string{"chunk_1.txt", "chunk_0.txt"}, m.Names()); diff != "" {
		t.Errorf("manifest order mismatch (-want +got):\n%s", diff)
	}
	if m.Source() != DefaultManifestName {
		t.Errorf("Source() = %q, want %q", m.Source(), DefaultManifestName)
	}

	storage.AddChunk(DefaultManifestName, []byte("version: 3\nchunks: []\n"))
	if _, err := LoadOrDiscover(ctx, storage, ManifestOptions{}); !errors.Is(err, ErrManifestInvalid) {
		t.Errorf("LoadOrDiscover(bad manifest) error = %v, want MANIFEST_INVALID", err)
	}
}
