package reassemble

import (
	"bytes"
	_ "crypto/sha256" // digest.SHA256
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

const (
	// ManifestVersion is the only manifest schema version understood.
	ManifestVersion = 1

	// DefaultManifestName is the file name a manifest is stored under.
	DefaultManifestName = "manifest.yaml"

	// DefaultPattern matches chunk_0.txt, chunk_1.txt, chunk_0007.txt, ...
	DefaultPattern = "chunk_*.txt"
)

// Manifest is the ordered list of chunks that make up one archive. The
// order of Chunks is the concatenation order.
type Manifest struct {
	Version int          `yaml:"version"`
	Archive *ArchiveInfo `yaml:"archive,omitempty"`
	Chunks  []ChunkEntry `yaml:"chunks"`

	// source is the storage name the manifest was loaded from, if any.
	source string
}

// ArchiveInfo describes the decoded gzip stream.
type ArchiveInfo struct {
	Digest digest.Digest `yaml:"digest,omitempty"`
	Size   int64         `yaml:"size,omitempty"`
}

// ChunkEntry is one chunk of encoded text. Size and Digest describe the
// chunk file as stored; a zero Size or empty Digest is not checked.
type ChunkEntry struct {
	Name   string        `yaml:"name"`
	Index  int           `yaml:"index"`
	Size   int64         `yaml:"size,omitempty"`
	Digest digest.Digest `yaml:"digest,omitempty"`
}

// Source returns the storage name the manifest was read from, or "" for a
// discovered manifest.
func (m *Manifest) Source() string {
	return m.source
}

// Names returns the chunk names in concatenation order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		names[i] = c.Name
	}
	return names
}

// EncodedSize sums the recorded chunk sizes. It returns -1 when any chunk
// size is unknown.
func (m *Manifest) EncodedSize() int64 {
	var total int64
	for _, c := range m.Chunks {
		if c.Size <= 0 {
			return -1
		}
		total += c.Size
	}
	return total
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return NewManifestError("unsupported manifest version").WithDetail("version", m.Version)
	}

	seen := make(map[string]struct{}, len(m.Chunks))
	for i, c := range m.Chunks {
		if c.Name == "" {
			return NewManifestError("chunk without a name").WithDetail("position", i)
		}
		if strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
			return NewManifestError("chunk name must be a plain file name").WithDetail("chunk", c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return NewManifestError("duplicate chunk name").WithDetail("chunk", c.Name)
		}
		seen[c.Name] = struct{}{}

		if c.Index < 0 {
			return NewManifestError("negative chunk index").WithDetail("chunk", c.Name)
		}
		if i > 0 && c.Index <= m.Chunks[i-1].Index {
			return NewManifestError("chunk indices must strictly increase").
				WithDetail("chunk", c.Name).
				WithDetail("index", c.Index).
				WithDetail("previous", m.Chunks[i-1].Index)
		}
		if c.Size < 0 {
			return NewManifestError("negative chunk size").WithDetail("chunk", c.Name)
		}
		if c.Digest != "" {
			if err := c.Digest.Validate(); err != nil {
				return NewManifestError("invalid chunk digest").WithDetail("chunk", c.Name).WithCause(err)
			}
		}
	}

	if m.Archive != nil && m.Archive.Digest != "" {
		if err := m.Archive.Digest.Validate(); err != nil {
			return NewManifestError("invalid archive digest").WithCause(err)
		}
	}
	return nil
}

// Encode writes the manifest as YAML.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return enc.Close()
}

// DecodeManifest parses and validates a YAML manifest.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewIOError("manifest", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, NewManifestError("empty manifest")
		}
		return nil, NewManifestError("failed to parse manifest").WithCause(err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// chunkPattern is a file name pattern with exactly one "*" standing for the
// decimal chunk index.
type chunkPattern struct {
	prefix string
	suffix string
}

func parsePattern(pattern string) (chunkPattern, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if strings.Count(pattern, "*") != 1 {
		return chunkPattern{}, NewManifestError("chunk pattern must contain exactly one '*'").WithDetail("pattern", pattern)
	}
	if strings.ContainsAny(pattern, `/\?[`) {
		return chunkPattern{}, NewManifestError("chunk pattern may only use '*'").WithDetail("pattern", pattern)
	}
	star := strings.Index(pattern, "*")
	return chunkPattern{prefix: pattern[:star], suffix: pattern[star+1:]}, nil
}

// index extracts the numeric index from name, reporting whether name matches.
func (p chunkPattern) index(name string) (int, bool) {
	if len(name) <= len(p.prefix)+len(p.suffix) {
		return 0, false
	}
	if !strings.HasPrefix(name, p.prefix) || !strings.HasSuffix(name, p.suffix) {
		return 0, false
	}
	digits := name[len(p.prefix) : len(name)-len(p.suffix)]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p chunkPattern) name(index, pad int) string {
	return fmt.Sprintf("%s%0*d%s", p.prefix, pad, index, p.suffix)
}

// ParseChunkName returns the numeric index embedded in name according to
// pattern (DefaultPattern when empty). ok is false when name does not match.
func ParseChunkName(name, pattern string) (index int, ok bool) {
	p, err := parsePattern(pattern)
	if err != nil {
		return 0, false
	}
	return p.index(name)
}

// ChunkName formats the name of chunk index under pattern, zero-padding the
// index to pad digits.
func ChunkName(pattern string, index, pad int) (string, error) {
	p, err := parsePattern(pattern)
	if err != nil {
		return "", err
	}
	return p.name(index, pad), nil
}

// sortChunks orders entries by numeric index, not by name, so chunk_10
// follows chunk_9 whether or not indices are zero-padded.
func sortChunks(entries []ChunkEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Index == entries[j].Index {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Index < entries[j].Index
	})
}
