package reassemble

import (
	"context"
	"errors"

	rerrors "github.com/flaneur2020/chunk-reassemble/reassemble/errors"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

// ManifestOptions controls how a manifest is found.
type ManifestOptions struct {
	// Name is the manifest file name in storage (DefaultManifestName if empty).
	Name string
	// Required fails instead of falling back to discovery when Name is missing.
	Required bool
	// Pattern selects chunk files during discovery (DefaultPattern if empty).
	Pattern string
	// AllowGaps accepts discovered indices that do not run 0, 1, 2, ...
	AllowGaps bool
}

// LoadManifest reads and validates the manifest stored under name.
func LoadManifest(ctx context.Context, storage stor.Storage, name string) (*Manifest, error) {
	rc, err := storage.OpenChunk(ctx, name)
	if err != nil {
		if rerrors.IsReassembleError(err) {
			return nil, err
		}
		return nil, NewIOError(name, err)
	}
	defer rc.Close()

	m, err := DecodeManifest(rc)
	if err != nil {
		var re *rerrors.ReassembleError
		if errors.As(err, &re) {
			return nil, re.WithDetail("manifest", name)
		}
		return nil, err
	}
	m.source = name
	logger.Info("Loaded manifest %s with %d chunks", name, len(m.Chunks))
	return m, nil
}

// DiscoverManifest builds a manifest from the chunk files in storage whose
// names match pattern, ordered by their numeric index.
func DiscoverManifest(ctx context.Context, storage stor.Storage, pattern string, allowGaps bool) (*Manifest, error) {
	p, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}

	descs, err := storage.ListChunks(ctx)
	if err != nil {
		return nil, err
	}

	var entries []ChunkEntry
	for _, desc := range descs {
		index, ok := p.index(desc.Name)
		if !ok {
			continue
		}
		entry := ChunkEntry{Name: desc.Name, Index: index}
		if desc.Size > 0 {
			entry.Size = desc.Size
		}
		entries = append(entries, entry)
	}
	sortChunks(entries)

	for i := 1; i < len(entries); i++ {
		if entries[i].Index == entries[i-1].Index {
			return nil, NewManifestError("two chunks share an index").
				WithDetail("index", entries[i].Index).
				WithDetail("chunks", []string{entries[i-1].Name, entries[i].Name})
		}
	}
	if !allowGaps {
		for i, e := range entries {
			if e.Index != i {
				return nil, NewManifestError("chunk sequence has a gap").
					WithDetail("missingIndex", i).
					WithDetail("next", e.Name)
			}
		}
	}

	if len(entries) == 0 {
		logger.Warn("No chunk files match %s*%s", p.prefix, p.suffix)
	} else {
		logger.Info("Discovered %d chunks matching %s*%s", len(entries), p.prefix, p.suffix)
	}

	return &Manifest{Version: ManifestVersion, Chunks: entries}, nil
}

// LoadOrDiscover returns the stored manifest if there is one, otherwise a
// manifest discovered from chunk file names.
func LoadOrDiscover(ctx context.Context, storage stor.Storage, opts ManifestOptions) (*Manifest, error) {
	name := opts.Name
	if name == "" {
		name = DefaultManifestName
	}

	m, err := LoadManifest(ctx, storage, name)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, rerrors.ErrChunkNotFound) || opts.Required {
		return nil, err
	}

	logger.Debug("No manifest %s, discovering chunks", name)
	return DiscoverManifest(ctx, storage, opts.Pattern, opts.AllowGaps)
}
