package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/chunk-reassemble/reassemble"
	"github.com/flaneur2020/chunk-reassemble/reassemble/archiveutil"
	"github.com/flaneur2020/chunk-reassemble/reassemble/config"
	"github.com/flaneur2020/chunk-reassemble/reassemble/logger"
	stor "github.com/flaneur2020/chunk-reassemble/reassemble/storage"
)

var (
	cfg *config.Config

	configPath  string
	logLevel    string
	credential  string
	noProgress  bool
	insecure    bool
	remoteCount int

	manifestName    string
	pattern         string
	keepChunks      bool
	allowGaps       bool
	noVerify        bool
	verifyFirst     bool
	requireManifest bool

	chunkSize  int64
	padWidth   int
	level      int
	noManifest bool
	overwrite  bool

	concurrency int
	deep        bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "reassemble",
		Short:             "Split a directory into base64 text chunks and put it back together",
		PersistentPreRunE: setup,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: silent, error, warn, info, debug")
	rootCmd.PersistentFlags().StringVar(&credential, "credential", "", "HTTP credential in format USER:PASSWORD")

	// extract command
	extractCmd := &cobra.Command{
		Use:   "extract [CHUNK_DIR|URL] [DEST_DIR]",
		Short: "Concatenate, decode and unpack chunks into a directory, then delete the chunks",
		Args:  cobra.MaximumNArgs(2),
		Run:   runExtract,
	}
	addSourceFlags(extractCmd)
	extractCmd.Flags().BoolVar(&keepChunks, "keep-chunks", false, "Do not delete chunks after a successful extraction")
	extractCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Ignore sizes and digests recorded in the manifest")
	extractCmd.Flags().BoolVar(&verifyFirst, "verify-first", false, "Check every chunk before writing anything")
	extractCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	// split command
	splitCmd := &cobra.Command{
		Use:   "split <SRC_DIR> <CHUNK_DIR>",
		Short: "Pack a directory as tar.gz and write it as base64 chunks plus a manifest",
		Args:  cobra.ExactArgs(2),
		Run:   runSplit,
	}
	splitCmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Encoded bytes per chunk")
	splitCmd.Flags().IntVar(&padWidth, "pad", 0, "Zero-pad chunk indices to this many digits")
	splitCmd.Flags().IntVar(&level, "level", 0, "gzip compression level (1-9, 0 for default)")
	splitCmd.Flags().StringVar(&pattern, "pattern", "", "Chunk file name pattern with one '*' for the index")
	splitCmd.Flags().StringVar(&manifestName, "manifest", "", "Manifest file name")
	splitCmd.Flags().BoolVar(&noManifest, "no-manifest", false, "Do not write a manifest")
	splitCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace chunks already in CHUNK_DIR")
	splitCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	// verify command
	verifyCmd := &cobra.Command{
		Use:   "verify [CHUNK_DIR|URL]",
		Short: "Check chunks against the manifest without extracting",
		Args:  cobra.MaximumNArgs(1),
		Run:   runVerify,
	}
	addSourceFlags(verifyCmd)
	verifyCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Chunks checked in parallel")
	verifyCmd.Flags().BoolVar(&deep, "deep", false, "Also decode the archive and check every tar header")

	// manifest command
	manifestCmd := &cobra.Command{
		Use:   "manifest [CHUNK_DIR|URL]",
		Short: "Print the manifest for a chunk set, discovering it from file names if needed",
		Args:  cobra.MaximumNArgs(1),
		Run:   runManifest,
	}
	addSourceFlags(manifestCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list [CHUNK_DIR|URL]",
		Short: "List the files in the archive a chunk set encodes",
		Args:  cobra.MaximumNArgs(1),
		Run:   runList,
	}
	addSourceFlags(listCmd)

	rootCmd.AddCommand(extractCmd, splitCmd, verifyCmd, manifestCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&manifestName, "manifest", "", "Manifest file name")
	cmd.Flags().BoolVar(&requireManifest, "require-manifest", false, "Fail instead of discovering chunks when the manifest is missing")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Chunk file name pattern with one '*' for the index")
	cmd.Flags().BoolVar(&allowGaps, "allow-gaps", false, "Accept discovered chunk indices with gaps")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification for https chunk URLs")
	cmd.Flags().IntVar(&remoteCount, "remote-count", 0, "Number of chunks at a URL without a manifest (named by --pattern and split.pad_width)")
}

// setup loads the config file and environment, then lets explicitly set
// flags win.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("credential") {
		cfg.HTTP.Credential = credential
	}
	if flags.Changed("manifest") {
		cfg.Manifest = manifestName
	}
	if flags.Changed("pattern") {
		cfg.Pattern = pattern
	}
	if flags.Changed("keep-chunks") {
		cfg.KeepChunks = keepChunks
	}
	if flags.Changed("allow-gaps") {
		cfg.AllowGaps = allowGaps
	}
	if flags.Changed("no-verify") {
		cfg.SkipVerify = noVerify
	}
	if flags.Changed("insecure") {
		cfg.HTTP.Insecure = insecure
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if flags.Changed("chunk-size") {
		cfg.Split.ChunkSize = chunkSize
	}
	if flags.Changed("pad") {
		cfg.Split.PadWidth = padWidth
	}
	if flags.Changed("level") {
		cfg.Split.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLogLevel(lvl)
	return nil
}

// parseCredential splits USER:PASSWORD. The password may itself contain ':'.
func parseCredential(s string) (string, string, error) {
	if s == "" {
		return "", "", nil
	}
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("invalid credential: expected USER:PASSWORD")
	}
	return user, pass, nil
}

func openStorage(location string) (stor.Storage, error) {
	if !stor.IsRemote(location) {
		return stor.NewDirStorage(location), nil
	}

	s := stor.NewHTTPStorage(location, cfg.HTTP.Insecure)
	user, pass, err := parseCredential(cfg.HTTP.Credential)
	if err != nil {
		return nil, err
	}
	if user != "" {
		s = s.WithCredential(user, pass)
	}
	if remoteCount > 0 {
		names, err := remoteChunkNames(cfg.Pattern, remoteCount, cfg.Split.PadWidth)
		if err != nil {
			return nil, err
		}
		s = s.WithChunks(names)
	}
	return s, nil
}

// remoteChunkNames lists the names a remote location without a manifest is
// expected to serve, so chunk discovery works over HTTP.
func remoteChunkNames(pattern string, count, pad int) ([]string, error) {
	names := make([]string, count)
	for i := range names {
		name, err := reassemble.ChunkName(pattern, i, pad)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}
	return names, nil
}

func manifestOptions() reassemble.ManifestOptions {
	return reassemble.ManifestOptions{
		Name:      cfg.Manifest,
		Required:  requireManifest,
		Pattern:   cfg.Pattern,
		AllowGaps: cfg.AllowGaps,
	}
}

// sourceArg returns the chunk location from args or the config.
func sourceArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.ChunkDir
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(err error, afterProgress bool) {
	if afterProgress {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	logger.Sync()
	os.Exit(1)
}

func runExtract(cmd *cobra.Command, args []string) {
	source := sourceArg(args)
	dest := cfg.Dest
	if len(args) > 1 {
		dest = args[1]
	}

	ctx, cancel := signalContext()
	defer cancel()

	storage, err := openStorage(source)
	if err != nil {
		fail(err, false)
	}

	// Progress bar is enabled by default
	showProgress := !noProgress

	var progressCallback reassemble.ProgressCallback
	var bar *progressbar.ProgressBar
	if showProgress {
		progressCallback = func(current, total int64) {
			if bar == nil {
				bar = progressbar.DefaultBytes(total, "Reassembling")
			}
			bar.Set64(current)
		}
	}

	stats, err := reassemble.Reassemble(ctx, storage, dest, reassemble.Options{
		Manifest:     manifestOptions(),
		RemoveChunks: !cfg.KeepChunks,
		SkipVerify:   cfg.SkipVerify,
		VerifyFirst:  verifyFirst,
		Progress:     progressCallback,
	})
	if err != nil {
		fail(err, bar != nil)
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	fmt.Printf("Extracted %d files, %d directories, %d links (%d bytes) from %d chunks into %s",
		stats.Files, stats.Dirs, stats.Symlinks+stats.HardLinks, stats.BytesWritten, stats.Chunks, dest)
	if stats.RemovedChunks > 0 {
		fmt.Printf(" (%d chunks removed)", stats.RemovedChunks)
	}
	fmt.Println()
}

func runSplit(cmd *cobra.Command, args []string) {
	src, chunkDir := args[0], args[1]

	ctx, cancel := signalContext()
	defer cancel()

	showProgress := !noProgress
	var progressCallback reassemble.ProgressCallback
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.DefaultBytes(-1, "Splitting")
		progressCallback = func(current, total int64) {
			bar.Set64(current)
		}
	}

	m, err := reassemble.Split(ctx, src, stor.NewDirStorage(chunkDir), reassemble.SplitOptions{
		ChunkSize:    cfg.Split.ChunkSize,
		Pattern:      cfg.Pattern,
		PadWidth:     cfg.Split.PadWidth,
		Level:        cfg.Split.Level,
		ManifestName: cfg.Manifest,
		NoManifest:   noManifest,
		Overwrite:    overwrite,
		Progress:     progressCallback,
	})
	if err != nil {
		fail(err, bar != nil)
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	fmt.Printf("Wrote %d chunks to %s (archive %d bytes, %s)\n",
		len(m.Chunks), chunkDir, m.Archive.Size, m.Archive.Digest)
}

func runVerify(cmd *cobra.Command, args []string) {
	source := sourceArg(args)

	ctx, cancel := signalContext()
	defer cancel()

	storage, err := openStorage(source)
	if err != nil {
		fail(err, false)
	}
	m, err := reassemble.LoadOrDiscover(ctx, storage, manifestOptions())
	if err != nil {
		fail(err, false)
	}

	report, err := reassemble.Verify(ctx, storage, m, reassemble.VerifyOptions{
		Concurrency: cfg.Concurrency,
		Deep:        deep,
	})
	if report != nil {
		for _, name := range report.Missing {
			fmt.Printf("missing: %s\n", name)
		}
		for _, name := range report.SizeMismatch {
			fmt.Printf("size mismatch: %s\n", name)
		}
		for _, name := range report.DigestMismatch {
			fmt.Printf("digest mismatch: %s\n", name)
		}
		for _, name := range report.Unverifiable {
			fmt.Printf("unverifiable: %s\n", name)
		}
	}
	if err != nil {
		fail(err, false)
	}

	fmt.Printf("%d chunks OK", report.Checked)
	if deep {
		fmt.Printf(", archive OK (%d entries)", report.Entries)
	}
	fmt.Println()
}

func runManifest(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	storage, err := openStorage(sourceArg(args))
	if err != nil {
		fail(err, false)
	}
	m, err := reassemble.LoadOrDiscover(ctx, storage, manifestOptions())
	if err != nil {
		fail(err, false)
	}
	if err := m.Encode(os.Stdout); err != nil {
		fail(err, false)
	}
}

func runList(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	storage, err := openStorage(sourceArg(args))
	if err != nil {
		fail(err, false)
	}
	m, err := reassemble.LoadOrDiscover(ctx, storage, manifestOptions())
	if err != nil {
		fail(err, false)
	}

	_, err = reassemble.List(ctx, storage, m, !cfg.SkipVerify, func(e archiveutil.Entry) error {
		fmt.Println(formatEntry(e))
		return nil
	})
	if err != nil {
		fail(err, false)
	}
}

func formatEntry(e archiveutil.Entry) string {
	hdr := e.Header
	mode := hdr.FileInfo().Mode()
	switch {
	case mode.IsDir():
		return fmt.Sprintf("%s %10s %s/", mode, "-", e.Path)
	case mode&os.ModeSymlink != 0:
		return fmt.Sprintf("%s %10s %s -> %s", mode, "-", e.Path, hdr.Linkname)
	case hdr.Linkname != "":
		return fmt.Sprintf("%s %10s %s link to %s", mode, "-", e.Path, hdr.Linkname)
	default:
		return fmt.Sprintf("%s %10d %s", mode, hdr.Size, e.Path)
	}
}
