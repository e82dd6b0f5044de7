// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownArchiveFormat is returned for archive files whose suffix is not
// one of the supported formats.
var ErrUnknownArchiveFormat = errors.New("unknown archive format")

// execHost runs a host command. Replaced in tests.
type execHost func(ctx context.Context, name string, args ...string) error

func runHostCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	return nil
}

// extractArchives unpacks all archives into destDir, concurrently.
func extractArchives(
	ctx context.Context,
	archives []string,
	destDir string,
	run execHost,
) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, archive := range archives {
		archive := archive
		eg.Go(func() error {
			return extractArchive(ctx, archive, destDir, run)
		})
	}

	return eg.Wait()
}

func extractArchive(
	ctx context.Context,
	archive, destDir string,
	run execHost,
) error {
	switch {
	case strings.HasSuffix(archive, ".cpio"),
		strings.HasSuffix(archive, ".cpio.gz"):
		return extractCPIO(archive, destDir)

	case strings.HasSuffix(archive, ".tar.xz"):
		// xz decompression is not worth doing in-process; the system
		// tar handles sparse files and flags correctly.
		return run(ctx, "tar", "xJf", archive, "-C", destDir)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownArchiveFormat, archive)
	}
}

// extractCPIO unpacks a cpio archive, optionally gzip-compressed, preserving
// modes and symlinks.
func extractCPIO(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var src io.Reader = f

	if strings.HasSuffix(archive, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", archive, err)
		}
		defer gz.Close()

		src = gz
	}

	reader := cpio.NewReader(src)

	var total uint64

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("read %s: %w", archive, err)
		}

		if err := extractEntry(reader, hdr, destDir); err != nil {
			return fmt.Errorf("extract %s: %w", archive, err)
		}

		total += uint64(hdr.Size)
	}

	slog.Info("extracted archive",
		slog.String("archive", filepath.Base(archive)),
		slog.String("size", humanize.Bytes(total)),
	)

	return nil
}

func extractEntry(reader *cpio.Reader, hdr *cpio.Header, destDir string) error {
	// Entry names in test archives are relative; anything trying to
	// escape the destination is rejected.
	name := filepath.Clean(hdr.Name)
	if name == ".." || strings.HasPrefix(name, "../") ||
		filepath.IsAbs(name) {
		return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
	}

	target := filepath.Join(destDir, name)
	mode := hdr.FileInfo().Mode()

	switch {
	case mode.IsDir():
		return os.MkdirAll(target, mode.Perm())

	case mode&os.ModeSymlink != 0:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		return os.Symlink(hdr.Linkname, target)

	case mode.IsRegular():
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		out, err := os.OpenFile(target,
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}

		if _, err := io.Copy(out, reader); err != nil {
			_ = out.Close()
			return err
		}

		return out.Close()

	default:
		// Device nodes and the like have no business in test archives.
		slog.Debug("skipping special archive entry",
			slog.String("name", hdr.Name))

		return nil
	}
}

// copyFile copies a single file preserving its mode.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
