package artifact

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// UnsafeArchivePath reports an archive entry whose path can't be written
// safely: it escapes the extraction root, uses a reserved or
// non-portable character, or (for a symlink) points somewhere outside the
// archive's own tree.
type UnsafeArchivePath struct {
	Entry  string
	Reason string
}

func (e *UnsafeArchivePath) Error() string {
	return fmt.Sprintf("unsafe archive path %q: %s", e.Entry, e.Reason)
}

// naughtyChars are reserved or non-portable across Windows/macOS/Linux
// filesystems; see https://learn.microsoft.com/windows/win32/fileio/naming-a-file
const naughtyChars = `<>:"|?*\` + "/"

func validatePathComponent(s string) error {
	if s == "" {
		return fmt.Errorf("path components must be non-empty")
	}
	if strings.ContainsAny(s, naughtyChars) {
		return fmt.Errorf("invalid or non-portable character in path component %q", s)
	}
	for _, r := range s {
		if r < 0x20 {
			return fmt.Errorf("control character in path component %q", s)
		}
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, " ") {
		return fmt.Errorf("non-portable trailing character in path component %q", s)
	}
	return nil
}

// normalizeEntryPath splits and validates a zip entry's forward-slash
// path, collapsing "." and ".." the way a shell would, and rejecting the
// result if any unresolved ".." remains at the front (the entry would
// land outside the extraction root).
func normalizeEntryPath(raw string) ([]string, error) {
	comps, leadingParents, err := collapsePath(raw)
	if err != nil {
		return nil, err
	}
	if leadingParents > 0 {
		return nil, &UnsafeArchivePath{Entry: raw, Reason: "path escapes the archive root"}
	}
	return comps, nil
}

// collapsePath splits raw on "/", validates each real component, and
// collapses "." and ".." against what's been seen so far. It returns the
// resulting normal components plus a count of ".." entries that couldn't
// be collapsed against anything (i.e. that still point above the start of
// the path) — callers decide whether that's acceptable.
func collapsePath(raw string) (comps []string, leadingParents int, err error) {
	for _, part := range strings.Split(raw, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(comps) > 0 {
				comps = comps[:len(comps)-1]
			} else {
				leadingParents++
			}
		default:
			if err := validatePathComponent(part); err != nil {
				return nil, 0, &UnsafeArchivePath{Entry: raw, Reason: err.Error()}
			}
			comps = append(comps, part)
		}
	}
	return comps, leadingParents, nil
}

type deferredSymlink struct {
	sourceComponents []string
	target           string
}

// unpackZip extracts every entry of zr into destination, validating paths
// per normalizeEntryPath, writing regular files with mode 0o777 if the
// archive's unix permission bits set any execute bit (else 0o666), and
// deferring symlinks until every regular file and directory has been
// written, applied longest-source-path first so an earlier symlinked
// directory is never followed while writing a later one.
func unpackZip(zr *zip.Reader, destination string) error {
	var symlinks []deferredSymlink

	for _, f := range zr.File {
		comps, err := normalizeEntryPath(f.Name)
		if err != nil {
			return err
		}
		if len(comps) == 0 {
			continue
		}

		if f.Mode()&os.ModeSymlink != 0 {
			target, err := readZipEntry(f)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", f.Name, err)
			}
			if err := validateSymlinkTarget(f.Name, comps, string(target)); err != nil {
				return err
			}
			symlinks = append(symlinks, deferredSymlink{sourceComponents: comps, target: string(target)})
			continue
		}

		destPath := filepath.Join(append([]string{destination}, comps...)...)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o777); err != nil {
				return fmt.Errorf("creating directory %s: %w", destPath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o777); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Name, err)
		}
		if err := extractRegularFile(f, destPath); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}

	sort.SliceStable(symlinks, func(i, j int) bool {
		return len(symlinks[i].sourceComponents) < len(symlinks[j].sourceComponents)
	})
	for i := len(symlinks) - 1; i >= 0; i-- {
		s := symlinks[i]
		sourcePath := filepath.Join(append([]string{destination}, s.sourceComponents...)...)
		if err := os.MkdirAll(filepath.Dir(sourcePath), 0o777); err != nil {
			return fmt.Errorf("creating directory for symlink %s: %w", sourcePath, err)
		}
		if err := os.Symlink(filepath.FromSlash(s.target), sourcePath); err != nil {
			return fmt.Errorf("creating symlink %s -> %s: %w", sourcePath, s.target, err)
		}
	}
	return nil
}

// validateSymlinkTarget rejects a symlink whose target, resolved relative
// to the symlink's own directory, would climb above the archive root.
// Source has one "free" level of ".." because a symlink resolves relative
// to its containing directory, not to itself.
func validateSymlinkTarget(entryName string, sourceComps []string, target string) error {
	_, parents, err := collapsePath(target)
	if err != nil {
		return err
	}
	if len(sourceComps) < 1+parents {
		return &UnsafeArchivePath{Entry: entryName, Reason: fmt.Sprintf("symlink target %q escapes the archive root", target)}
	}
	return nil
}

func extractRegularFile(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening zip entry: %w", err)
	}
	defer src.Close()

	mode := os.FileMode(0o666)
	if f.Mode()&0o111 != 0 {
		mode = 0o777
	}

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("writing %s: %w", destPath, err)
	}
	return dst.Close()
}

func readZipEntry(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// unpackTarGz extracts a gzip-compressed tar stream into destination,
// applying the same path-safety and deferred-symlink rules as unpackZip.
// Source archives only ever arrive as a stream (never a seekable, indexed
// reader like a zip's central directory), so this walks entries as they're
// read rather than pre-scanning a directory.
func unpackTarGz(r io.Reader, destination string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	var symlinks []deferredSymlink
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		comps, err := normalizeEntryPath(hdr.Name)
		if err != nil {
			return err
		}
		if len(comps) == 0 {
			continue
		}
		destPath := filepath.Join(append([]string{destination}, comps...)...)

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			if err := validateSymlinkTarget(hdr.Name, comps, hdr.Linkname); err != nil {
				return err
			}
			symlinks = append(symlinks, deferredSymlink{sourceComponents: comps, target: hdr.Linkname})
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0o777); err != nil {
				return fmt.Errorf("creating directory %s: %w", destPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0o777); err != nil {
				return fmt.Errorf("creating directory for %s: %w", hdr.Name, err)
			}
			mode := os.FileMode(0o666)
			if hdr.Mode&0o111 != 0 {
				mode = 0o777
			}
			dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
			if err != nil {
				return fmt.Errorf("creating %s: %w", destPath, err)
			}
			if _, err := io.Copy(dst, tr); err != nil {
				dst.Close()
				return fmt.Errorf("writing %s: %w", destPath, err)
			}
			if err := dst.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", destPath, err)
			}
		default:
			// device files, fifos, hardlinks: not meaningful inside a
			// source archive, and not worth failing the whole unpack over.
			continue
		}
	}

	sort.SliceStable(symlinks, func(i, j int) bool {
		return len(symlinks[i].sourceComponents) < len(symlinks[j].sourceComponents)
	})
	for i := len(symlinks) - 1; i >= 0; i-- {
		s := symlinks[i]
		sourcePath := filepath.Join(append([]string{destination}, s.sourceComponents...)...)
		if err := os.MkdirAll(filepath.Dir(sourcePath), 0o777); err != nil {
			return fmt.Errorf("creating directory for symlink %s: %w", sourcePath, err)
		}
		if err := os.Symlink(filepath.FromSlash(s.target), sourcePath); err != nil {
			return fmt.Errorf("creating symlink %s -> %s: %w", sourcePath, s.target, err)
		}
	}
	return nil
}
