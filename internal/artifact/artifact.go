// Package artifact opens library (wheel), interpreter (pybi) and source
// (sdist) archives: locating and parsing their metadata directory, and
// safely unpacking their contents to disk.
package artifact

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/bilusteknoloji/envforge/internal/metadata"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/version"
)

func init() {
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
}

// InvalidMetadata reports a structural problem with an archive's metadata
// directory: missing, duplicated, or disagreeing with the artifact's own
// filename.
type InvalidMetadata struct {
	Reason string
}

func (e *InvalidMetadata) Error() string { return "invalid archive metadata: " + e.Reason }

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// findUniqueDir returns the single top-level zip directory entry whose
// name ends in suffix, failing if there are zero or more than one.
func findUniqueDir(zr *zip.Reader, suffix string) (string, error) {
	seen := map[string]bool{}
	for _, f := range zr.File {
		first, _, _ := strings.Cut(f.Name, "/")
		if strings.HasSuffix(first, suffix) {
			seen[first] = true
		}
	}
	switch len(seen) {
	case 0:
		return "", &InvalidMetadata{Reason: fmt.Sprintf("no %s directory found in archive", suffix)}
	case 1:
		for dir := range seen {
			return dir, nil
		}
	}
	return "", &InvalidMetadata{Reason: fmt.Sprintf("found multiple %s directories in archive", suffix)}
}

// parseDistVer parses a "<distribution>-<version>" stem the same way a
// source-distribution filename is parsed, reusing the name/version dash-
// split grammar for a directory name that follows the identical shape.
func parseDistVer(stem string) (pkgname.Name, version.Version, error) {
	s, err := pkgname.ParseSdistName(stem + ".zip")
	if err != nil {
		return pkgname.Name{}, version.Version{}, err
	}
	return s.Distribution, s.Version, nil
}

// Wheel wraps a seekable library archive plus its parsed filename.
type Wheel struct {
	name pkgname.WheelName
	zr   *zip.Reader
}

// OpenWheel opens a wheel archive over r (sized size bytes).
func OpenWheel(name pkgname.WheelName, r io.ReaderAt, size int64) (*Wheel, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening wheel %s: %w", name, err)
	}
	return &Wheel{name: name, zr: zr}, nil
}

func (w *Wheel) Name() pkgname.WheelName { return w.name }

// Metadata locates the wheel's unique "<dist>-<ver>.dist-info/" directory,
// validates it against the wheel's own filename, reads and major-version-
// checks WHEEL, then reads, parses and cross-checks METADATA. It returns
// METADATA's raw bytes (for caching) alongside the parsed result.
func (w *Wheel) Metadata() ([]byte, metadata.CoreMetadata, error) {
	dir, err := findUniqueDir(w.zr, ".dist-info")
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	stem := strings.TrimSuffix(dir, ".dist-info")
	dist, ver, err := parseDistVer(stem)
	if err != nil {
		return nil, metadata.CoreMetadata{}, &InvalidMetadata{Reason: fmt.Sprintf("malformed dist-info directory name %q: %v", dir, err)}
	}
	if !dist.Equal(w.name.Distribution) || !version.Equal(ver, w.name.Version) {
		return nil, metadata.CoreMetadata{}, &InvalidMetadata{
			Reason: fmt.Sprintf("dist-info directory %q doesn't match filename %s", dir, w.name),
		}
	}

	wheelRaw, err := readZipFile(w.zr, dir+"/WHEEL")
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	if _, err := metadata.ParseWheelMetadata(string(wheelRaw)); err != nil {
		return nil, metadata.CoreMetadata{}, err
	}

	metaRaw, err := readZipFile(w.zr, dir+"/METADATA")
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	cm, err := metadata.ParseCoreMetadata(string(metaRaw))
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	if err := crossCheckCoreMetadata(cm, w.name.Distribution, w.name.Version, dir+"/METADATA"); err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	return metaRaw, cm, nil
}

// Unpack extracts the wheel's contents into destination. Callers that care
// about PEP 427's ".data/" subdirectory routing (purelib/platlib/scripts/
// data/headers) do that rewriting themselves before or after calling this;
// Unpack only guarantees every entry lands somewhere inside destination.
func (w *Wheel) Unpack(destination string) error {
	return unpackZip(w.zr, destination)
}

// Pybi wraps a seekable interpreter archive plus its parsed filename.
type Pybi struct {
	name pkgname.PybiName
	zr   *zip.Reader
}

func OpenPybi(name pkgname.PybiName, r io.ReaderAt, size int64) (*Pybi, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening pybi %s: %w", name, err)
	}
	return &Pybi{name: name, zr: zr}, nil
}

func (p *Pybi) Name() pkgname.PybiName { return p.name }

// Metadata reads pybi-info/PYBI (major-version-checked) then pybi-info/
// METADATA, cross-checking the latter against the pybi's own filename.
func (p *Pybi) Metadata() ([]byte, metadata.CoreMetadata, error) {
	formatRaw, err := readZipFile(p.zr, "pybi-info/PYBI")
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	if _, err := metadata.ParsePybiMetadata(string(formatRaw)); err != nil {
		return nil, metadata.CoreMetadata{}, err
	}

	metaRaw, err := readZipFile(p.zr, "pybi-info/METADATA")
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	cm, err := metadata.ParseCoreMetadata(string(metaRaw))
	if err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	if err := crossCheckCoreMetadata(cm, p.name.Distribution, p.name.Version, "pybi-info/METADATA"); err != nil {
		return nil, metadata.CoreMetadata{}, err
	}
	return metaRaw, cm, nil
}

func (p *Pybi) Unpack(destination string) error {
	return unpackZip(p.zr, destination)
}

func crossCheckCoreMetadata(cm metadata.CoreMetadata, dist pkgname.Name, ver version.Version, path string) error {
	name, err := cm.Name()
	if err != nil {
		return err
	}
	parsedName, err := pkgname.ParseName(name)
	if err != nil {
		return err
	}
	if !parsedName.Equal(dist) {
		return &InvalidMetadata{Reason: fmt.Sprintf("%s declares Name %q, filename says %s", path, name, dist)}
	}
	rawVer, err := cm.Version()
	if err != nil {
		return err
	}
	parsedVer, err := version.Parse(rawVer)
	if err != nil {
		return err
	}
	if !version.Equal(parsedVer, ver) {
		return &InvalidMetadata{Reason: fmt.Sprintf("%s declares Version %q, filename says %s", path, rawVer, ver)}
	}
	return nil
}

// Sdist wraps a source archive. Its metadata isn't extracted here: per the
// package database's fallback ladder, source archives without a static
// metadata directory are handed off to an external build frontend instead.
type Sdist struct {
	name pkgname.SdistName
}

func OpenSdist(name pkgname.SdistName) *Sdist { return &Sdist{name: name} }

func (s *Sdist) Name() pkgname.SdistName { return s.name }

// Unpack extracts the source archive read from r into destination,
// dispatching on the archive's own format (a source archive arrives as a
// stream, not a seekable file, so unlike Wheel/Pybi there's no io.ReaderAt
// overload).
func (s *Sdist) Unpack(r io.Reader, destination string) error {
	switch s.name.Format {
	case pkgname.SdistZip:
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading sdist %s: %w", s.name, err)
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("opening sdist %s: %w", s.name, err)
		}
		return unpackZip(zr, destination)
	default:
		return unpackTarGz(r, destination)
	}
}
