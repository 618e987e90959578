// Package lazyfile implements a seekable view over a remote HTTP resource
// that only ever downloads the byte ranges actually read, fetched in
// fetchWindow-sized windows and cached in memory for the life of the
// file. This is what lets the artifact reader pull just a wheel's central
// directory and METADATA file out of a multi-megabyte remote zip without
// downloading the whole thing.
package lazyfile

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
)

// fetchWindow is how much to pull per range request: large enough to
// usually catch a wheel's zip central directory and dist-info in one
// round trip, small enough not to waste bandwidth on a single byte read.
const fetchWindow = 10_000

var contentRangePattern = regexp.MustCompile(`^bytes ([0-9]+)-[0-9]+/([0-9]+)$`)
var contentRangeLenOnlyPattern = regexp.MustCompile(`^bytes [^/]*/([0-9]+)$`)

// NotSupported indicates the server doesn't honor Range requests, so a
// lazy remote file can't be built for this URL; the caller should fall
// back to downloading the whole thing through the ordinary cached path.
type NotSupported struct {
	URL string
}

func (e *NotSupported) Error() string {
	return fmt.Sprintf("%s does not support HTTP Range requests", e.URL)
}

// File is an io.ReadSeeker over a remote resource, fetching only the byte
// ranges a caller actually reads.
type File struct {
	client *http.Client
	url    string

	length  int64
	seekPos int64

	// loaded holds every window fetched so far, keyed by its start offset,
	// kept sorted by offset so reads can find the nearest preceding chunk.
	loadedOffsets []int64
	loaded        map[int64][]byte
}

// New opens a lazy remote file, probing the server with HEAD bytes=0-1 to
// discover the total length without transferring any body. A suffix range
// (bytes=-N) would let the same request also prime the cache with the
// file's tail, but PyPI's Fastly configuration doesn't honor that syntax,
// so the length probe and the first real data fetch stay separate. Returns
// *NotSupported if the server ignores Range entirely (a 200 response).
func New(client *http.Client, url string) (*File, error) {
	f := &File{
		client: client,
		url:    url,
		loaded: make(map[int64][]byte),
	}

	rr, err := fetchRange(client, http.MethodHead, url, "bytes=0-1")
	if err != nil {
		return nil, err
	}
	if rr.complete {
		return nil, &NotSupported{URL: url}
	}
	f.length = rr.total
	return f, nil
}

func (f *File) store(offset int64, data []byte) {
	if _, ok := f.loaded[offset]; !ok {
		f.loadedOffsets = append(f.loadedOffsets, offset)
		sort.Slice(f.loadedOffsets, func(i, j int) bool { return f.loadedOffsets[i] < f.loadedOffsets[j] })
	}
	f.loaded[offset] = data
}

// rangeResult is the outcome of one ranged request: either a satisfied
// partial range (offset/total/data), a 416 telling us only the resource's
// total length (notSatisfiable, e.g. from the initial HEAD bytes=0-1 probe
// against an empty or single-byte resource), or complete, meaning the
// server ignored Range and sent the whole resource back.
type rangeResult struct {
	notSatisfiable bool
	complete       bool
	offset         int64
	total          int64
	data           []byte
}

// fetchRange performs one ranged request (GET or HEAD), reporting which of
// the three outcomes above occurred.
func fetchRange(client *http.Client, method, url, rangeHeader string) (rangeResult, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return rangeResult{}, err
	}
	req.Header.Set("Range", rangeHeader)

	resp, err := client.Do(req)
	if err != nil {
		return rangeResult{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		cr := resp.Header.Get("Content-Range")
		m := contentRangePattern.FindStringSubmatch(cr)
		if m == nil {
			return rangeResult{}, fmt.Errorf("fetching %s: unparseable Content-Range %q", url, cr)
		}
		off, _ := strconv.ParseInt(m[1], 10, 64)
		tot, _ := strconv.ParseInt(m[2], 10, 64)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return rangeResult{}, fmt.Errorf("reading range response from %s: %w", url, err)
		}
		return rangeResult{offset: off, total: tot, data: body}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		cr := resp.Header.Get("Content-Range")
		m := contentRangeLenOnlyPattern.FindStringSubmatch(cr)
		if m == nil {
			return rangeResult{}, fmt.Errorf("fetching %s: unparseable 416 Content-Range %q", url, cr)
		}
		tot, _ := strconv.ParseInt(m[1], 10, 64)
		return rangeResult{notSatisfiable: true, total: tot}, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return rangeResult{}, fmt.Errorf("reading response from %s: %w", url, err)
		}
		return rangeResult{complete: true, total: int64(len(body)), data: body}, nil
	default:
		return rangeResult{}, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
}

func (f *File) loadRange(offset, length int64) error {
	end := offset + length
	if end > f.length {
		end = f.length
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, end-1)
	rr, err := fetchRange(f.client, http.MethodGet, f.url, rangeHeader)
	if err != nil {
		return err
	}
	if rr.complete {
		return fmt.Errorf("server stopped honoring Range requests partway through reading %s", f.url)
	}
	if rr.notSatisfiable {
		return fmt.Errorf("server returned 416 Range Not Satisfiable fetching %s", f.url)
	}
	f.store(rr.offset, rr.data)
	return nil
}

// copyLoaded finds the loaded window covering offset (if any) and copies as
// much of it as fits into buf, returning the byte count and whether any
// data was found at all.
func (f *File) copyLoaded(offset int64, buf []byte) (int, bool) {
	// binary-search-ish: find the last loaded offset <= offset
	idx := sort.Search(len(f.loadedOffsets), func(i int) bool { return f.loadedOffsets[i] > offset }) - 1
	if idx < 0 {
		return 0, false
	}
	loadedOffset := f.loadedOffsets[idx]
	data := f.loaded[loadedOffset]
	slide := offset - loadedOffset
	if slide < 0 || slide >= int64(len(data)) {
		return 0, false
	}
	usable := data[slide:]
	n := len(buf)
	if len(usable) < n {
		n = len(usable)
	}
	copy(buf[:n], usable[:n])
	return n, true
}

// gapAround finds the [start, end) range of currently-unloaded bytes that
// contains pos, bounded by whatever loaded windows are adjacent to it.
func (f *File) gapAround(pos int64) (start, end int64) {
	start = 0
	for _, off := range f.loadedOffsets {
		if off > pos {
			break
		}
		chunkEnd := off + int64(len(f.loaded[off]))
		if chunkEnd > start {
			start = chunkEnd
		}
	}
	end = f.length
	for _, off := range f.loadedOffsets {
		if off > pos && off < end {
			end = off
		}
	}
	return start, end
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Read implements io.Reader, fetching and caching a fetchWindow-sized
// window around the current position whenever the requested bytes aren't
// already loaded.
func (f *File) Read(buf []byte) (int, error) {
	wanted := int64(len(buf))
	if remaining := f.length - f.seekPos; wanted > remaining {
		wanted = remaining
	}
	if wanted <= 0 {
		return 0, io.EOF
	}

	if n, ok := f.copyLoaded(f.seekPos, buf); ok {
		f.seekPos += int64(n)
		return n, nil
	}

	gapStart, gapEnd := f.gapAround(f.seekPos)
	fetchStart := f.seekPos
	if gapEnd-f.seekPos < fetchWindow {
		fetchStart = gapEnd - fetchWindow
	}
	fetchEnd := fetchStart + fetchWindow
	fetchStart = clamp(fetchStart, gapStart, gapEnd)
	fetchEnd = clamp(fetchEnd, gapStart, gapEnd)

	if err := f.loadRange(fetchStart, fetchEnd-fetchStart); err != nil {
		return 0, err
	}

	n, ok := f.copyLoaded(f.seekPos, buf)
	if !ok {
		return 0, fmt.Errorf("lazyfile: range fetch for offset %d did not produce usable data", f.seekPos)
	}
	f.seekPos += int64(n)
	return n, nil
}

// Seek implements io.Seeker. Seeking past the end of the file is allowed;
// a subsequent Read simply returns EOF, same as an *os.File.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		f.seekPos = offset
		return offset, nil
	case io.SeekEnd:
		base = f.length
	case io.SeekCurrent:
		base = f.seekPos
	default:
		return 0, fmt.Errorf("lazyfile: invalid whence %d", whence)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("lazyfile: invalid seek to negative position")
	}
	f.seekPos = newPos
	return newPos, nil
}

// Len reports the remote resource's total length, as discovered by New.
func (f *File) Len() int64 { return f.length }
