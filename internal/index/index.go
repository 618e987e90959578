// Package index fetches and parses per-package pages from a simple
// repository index (PEP 503-ish HTML), turning each into an ordered
// version -> artifact-info mapping merged across every configured index
// base.
package index

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/httpcache"
	"github.com/bilusteknoloji/envforge/internal/pkgname"
	"github.com/bilusteknoloji/envforge/internal/version"
)

// UnexpectedContentType reports an index response whose Content-Type wasn't
// text/html.
type UnexpectedContentType struct {
	URL         string
	ContentType string
}

func (e *UnexpectedContentType) Error() string {
	return fmt.Sprintf("fetching %s: expected Content-Type text/html, got %q", e.URL, e.ContentType)
}

// UnsupportedIndexVersion reports a repository-version meta tag naming a
// major version this client doesn't understand.
type UnsupportedIndexVersion struct {
	URL     string
	Version string
}

func (e *UnsupportedIndexVersion) Error() string {
	return fmt.Sprintf("index page %s declares unsupported repository version %q", e.URL, e.Version)
}

// ArtifactInfo is the index's entry for one downloadable file.
type ArtifactInfo struct {
	Name pkgname.ArtifactName
	URL  string

	// Hash is nil if the link carried no "<algo>=<hex>" fragment.
	Hash *artifacthash.Hash

	// RequiresPython is the artifact's own requires-interpreter gate,
	// independent of whatever its core metadata eventually says.
	RequiresPython version.SpecifierSet

	// DistInfoMetadataAvailable and DistInfoMetadataHash record PEP 658's
	// "metadata exposed separately" optimization. decodeLink sets
	// DistInfoMetadataAvailable from the link's data-dist-info-metadata
	// attribute; DistInfoMetadataHash is never populated, and nothing in this
	// codebase reads either field.
	DistInfoMetadataAvailable bool
	DistInfoMetadataHash      *artifacthash.Hash

	Yanked       bool
	YankedReason string
}

// ProjectInfo is everything a simple-repository "project detail" page says
// about one package, before being grouped by version.
type ProjectInfo struct {
	RepositoryVersion string
	BaseURL           string
	Artifacts         []ArtifactInfo
}

// Client fetches and parses simple-repository index pages across one or
// more configured index bases.
type Client struct {
	http   *httpcache.Client
	bases  []string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger used for per-link parse warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Client that queries the given index bases, in order.
func New(http *httpcache.Client, bases []string, opts ...Option) *Client {
	c := &Client{http: http, bases: bases, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fetchProjectInfo fetches and parses a single index base's page for name.
// The page goes through the response cache in Default mode: a cached copy
// that is still fresh is used without asking the index again, and no
// Cache-Control: max-age=0 header is sent.
func (c *Client) fetchProjectInfo(base string, name pkgname.Name) (ProjectInfo, error) {
	pageURL, err := projectPageURL(base, name)
	if err != nil {
		return ProjectInfo{}, err
	}

	resp, err := c.http.Get(pageURL, httpcache.Default)
	if err != nil {
		return ProjectInfo{}, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/html") {
		return ProjectInfo{}, &UnexpectedContentType{URL: resp.URL, ContentType: contentType}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProjectInfo{}, fmt.Errorf("reading index page %s: %w", resp.URL, err)
	}

	respURL, err := url.Parse(resp.URL)
	if err != nil {
		return ProjectInfo{}, fmt.Errorf("parsing response URL %s: %w", resp.URL, err)
	}

	parsed, err := scanPage(respURL, string(body))
	if err != nil {
		return ProjectInfo{}, err
	}

	if !strings.HasPrefix(parsed.repositoryVersion, "1.") && parsed.repositoryVersion != "" {
		return ProjectInfo{}, &UnsupportedIndexVersion{URL: resp.URL, Version: parsed.repositoryVersion}
	}

	info := ProjectInfo{RepositoryVersion: parsed.repositoryVersion, BaseURL: resp.URL}
	for _, l := range parsed.links {
		ai, ok := decodeLink(name, l, c.logger)
		if !ok {
			continue
		}
		info.Artifacts = append(info.Artifacts, ai)
	}
	return info, nil
}

// projectPageURL builds "<base>/<normalized-name>/" the way a simple
// repository index expects it, normalizing a missing trailing slash on the
// base.
func projectPageURL(base string, name pkgname.Name) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid index base %q: %w", base, err)
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	rel, err := url.Parse(name.Normalized() + "/")
	if err != nil {
		return "", err
	}
	return b.ResolveReference(rel).String(), nil
}

// decodeLink turns one scanned anchor into an ArtifactInfo, logging and
// skipping (never failing the whole page for) links that don't parse as an
// artifact filename or that name some other package entirely.
func decodeLink(queried pkgname.Name, l link, logger *slog.Logger) (ArtifactInfo, bool) {
	rawURL, fragment := splitFragment(l.url)

	name, err := pkgname.ParseArtifactName(lastPathSegment(rawURL))
	if err != nil {
		logger.Warn("skipping unparseable index link", slog.String("url", l.url), slog.String("error", err.Error()))
		return ArtifactInfo{}, false
	}
	if name.Distribution().Normalized() != queried.Normalized() {
		logger.Warn("skipping index link naming a different package",
			slog.String("url", l.url),
			slog.String("queried", queried.Normalized()),
			slog.String("found", name.Distribution().Normalized()),
		)
		return ArtifactInfo{}, false
	}

	ai := ArtifactInfo{Name: name, URL: rawURL, RequiresPython: version.Any()}

	if fragment != "" {
		h, err := artifacthash.Parse(fragment)
		if err != nil {
			logger.Warn("skipping index link with unparseable hash fragment",
				slog.String("url", l.url), slog.String("error", err.Error()))
			return ArtifactInfo{}, false
		}
		ai.Hash = &h
	}

	if l.hasRequires {
		specs, err := version.ParseSpecifierSet(l.requiresPython)
		if err != nil {
			logger.Warn("ignoring unparseable data-requires-python",
				slog.String("url", l.url), slog.String("value", l.requiresPython), slog.String("error", err.Error()))
		} else {
			ai.RequiresPython = specs
		}
	}

	if l.hasYanked {
		ai.Yanked = true
		ai.YankedReason = l.yanked
	}

	ai.DistInfoMetadataAvailable = l.distInfoMeta

	return ai, true
}

// splitFragment strips a trailing "#algo=hex" fragment off a URL, returning
// the bare URL and the fragment contents (without the leading '#').
func splitFragment(raw string) (string, string) {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

func lastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// AvailableArtifacts fetches every configured index base's page for name,
// merges their artifacts by version, and returns them sorted newest first.
// Each (name, version) pair's artifact list preserves document order within
// a base and base order across bases, so results are deterministic given
// fixed index state.
func (c *Client) AvailableArtifacts(name pkgname.Name) ([]VersionArtifacts, error) {
	packed := map[string][]ArtifactInfo{}
	var order []version.Version
	seen := map[string]bool{}

	for _, base := range c.bases {
		info, err := c.fetchProjectInfo(base, name)
		if err != nil {
			return nil, err
		}
		for _, ai := range info.Artifacts {
			v := ai.Name.Version()
			key := v.String()
			if !seen[key] {
				seen[key] = true
				order = append(order, v)
			}
			packed[key] = append(packed[key], ai)
		}
	}

	sort.SliceStable(order, func(i, j int) bool { return version.Less(order[j], order[i]) })

	out := make([]VersionArtifacts, 0, len(order))
	for _, v := range order {
		out = append(out, VersionArtifacts{Version: v, Artifacts: packed[v.String()]})
	}
	return out, nil
}

// VersionArtifacts pairs one release version with every artifact found for
// it across all configured index bases.
type VersionArtifacts struct {
	Version   version.Version
	Artifacts []ArtifactInfo
}
