package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	_ "golang.org/x/image/webp"
)

const (
	fetchTimeout  = 15 * time.Second
	dialTimeout   = 5 * time.Second
	maxFetchBytes = 32 << 20
	maxRedirects  = 5
)

var (
	// ErrInvalidSource is returned when a source document or image cannot be
	// decoded, or when a reference points outside what the document may read.
	ErrInvalidSource = errors.New("invalid source")
	ErrNoBlobStore   = errors.New("no blob store configured")
	// ErrBlockedHost is returned for remote images on hosts that may not be fetched.
	ErrBlockedHost = errors.New("image host not allowed")
)

// BlobReader is the part of the storage contract the renderer reads from.
type BlobReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Loader resolves image and source references: data URIs, http(s) URLs and
// storage object keys. Storage keys are only read under the prefixes owned by
// the loader's entity (see For).
type Loader struct {
	blobs    BlobReader
	client   *http.Client
	hosts    []string
	entityID uint
}

// NewLoader builds a Loader. A nil client gets a default with a 15s timeout
// that refuses to dial loopback, private and link-local addresses.
func NewLoader(blobs BlobReader, client *http.Client) *Loader {
	if client == nil {
		client = newGuardedClient()
	}
	return &Loader{blobs: blobs, client: client}
}

// AllowHosts restricts remote images to the given hosts and their
// subdomains. No hosts means any public host.
func (l *Loader) AllowHosts(hosts ...string) *Loader {
	l.hosts = l.hosts[:0]
	for _, h := range hosts {
		if h = strings.ToLower(strings.Trim(strings.TrimSpace(h), ".")); h != "" {
			l.hosts = append(l.hosts, h)
		}
	}
	return l
}

// For returns a copy of l that reads the storage keys of entityID.
func (l *Loader) For(entityID uint) *Loader {
	c := *l
	c.entityID = entityID
	return &c
}

// OwnedKeyPrefixes lists the storage prefixes an entity's documents may read.
func OwnedKeyPrefixes(entityID uint) []string {
	return []string{
		fmt.Sprintf("template-sources/%d/", entityID),
		fmt.Sprintf("generated/%d/", entityID),
	}
}

func (l *Loader) ownsKey(key string) bool {
	if path.Clean(key) != key {
		return false
	}
	for _, prefix := range OwnedKeyPrefixes(l.entityID) {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Fetch returns the raw bytes behind ref.
func (l *Loader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, fmt.Errorf("empty reference: %w", ErrInvalidSource)
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		return l.fetchURL(ctx, ref)
	default:
		if !l.ownsKey(ref) {
			return nil, fmt.Errorf("storage key %q is not readable by entity %d: %w", ref, l.entityID, ErrInvalidSource)
		}
		if l.blobs == nil {
			return nil, fmt.Errorf("load %q: %w", ref, ErrNoBlobStore)
		}
		data, err := l.blobs.Download(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("download %q: %w", ref, err)
		}
		return data, nil
	}
}

// Image fetches and decodes ref. The format is the image package name
// ("png", "jpeg", "gif", "webp").
func (l *Loader) Image(ctx context.Context, ref string) (image.Image, string, error) {
	data, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w: %v", ErrInvalidSource, err)
	}
	return img, format, nil
}

func (l *Loader) fetchURL(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w: %v", ErrInvalidSource, err)
	}
	if err := l.checkHost(u); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := *l.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return l.checkHost(next.URL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", raw, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", raw, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", raw, maxFetchBytes)
	}
	return data, nil
}

func (l *Loader) checkHost(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("fetch %s: %w", u.Redacted(), ErrBlockedHost)
	}
	if len(l.hosts) == 0 {
		return nil
	}
	for _, allowed := range l.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("fetch %s: %w", u.Redacted(), ErrBlockedHost)
}

// newGuardedClient checks every dialed address after DNS resolution, so a
// public name pointing at an internal address is refused as well.
func newGuardedClient() *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout, Control: refuseInternal}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: fetchTimeout, Transport: transport}
}

func refuseInternal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || internalIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrBlockedHost)
	}
	return nil
}

func internalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast()
}

func decodeDataURI(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data uri: %w", ErrInvalidSource)
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data uri: %w: %v", ErrInvalidSource, err)
		}
		return data, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w: %v", ErrInvalidSource, err)
	}
	return []byte(decoded), nil
}
