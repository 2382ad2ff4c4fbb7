// Package gcs publishes archives to Google Cloud Storage: upload, then an
// explicit allUsers READER grant that makes the object reachable by URL.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// DefaultPublicBaseURL is where publicly readable GCS objects are served.
const DefaultPublicBaseURL = "https://storage.googleapis.com"

// Config captures the parameters required to publish into GCS.
type Config struct {
	Bucket        string
	Prefix        string
	PublicBaseURL string
}

// Publisher implements bundle.Publisher on a GCS bucket. The bucket must use
// fine-grained (ACL) access control for GrantPublicRead to succeed.
type Publisher struct {
	client *storage.Client
	bucket string
	prefix string
	base   string
	now    func() time.Time
}

// New creates a GCS-backed publisher.
func New(client *storage.Client, cfg Config, clock bundle.Clock) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = DefaultPublicBaseURL
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		base:   base,
		now:    now,
	}, nil
}

// ObjectName returns the full object name for a name relative to the prefix.
func (p *Publisher) ObjectName(name string) string {
	name = strings.TrimLeft(name, "/")
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// Upload copies localPath into the bucket and returns the object name.
func (p *Publisher) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	if strings.TrimSpace(objectName) == "" {
		return "", errors.New("object name is required")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	remoteID := p.ObjectName(objectName)
	writer := p.client.Bucket(p.bucket).Object(remoteID).NewWriter(ctx)
	writer.ContentType = "application/zip"
	writer.ContentDisposition = fmt.Sprintf("attachment; filename=%q", path.Base(remoteID))
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return remoteID, nil
}

// GrantPublicRead adds an allUsers READER ACL entry and returns the public URL.
func (p *Publisher) GrantPublicRead(ctx context.Context, remoteID string) (bundle.PublishedLink, error) {
	acl := p.client.Bucket(p.bucket).Object(remoteID).ACL()
	if err := acl.Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return bundle.PublishedLink{}, fmt.Errorf("set public acl: %w", err)
	}
	return bundle.PublishedLink{
		RemoteID:     remoteID,
		ShareableURL: p.ShareableURL(remoteID),
		GrantedAt:    p.now().UTC(),
	}, nil
}

// Delete removes the object. A missing object is not an error.
func (p *Publisher) Delete(ctx context.Context, remoteID string) error {
	err := p.client.Bucket(p.bucket).Object(remoteID).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("delete object: %w", err)
}

// List returns the names of all objects under the configured prefix.
func (p *Publisher) List(ctx context.Context) ([]string, error) {
	query := &storage.Query{}
	if p.prefix != "" {
		query.Prefix = p.prefix + "/"
	}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("select attrs: %w", err)
	}
	it := p.client.Bucket(p.bucket).Objects(ctx, query)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("list objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
}

// ShareableURL builds the public URL for remoteID.
func (p *Publisher) ShareableURL(remoteID string) string {
	segs := strings.Split(remoteID, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return p.base + "/" + url.PathEscape(p.bucket) + "/" + strings.Join(segs, "/")
}

// RemoteID recovers the object name from a URL issued by ShareableURL.
func (p *Publisher) RemoteID(shareableURL string) (string, bool) {
	root := p.base + "/" + url.PathEscape(p.bucket) + "/"
	if !strings.HasPrefix(shareableURL, root) {
		return "", false
	}
	escaped := strings.TrimPrefix(shareableURL, root)
	if i := strings.IndexAny(escaped, "?#"); i >= 0 {
		escaped = escaped[:i]
	}
	name, err := url.PathUnescape(escaped)
	if err != nil || name == "" {
		return "", false
	}
	if p.prefix != "" && !strings.HasPrefix(name, p.prefix+"/") {
		return "", false
	}
	return name, true
}
