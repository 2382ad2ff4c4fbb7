package memory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Object is an uploaded artifact held by Publisher.
type Object struct {
	Data   []byte
	Public bool
}

// Publisher is an in-memory bundle.Publisher. Failures can be injected per
// phase to exercise partial-publish paths.
type Publisher struct {
	mu      sync.Mutex
	base    string
	objects map[string]*Object
	deleted []string
	now     func() time.Time

	UploadErr error
	GrantErr  error
	DeleteErr error
}

// NewPublisher returns a Publisher whose shareable URLs start with baseURL.
func NewPublisher(baseURL string) *Publisher {
	if baseURL == "" {
		baseURL = "memory://zips"
	}
	return &Publisher{
		base:    strings.TrimRight(baseURL, "/"),
		objects: make(map[string]*Object),
		now:     time.Now,
	}
}

// Upload reads localPath into memory.
func (p *Publisher) Upload(_ context.Context, localPath, objectName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UploadErr != nil {
		return "", p.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	remoteID := path.Clean(strings.TrimLeft(objectName, "/"))
	p.objects[remoteID] = &Object{Data: data}
	return remoteID, nil
}

// GrantPublicRead marks the object public.
func (p *Publisher) GrantPublicRead(_ context.Context, remoteID string) (bundle.PublishedLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GrantErr != nil {
		return bundle.PublishedLink{}, p.GrantErr
	}
	obj, ok := p.objects[remoteID]
	if !ok {
		return bundle.PublishedLink{}, fmt.Errorf("object %q does not exist", remoteID)
	}
	obj.Public = true
	return bundle.PublishedLink{
		RemoteID:     remoteID,
		ShareableURL: p.base + "/" + (&url.URL{Path: remoteID}).EscapedPath(),
		GrantedAt:    p.now().UTC(),
	}, nil
}

// Delete removes the object; missing objects are ignored.
func (p *Publisher) Delete(_ context.Context, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	if _, ok := p.objects[remoteID]; ok {
		delete(p.objects, remoteID)
		p.deleted = append(p.deleted, remoteID)
	}
	return nil
}

// List returns all object names.
func (p *Publisher) List(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RemoteID recovers the object name from a URL issued by this publisher.
func (p *Publisher) RemoteID(shareableURL string) (string, bool) {
	rest, ok := strings.CutPrefix(shareableURL, p.base+"/")
	if !ok || rest == "" {
		return "", false
	}
	name, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return name, true
}

// Object returns a copy of the stored object.
func (p *Publisher) Object(remoteID string) (Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[remoteID]
	if !ok {
		return Object{}, false
	}
	return Object{Data: append([]byte(nil), obj.Data...), Public: obj.Public}, true
}

// Deleted lists objects removed through Delete.
func (p *Publisher) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")
