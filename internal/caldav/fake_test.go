package caldav

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type fakeResource struct {
	etag string
	data string
}

type fakeChange struct {
	seq  int
	href string
}

// fakeServer is an in-memory CalDAV server implementing Transport. Every
// write bumps one change sequence that doubles as ctag and sync token.
type fakeServer struct {
	mu          sync.Mutex
	collections []Collection
	resources   map[string]fakeResource
	seq         int
	log         []fakeChange
	tokenFloor  int
	noSync      bool
	calls       map[string]int

	putHook    func(href string) error
	deleteHook func(href string) error

	// When gate is set, GetCollectionTag signals entered if someone
	// listens and waits for gate to close.
	gate    chan struct{}
	entered chan struct{}
}

var _ Transport = (*fakeServer)(nil)

func newFakeServer(collections ...Collection) *fakeServer {
	return &fakeServer{
		collections: collections,
		resources:   make(map[string]fakeResource),
		calls:       make(map[string]int),
	}
}

func (s *fakeServer) count(method string) {
	s.calls[method]++
}

func (s *fakeServer) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *fakeServer) record(href string) {
	s.seq++
	s.log = append(s.log, fakeChange{seq: s.seq, href: href})
}

// set stores data at href as a change made on the server and returns the
// new entity tag.
func (s *fakeServer) set(href, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(href, data)
}

func (s *fakeServer) store(href, data string) string {
	s.record(href)
	etag := fmt.Sprintf(`"e%d"`, s.seq)
	s.resources[href] = fakeResource{etag: etag, data: data}
	return etag
}

func (s *fakeServer) remove(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, href)
	s.record(href)
}

func (s *fakeServer) get(href string) (fakeResource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[href]
	return r, ok
}

// invalidateTokens makes every token issued so far unusable.
func (s *fakeServer) invalidateTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenFloor = s.seq + 1
}

func (s *fakeServer) DiscoverPrincipal(context.Context) (string, error) {
	return "/principals/me/", nil
}

func (s *fakeServer) DiscoverCollectionHome(context.Context, string) ([]string, error) {
	return []string{"/dav/"}, nil
}

func (s *fakeServer) ListCollections(context.Context, string) ([]Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Collection(nil), s.collections...), nil
}

func (s *fakeServer) GetCollectionTag(ctx context.Context, _ string) (string, error) {
	if s.gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetCollectionTag")
	return fmt.Sprintf("ctag-%d", s.seq), nil
}

func (s *fakeServer) GetChangeToken(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("tok-%d", s.seq), nil
}

func (s *fakeServer) FetchChanges(_ context.Context, collectionURL, token string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FetchChanges")
	if s.noSync {
		return nil, statusError("REPORT", collectionURL, 501, nil, false)
	}

	var hrefs []string
	if token == "" {
		hrefs = s.hrefsIn(collectionURL)
	} else {
		since, err := strconv.Atoi(strings.TrimPrefix(token, "tok-"))
		if err != nil || since < s.tokenFloor {
			return nil, statusError("REPORT", collectionURL, 403,
				[]byte(`<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`), false)
		}
		seen := make(map[string]bool)
		for _, ch := range s.log {
			if ch.seq > since && strings.HasPrefix(ch.href, collectionURL) && !seen[ch.href] {
				seen[ch.href] = true
				hrefs = append(hrefs, ch.href)
			}
		}
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` +
		`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
	for _, href := range hrefs {
		r, ok := s.resources[href]
		if !ok {
			fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:status>HTTP/1.1 404 Not Found</d:status></d:response>`, href)
			continue
		}
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<d:getetag>%s</d:getetag><c:calendar-data>%s</c:calendar-data>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
			href, xmlEscape(r.etag), xmlEscape(r.data))
	}
	fmt.Fprintf(&b, `<d:sync-token>tok-%d</d:sync-token></d:multistatus>`, s.seq)
	return []byte(b.String()), nil
}

func (s *fakeServer) ListResources(_ context.Context, collectionURL string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListResources")

	var b strings.Builder
	b.WriteString(`<d:multistatus xmlns:d="DAV:">`)
	fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
		`<d:resourcetype><d:collection/></d:resourcetype></d:prop>`+
		`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`, collectionURL)
	for _, href := range s.hrefsIn(collectionURL) {
		fmt.Fprintf(&b, `<d:response><d:href>%s</d:href><d:propstat><d:prop>`+
			`<d:resourcetype/><d:getetag>%s</d:getetag></d:prop>`+
			`<d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
			href, xmlEscape(s.resources[href].etag))
	}
	b.WriteString(`</d:multistatus>`)
	return []byte(b.String()), nil
}

func (s *fakeServer) hrefsIn(collectionURL string) []string {
	var hrefs []string
	for href := range s.resources {
		if strings.HasPrefix(href, collectionURL) {
			hrefs = append(hrefs, href)
		}
	}
	sort.Strings(hrefs)
	return hrefs
}

func (s *fakeServer) FetchResource(_ context.Context, href string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FetchResource")
	r, ok := s.resources[href]
	if !ok {
		return "", "", statusError("GET", href, 404, nil, false)
	}
	return r.etag, r.data, nil
}

func (s *fakeServer) PutResource(_ context.Context, href, payload, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("PutResource")
	if s.putHook != nil {
		if err := s.putHook(href); err != nil {
			return "", err
		}
	}
	r, exists := s.resources[href]
	if expectedETag == "" && exists || expectedETag != "" && (!exists || r.etag != expectedETag) {
		return "", statusError("PUT", href, 412, nil, true)
	}
	return s.store(href, payload), nil
}

func (s *fakeServer) DeleteResource(_ context.Context, href, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteResource")
	if s.deleteHook != nil {
		if err := s.deleteHook(href); err != nil {
			return err
		}
	}
	r, ok := s.resources[href]
	if !ok {
		return statusError("DELETE", href, 404, nil, expectedETag != "")
	}
	if expectedETag != "" && r.etag != expectedETag {
		return statusError("DELETE", href, 412, nil, true)
	}
	delete(s.resources, href)
	s.record(href)
	return nil
}
