package caldav

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/exp/slog"
)

// XML namespaces used in CalDAV responses.
const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsCS     = "http://calendarserver.org/ns/"
	nsApple  = "http://apple.com/ns/ical/"
)

// Prop is one property read from a propstat block. Text is the trimmed
// character data of the whole property subtree, Hrefs the DAV:href values
// inside it and Elements every element nested below it.
type Prop struct {
	Name     xml.Name
	Text     string
	Hrefs    []string
	Elements []Element
}

// Element is a nested element of a property.
type Element struct {
	Name  xml.Name
	Attrs []xml.Attr
}

// Attr returns the value of the named attribute.
func (e Element) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Has reports whether an element with the given name is nested in p.
func (p *Prop) Has(space, local string) bool {
	for _, el := range p.Elements {
		if el.Name.Space == space && el.Name.Local == local {
			return true
		}
	}
	return false
}

// PropStat groups properties sharing one status.
type PropStat struct {
	Status int
	Props  []*Prop
}

// OK reports whether the block's status is 2xx. A block without a status
// line counts as successful.
func (ps *PropStat) OK() bool {
	return ps.Status == 0 || (ps.Status >= 200 && ps.Status < 300)
}

// Response is one resource of a multistatus body.
type Response struct {
	Href      string
	Status    int
	PropStats []*PropStat
}

// Prop returns the named property from a successful propstat block. Servers
// may split properties across blocks with different statuses, so each
// property is judged by the block holding it.
func (r *Response) Prop(space, local string) (*Prop, bool) {
	for _, ps := range r.PropStats {
		if !ps.OK() {
			continue
		}
		for _, p := range ps.Props {
			if p.Name.Space == space && p.Name.Local == local {
				return p, true
			}
		}
	}
	return nil, false
}

// Gone reports whether the response-level status marks the resource as
// missing. A response with no status line of its own is not gone.
func (r *Response) Gone() bool {
	return r.Status != 0 && (r.Status < 200 || r.Status >= 300)
}

// Multistatus is a parsed 207 body.
type Multistatus struct {
	SyncToken string
	Responses []*Response
}

// ParseMultistatus reads a multistatus document. It never returns nil:
// malformed XML yields an empty result and a warning on logger.
func ParseMultistatus(r io.Reader, logger *slog.Logger) *Multistatus {
	if logger == nil {
		logger = slog.Default()
	}
	cr := &countingReader{r: r}
	ms, err := decodeMultistatus(cr)
	if err != nil {
		logger.Warn("failed to parse multistatus response", "bytes", cr.n, "error", err)
		return &Multistatus{}
	}
	return ms
}

func decodeMultistatus(r io.Reader) (*Multistatus, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	ms := &Multistatus{}
	sawRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !sawRoot {
				return nil, errors.New("no multistatus element")
			}
			return ms, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case is(start, nsDAV, "multistatus"):
			sawRoot = true
		case is(start, nsDAV, "response"):
			resp, err := decodeResponse(dec)
			if err != nil {
				return nil, err
			}
			ms.Responses = append(ms.Responses, resp)
		case is(start, nsDAV, "sync-token"):
			text, err := readText(dec)
			if err != nil {
				return nil, err
			}
			ms.SyncToken = text
		case !sawRoot:
			return nil, fmt.Errorf("unexpected root element %s", start.Name.Local)
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func decodeResponse(dec *xml.Decoder) (*Response, error) {
	resp := &Response{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case is(t, nsDAV, "href"):
				text, err := readText(dec)
				if err != nil {
					return nil, err
				}
				if resp.Href == "" {
					resp.Href = unescapeHref(text)
				}
			case is(t, nsDAV, "status"):
				text, err := readText(dec)
				if err != nil {
					return nil, err
				}
				resp.Status = parseStatusLine(text)
			case is(t, nsDAV, "propstat"):
				ps, err := decodePropStat(dec)
				if err != nil {
					return nil, err
				}
				resp.PropStats = append(resp.PropStats, ps)
			default:
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			return resp, nil
		}
	}
}

func decodePropStat(dec *xml.Decoder) (*PropStat, error) {
	ps := &PropStat{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case is(t, nsDAV, "prop"):
				props, err := decodeProps(dec)
				if err != nil {
					return nil, err
				}
				ps.Props = append(ps.Props, props...)
			case is(t, nsDAV, "status"):
				text, err := readText(dec)
				if err != nil {
					return nil, err
				}
				ps.Status = parseStatusLine(text)
			default:
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			return ps, nil
		}
	}
}

func decodeProps(dec *xml.Decoder) ([]*Prop, error) {
	var props []*Prop
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p, err := decodeProp(dec, t)
			if err != nil {
				return nil, err
			}
			props = append(props, p)
		case xml.EndElement:
			return props, nil
		}
	}
}

// decodeProp consumes the subtree of one property. Character data is taken
// verbatim, so CDATA sections and escaped text read the same.
func decodeProp(dec *xml.Decoder, start xml.StartElement) (*Prop, error) {
	p := &Prop{Name: start.Name}
	var text, href bytes.Buffer
	inHref := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			p.Elements = append(p.Elements, Element{Name: t.Name, Attrs: t.Copy().Attr})
			if is(t, nsDAV, "href") {
				inHref = depth
				href.Reset()
			}
		case xml.CharData:
			text.Write(t)
			if inHref > 0 {
				href.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				p.Text = strings.TrimSpace(text.String())
				return p, nil
			}
			if depth == inHref {
				p.Hrefs = append(p.Hrefs, unescapeHref(strings.TrimSpace(href.String())))
				inHref = 0
			}
			depth--
		}
	}
}

func readText(dec *xml.Decoder) (string, error) {
	var b bytes.Buffer
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", unexpectedEOF(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.CharData:
			b.Write(t)
		case xml.EndElement:
			if depth == 0 {
				return strings.TrimSpace(b.String()), nil
			}
			depth--
		}
	}
}

func is(start xml.StartElement, space, local string) bool {
	return start.Name.Space == space && start.Name.Local == local
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// parseStatusLine extracts the code from "HTTP/1.1 404 Not Found".
func parseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// unescapeHref decodes a percent-encoded href, keeping the raw value when it
// does not decode.
func unescapeHref(href string) string {
	decoded, err := url.PathUnescape(href)
	if err != nil {
		return href
	}
	return decoded
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Collection is a calendar collection found during discovery.
type Collection struct {
	Href      string `json:"href"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	CTag      string `json:"ctag,omitempty"`
	SyncToken string `json:"sync_token,omitempty"`
	ReadOnly  bool   `json:"read_only"`
}

// Resource is one calendar object listed by the server. Data is empty when
// the response carried only the entity tag.
type Resource struct {
	Href string `json:"href"`
	ETag string `json:"etag"`
	Data string `json:"data,omitempty"`
}

// ChangeSet is the result of an incremental or full listing.
type ChangeSet struct {
	SyncToken string     `json:"sync_token"`
	Changed   []Resource `json:"changed"`
	Deleted   []string   `json:"deleted"`

	// Parsed is false when the body was not a readable multistatus. An
	// empty unparsed listing says nothing about what the server holds.
	Parsed bool `json:"-"`
}

func parse(body []byte) *Multistatus {
	return ParseMultistatus(bytes.NewReader(body), nil)
}

// ParsePrincipal returns the current-user-principal href, or "".
func ParsePrincipal(body []byte) string {
	for _, resp := range parse(body).Responses {
		if p, ok := resp.Prop(nsDAV, "current-user-principal"); ok && len(p.Hrefs) > 0 {
			return p.Hrefs[0]
		}
	}
	return ""
}

// ParseHomeSets returns every calendar-home-set href, in document order and
// without duplicates.
func ParseHomeSets(body []byte) []string {
	var homes []string
	seen := make(map[string]bool)
	for _, resp := range parse(body).Responses {
		p, ok := resp.Prop(nsCalDAV, "calendar-home-set")
		if !ok {
			continue
		}
		for _, h := range p.Hrefs {
			if h != "" && !seen[h] {
				seen[h] = true
				homes = append(homes, h)
			}
		}
	}
	return homes
}

// ParseCollections returns the calendar collections of a Depth: 1 listing
// that can hold events.
func ParseCollections(body []byte) []Collection {
	var out []Collection
	for _, resp := range parse(body).Responses {
		if resp.Gone() {
			continue
		}
		rt, ok := resp.Prop(nsDAV, "resourcetype")
		if !ok || !rt.Has(nsCalDAV, "calendar") {
			continue
		}
		if comps, ok := resp.Prop(nsCalDAV, "supported-calendar-component-set"); ok && !supportsEvents(comps) {
			continue
		}
		c := Collection{Href: resp.Href, Name: textProp(resp, nsDAV, "displayname")}
		c.CTag = textProp(resp, nsCS, "getctag")
		c.SyncToken = textProp(resp, nsDAV, "sync-token")
		c.Color = textProp(resp, nsApple, "calendar-color")
		if privs, ok := resp.Prop(nsDAV, "current-user-privilege-set"); ok {
			c.ReadOnly = !privs.Has(nsDAV, "write") && !privs.Has(nsDAV, "write-content") && !privs.Has(nsDAV, "all")
		}
		if c.Name == "" {
			c.Name = lastSegment(c.Href)
		}
		out = append(out, c)
	}
	return out
}

func supportsEvents(comps *Prop) bool {
	for _, el := range comps.Elements {
		if el.Name.Local == "comp" && strings.EqualFold(el.Attr("name"), "VEVENT") {
			return true
		}
	}
	return len(comps.Elements) == 0
}

// ParseCollectionTag returns the getctag of the first response.
func ParseCollectionTag(body []byte) string {
	for _, resp := range parse(body).Responses {
		if tag := textProp(resp, nsCS, "getctag"); tag != "" {
			return tag
		}
	}
	return ""
}

// ParseSyncTokenProp returns the DAV:sync-token property of the first
// response that has one.
func ParseSyncTokenProp(body []byte) string {
	for _, resp := range parse(body).Responses {
		if tok := textProp(resp, nsDAV, "sync-token"); tok != "" {
			return tok
		}
	}
	return ""
}

// ParseChanges reads a sync-collection report. Resources with a failing
// response status are deleted. A resource whose entity tag only appears in
// a failing propstat block is left out.
func ParseChanges(body []byte) *ChangeSet {
	ms := parse(body)
	cs := &ChangeSet{SyncToken: ms.SyncToken, Changed: []Resource{}, Deleted: []string{}}
	cs.Parsed = ms.SyncToken != "" || len(ms.Responses) > 0
	for _, resp := range ms.Responses {
		if resp.Href == "" {
			continue
		}
		if resp.Gone() {
			cs.Deleted = append(cs.Deleted, resp.Href)
			continue
		}
		etag, ok := resp.Prop(nsDAV, "getetag")
		if !ok {
			continue
		}
		res := Resource{Href: resp.Href, ETag: etag.Text}
		if data, ok := resp.Prop(nsCalDAV, "calendar-data"); ok {
			res.Data = data.Text
		}
		cs.Changed = append(cs.Changed, res)
	}
	return cs
}

// ParseResourceList reads a Depth: 1 PROPFIND of a calendar collection and
// returns its calendar objects. The collection itself and nested
// collections are skipped.
func ParseResourceList(body []byte) []Resource {
	return resourceList(parse(body))
}

// ParseListing is ParseResourceList shaped as a full ChangeSet.
func ParseListing(body []byte) *ChangeSet {
	ms := parse(body)
	return &ChangeSet{Changed: resourceList(ms), Deleted: []string{}, Parsed: len(ms.Responses) > 0}
}

func resourceList(ms *Multistatus) []Resource {
	out := []Resource{}
	for _, resp := range ms.Responses {
		if resp.Gone() || resp.Href == "" {
			continue
		}
		if rt, ok := resp.Prop(nsDAV, "resourcetype"); ok && rt.Has(nsDAV, "collection") {
			continue
		}
		if strings.HasSuffix(resp.Href, "/") {
			continue
		}
		etag, ok := resp.Prop(nsDAV, "getetag")
		if !ok {
			continue
		}
		contentType := textProp(resp, nsDAV, "getcontenttype")
		if !strings.HasSuffix(resp.Href, ".ics") && !strings.Contains(contentType, "calendar") {
			continue
		}
		out = append(out, Resource{Href: resp.Href, ETag: etag.Text})
	}
	return out
}

func textProp(resp *Response, space, local string) string {
	if p, ok := resp.Prop(space, local); ok {
		return p.Text
	}
	return ""
}

func lastSegment(href string) string {
	parts := strings.Split(strings.Trim(href, "/"), "/")
	return parts[len(parts)-1]
}
