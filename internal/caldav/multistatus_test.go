package caldav

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/exp/slog"
)

func TestParseChanges(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/dav/work/standup.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"e1"</d:getetag>
        <cal:calendar-data><![CDATA[BEGIN:VCALENDAR
END:VCALENDAR]]></cal:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/team%20lunch.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e2"</d:getetag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop><cal:calendar-data/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/gone.ics</d:href>
    <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:response>
  <d:response>
    <d:href>/dav/work/hidden-etag.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e4"</d:getetag></d:prop>
      <d:status>HTTP/1.1 403 Forbidden</d:status>
    </d:propstat>
  </d:response>
  <d:sync-token>http://example.com/sync/42</d:sync-token>
</d:multistatus>`

	cs := ParseChanges([]byte(body))
	if !cs.Parsed {
		t.Error("expected a parsed change set")
	}
	if cs.SyncToken != "http://example.com/sync/42" {
		t.Errorf("expected sync token, got %q", cs.SyncToken)
	}
	if len(cs.Changed) != 2 {
		t.Fatalf("expected 2 changed resources, got %d: %+v", len(cs.Changed), cs.Changed)
	}

	first := cs.Changed[0]
	if first.Href != "/dav/work/standup.ics" || first.ETag != `"e1"` {
		t.Errorf("unexpected first resource %+v", first)
	}
	if first.Data != "BEGIN:VCALENDAR\nEND:VCALENDAR" {
		t.Errorf("expected CDATA calendar data, got %q", first.Data)
	}

	second := cs.Changed[1]
	if second.Href != "/dav/work/team lunch.ics" {
		t.Errorf("expected unescaped href, got %q", second.Href)
	}
	if second.Data != "" {
		t.Errorf("expected no data from a failing propstat, got %q", second.Data)
	}

	if len(cs.Deleted) != 1 || cs.Deleted[0] != "/dav/work/gone.ics" {
		t.Errorf("expected gone.ics deleted, got %v", cs.Deleted)
	}
}

func TestParseMultistatusMalformed(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	testCases := []struct {
		name string
		body string
	}{
		{"truncated", `<d:multistatus xmlns:d="DAV:"><d:response><d:href>/a.ics`},
		{"not xml", `BEGIN:VCALENDAR`},
		{"wrong root", `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`},
		{"empty", ``},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logs.Reset()
			ms := ParseMultistatus(strings.NewReader(tc.body), logger)
			if ms == nil {
				t.Fatal("expected non-nil result")
			}
			if len(ms.Responses) != 0 || ms.SyncToken != "" {
				t.Errorf("expected empty result, got %+v", ms)
			}
			if !strings.Contains(logs.String(), "failed to parse multistatus response") {
				t.Errorf("expected a warning, got %q", logs.String())
			}
		})
	}

	t.Run("unparsed change set is flagged", func(t *testing.T) {
		if cs := ParseChanges([]byte("garbage")); cs.Parsed {
			t.Error("expected Parsed to be false")
		}
	})
}

func TestParseHomeSets(t *testing.T) {
	body := `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/dav/principals/user/</d:href>
    <d:propstat>
      <d:prop>
        <c:calendar-home-set>
          <d:href>/dav/calendars/user/</d:href>
          <d:href>/dav/shared/</d:href>
          <d:href>/dav/calendars/user/</d:href>
        </c:calendar-home-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	homes := ParseHomeSets([]byte(body))
	if len(homes) != 2 || homes[0] != "/dav/calendars/user/" || homes[1] != "/dav/shared/" {
		t.Errorf("expected two distinct home sets, got %v", homes)
	}
}

func TestParseCollections(t *testing.T) {
	body := `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:a="http://apple.com/ns/ical/">
  <d:response>
    <d:href>/dav/calendars/user/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/calendars/user/work/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <d:displayname>Work</d:displayname>
        <cs:getctag>ctag-1</cs:getctag>
        <a:calendar-color>#FF0000</a:calendar-color>
        <c:supported-calendar-component-set><c:comp name="VEVENT"/><c:comp name="VTODO"/></c:supported-calendar-component-set>
        <d:current-user-privilege-set><d:privilege><d:write/></d:privilege></d:current-user-privilege-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/calendars/user/tasks/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <c:supported-calendar-component-set><c:comp name="VTODO"/></c:supported-calendar-component-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/calendars/user/holidays/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <d:current-user-privilege-set><d:privilege><d:read/></d:privilege></d:current-user-privilege-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop><d:displayname/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	cols := ParseCollections([]byte(body))
	if len(cols) != 2 {
		t.Fatalf("expected 2 event calendars, got %d: %+v", len(cols), cols)
	}

	work := cols[0]
	if work.Href != "/dav/calendars/user/work/" || work.Name != "Work" || work.CTag != "ctag-1" || work.Color != "#FF0000" {
		t.Errorf("unexpected work calendar %+v", work)
	}
	if work.ReadOnly {
		t.Error("expected work calendar to be writable")
	}

	holidays := cols[1]
	if holidays.Name != "holidays" {
		t.Errorf("expected name from href, got %q", holidays.Name)
	}
	if !holidays.ReadOnly {
		t.Error("expected holidays to be read-only")
	}
}

func TestParseResourceList(t *testing.T) {
	body := `<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/dav/work/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/></d:resourcetype><d:getetag>"col"</d:getetag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/a.ics</d:href>
    <d:propstat>
      <d:prop><d:resourcetype/><d:getetag>"a1"</d:getetag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/b</d:href>
    <d:propstat>
      <d:prop><d:getetag>"b1"</d:getetag><d:getcontenttype>text/calendar; component=vevent</d:getcontenttype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/notes.txt</d:href>
    <d:propstat>
      <d:prop><d:getetag>"n1"</d:getetag><d:getcontenttype>text/plain</d:getcontenttype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/dav/work/no-etag.ics</d:href>
    <d:propstat>
      <d:prop><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	got := ParseResourceList([]byte(body))
	if len(got) != 2 {
		t.Fatalf("expected 2 resources, got %d: %+v", len(got), got)
	}
	if got[0].Href != "/dav/work/a.ics" || got[0].ETag != `"a1"` {
		t.Errorf("unexpected first resource %+v", got[0])
	}
	if got[1].Href != "/dav/work/b" {
		t.Errorf("expected resource by content type, got %+v", got[1])
	}

	listing := ParseListing([]byte(body))
	if !listing.Parsed || len(listing.Changed) != 2 {
		t.Errorf("expected parsed listing with 2 resources, got %+v", listing)
	}
}

func TestParseCollectionTagAndToken(t *testing.T) {
	body := `<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/dav/work/</d:href>
    <d:propstat>
      <d:prop><cs:getctag>  ctag-9  </cs:getctag><d:sync-token>tok-9</d:sync-token></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	if tag := ParseCollectionTag([]byte(body)); tag != "ctag-9" {
		t.Errorf("expected trimmed ctag, got %q", tag)
	}
	if tok := ParseSyncTokenProp([]byte(body)); tok != "tok-9" {
		t.Errorf("expected tok-9, got %q", tok)
	}
}
