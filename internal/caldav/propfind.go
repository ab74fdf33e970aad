package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/emersion/go-webdav"
)

const collectionStateBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <cs:getctag/>
    <d:sync-token/>
  </d:prop>
</d:propfind>`

const listETagsBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:getetag/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href     string     `xml:"DAV: href"`
	Propstat []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string `xml:"DAV: status"`
	Prop   struct {
		CTag         string `xml:"http://calendarserver.org/ns/ getctag"`
		SyncToken    string `xml:"DAV: sync-token"`
		GetETag      string `xml:"DAV: getetag"`
		ResourceType struct {
			Collection *struct{} `xml:"DAV: collection"`
		} `xml:"DAV: resourcetype"`
	} `xml:"DAV: prop"`
}

func (ps propstat) ok() bool {
	return ps.Status == "" || strings.Contains(ps.Status, " 200 ")
}

// propfind sends a PROPFIND with the given depth and decodes the multistatus
func propfind(ctx context.Context, client webdav.HTTPClient, endpoint, collection, depth, body string) (*multistatus, error) {
	target, err := resolve(endpoint, collection)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", target, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PROPFIND %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("PROPFIND %s: unexpected status %s", collection, resp.Status)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("PROPFIND %s: %w", collection, err)
	}
	return &ms, nil
}

// propfindState asks a collection for its ctag and sync-token. Servers that
// support neither return empty values, which makes every sync a full listing.
func propfindState(ctx context.Context, client webdav.HTTPClient, endpoint, collection string) (CollectionState, error) {
	ms, err := propfind(ctx, client, endpoint, collection, "0", collectionStateBody)
	if err != nil {
		return CollectionState{}, err
	}

	var state CollectionState
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !ps.ok() {
				continue
			}
			if ps.Prop.CTag != "" {
				state.CTag = ps.Prop.CTag
			}
			if ps.Prop.SyncToken != "" {
				state.SyncToken = ps.Prop.SyncToken
			}
		}
	}
	return state, nil
}

// propfindETags lists href and etag of the members of a collection without
// downloading any calendar data. The collection itself and nested
// collections are left out.
func propfindETags(ctx context.Context, client webdav.HTTPClient, endpoint, collection string) ([]ObjectRef, error) {
	ms, err := propfind(ctx, client, endpoint, collection, "1", listETagsBody)
	if err != nil {
		return nil, err
	}

	self := hrefPath(collection)
	var out []ObjectRef
	for _, r := range ms.Responses {
		href := hrefPath(r.Href)
		if href == "" || strings.TrimSuffix(href, "/") == strings.TrimSuffix(self, "/") {
			continue
		}

		ref := ObjectRef{Href: href}
		isCollection := strings.HasSuffix(href, "/")
		for _, ps := range r.Propstat {
			if !ps.ok() {
				continue
			}
			if ps.Prop.ResourceType.Collection != nil {
				isCollection = true
			}
			if ps.Prop.GetETag != "" {
				ref.ETag = unquoteETag(ps.Prop.GetETag)
			}
		}
		if isCollection {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// hrefPath reduces an href to its unescaped path. Servers answer with either
// absolute URLs or paths.
func hrefPath(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return strings.TrimSpace(href)
	}
	return u.Path
}

// unquoteETag strips the quotes of an entity tag, matching the etags
// go-webdav reports for fetched and uploaded objects
func unquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	if unquoted, err := strconv.Unquote(etag); err == nil {
		return unquoted
	}
	return etag
}

func resolve(endpoint, ref string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}
