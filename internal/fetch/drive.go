package fetch

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
)

// driveEndpoint is the public Drive download endpoint.
var driveEndpoint = "https://drive.google.com/uc"

// maxInterstitial bounds how much of an HTML warning page is read.
const maxInterstitial = 1 << 20

var driveFilePath = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)

// DriveFileID extracts the file id from the usual Drive link shapes:
// ".../uc?id=ID", ".../open?id=ID" and ".../file/d/ID/view".
func DriveFileID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid drive URL")
	}
	if id := u.Query().Get("id"); id != "" {
		return id, nil
	}
	if m := driveFilePath.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}
	return "", errors.Errorf("no drive file id in %q", raw)
}

// driveSource downloads public Drive files. Large files are answered with an HTML
// "can't scan for viruses" page whose confirm form has to be submitted to get the
// bytes; older deployments set a download_warning cookie instead.
type driveSource struct {
	client *http.Client
	id     string
}

func newDriveSource(client *http.Client, id string) (*driveSource, error) {
	c := *client
	if c.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create cookie jar")
		}
		c.Jar = jar
	}
	return &driveSource{client: &c, id: id}, nil
}

func (s *driveSource) fetch(ctx context.Context, f *os.File) error {
	first, err := url.Parse(driveEndpoint)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "invalid drive endpoint"))
	}
	q := first.Query()
	q.Set("export", "download")
	q.Set("id", s.id)
	first.RawQuery = q.Encode()

	next := first
	for hop := 0; hop < 2; hop++ {
		resp, err := s.get(ctx, next)
		if err != nil {
			return err
		}

		if !isHTML(resp) {
			_, err := io.Copy(f, resp.Body)
			resp.Body.Close()
			if err != nil {
				return errors.Wrap(ErrDownloadFailed, err.Error())
			}
			return nil
		}

		page, err := io.ReadAll(io.LimitReader(resp.Body, maxInterstitial))
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(ErrDownloadFailed, err.Error())
		}

		confirmed, err := confirmURL(resp.Request.URL, page)
		if err != nil {
			return err
		}
		if confirmed == nil {
			confirmed = s.cookieConfirm(resp.Request.URL)
		}
		if confirmed == nil {
			return backoff.Permanent(errors.Wrap(ErrDownloadFailed, "drive returned a page without a download link; is the file shared publicly?"))
		}
		next = confirmed
	}
	return errors.Wrap(ErrDownloadFailed, "drive kept answering with a warning page")
}

func (s *driveSource) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "invalid drive URL"))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, err.Error())
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (s *driveSource) cookieConfirm(from *url.URL) *url.URL {
	for _, c := range s.client.Jar.Cookies(from) {
		if strings.HasPrefix(c.Name, "download_warning") {
			u := *from
			q := u.Query()
			q.Set("confirm", c.Value)
			u.RawQuery = q.Encode()
			return &u
		}
	}
	return nil
}

func isHTML(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/html"
}

// confirmURL finds the download target in a Drive warning page: either the
// "download-form" with its hidden inputs, or a link carrying a confirm token.
// It returns nil when the page has neither.
func confirmURL(base *url.URL, page []byte) (*url.URL, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, "unparseable drive page")
	}

	var formAction string
	var inForm bool
	fields := url.Values{}
	var link string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		entered := false
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if attr(n, "id") == "download-form" || formAction == "" && strings.Contains(attr(n, "action"), "download") {
					formAction = attr(n, "action")
					inForm, entered = true, true
				}
			case "input":
				if inForm && attr(n, "name") != "" && (attr(n, "type") == "hidden" || attr(n, "type") == "") {
					fields.Set(attr(n, "name"), attr(n, "value"))
				}
			case "a":
				if href := attr(n, "href"); link == "" && strings.Contains(href, "confirm=") {
					link = href
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if entered {
			inForm = false
		}
	}
	walk(doc)

	switch {
	case formAction != "":
		u, err := base.Parse(formAction)
		if err != nil {
			return nil, errors.Wrap(ErrDownloadFailed, "bad drive form action")
		}
		q := u.Query()
		for k := range fields {
			q.Set(k, fields.Get(k))
		}
		u.RawQuery = q.Encode()
		return u, nil
	case link != "":
		u, err := base.Parse(link)
		if err != nil {
			return nil, errors.Wrap(ErrDownloadFailed, "bad drive download link")
		}
		return u, nil
	}
	return nil, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
