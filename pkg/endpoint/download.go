package endpoint

import (
	"github.com/Sternrassler/apifetch/pkg/session"
)

// DownloadURL extracts the secondary URL of a two-stage fetch from the
// metadata response. An empty URL means the metadata response is the payload.
type DownloadURL interface {
	URL(resp *session.Response) (string, error)
}

// DownloadFunc adapts a function to the DownloadURL interface.
type DownloadFunc func(resp *session.Response) (string, error)

// URL calls f(resp).
func (f DownloadFunc) URL(resp *session.Response) (string, error) {
	return f(resp)
}

// DownloadAt reads the download URL from a JSON path in the metadata body.
type DownloadAt struct {
	Path string
}

// URL implements DownloadURL.
func (d DownloadAt) URL(resp *session.Response) (string, error) {
	doc, err := responseJSON(resp)
	if err != nil {
		return "", err
	}
	return doc.Get(d.Path).String(), nil
}
