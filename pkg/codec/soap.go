package codec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"github.com/antchfx/xmlquery"

	"github.com/Sternrassler/apifetch/pkg/session"
)

const soap11Envelope = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    %s
  </soap:Body>
</soap:Envelope>`

// EnvelopeBuilder renders the complete SOAP envelope for a set of fields.
type EnvelopeBuilder interface {
	Build(fields map[string]any) (string, error)
}

// EnvelopeFunc adapts a function to EnvelopeBuilder.
type EnvelopeFunc func(fields map[string]any) (string, error)

// Build calls f(fields).
func (f EnvelopeFunc) Build(fields map[string]any) (string, error) {
	return f(fields)
}

// Template renders a complete envelope from a text/template, so callers
// control the Header and the SOAP version. The "xml" function escapes a
// value for element or attribute text; missing fields render empty.
type Template struct {
	tmpl *template.Template
}

// NewTemplate parses a full envelope template.
func NewTemplate(envelope string) (*Template, error) {
	tmpl, err := template.New("soap").Funcs(template.FuncMap{"xml": escapeXML}).Parse(envelope)
	if err != nil {
		return nil, fmt.Errorf("parse soap template: %w", err)
	}
	return &Template{tmpl: tmpl}, nil
}

// MustTemplate is like NewTemplate but panics on a parse error.
func MustTemplate(envelope string) *Template {
	t, err := NewTemplate(envelope)
	if err != nil {
		panic(err)
	}
	return t
}

// Build implements EnvelopeBuilder.
func (t *Template) Build(fields map[string]any) (string, error) {
	var buf strings.Builder
	if err := t.tmpl.Execute(&buf, fields); err != nil {
		return "", fmt.Errorf("render soap template: %w", err)
	}
	return buf.String(), nil
}

// BodyTemplate renders only the Body content and wraps it in a SOAP 1.1
// envelope without a Header.
//
//	<CapitalCity xmlns="http://www.oorsprong.org/websamples.countryinfo">
//	  <sCountryISOCode>{{xml .country}}</sCountryISOCode>
//	</CapitalCity>
type BodyTemplate struct {
	body *Template
}

// NewBodyTemplate parses a Body content template.
func NewBodyTemplate(body string) (*BodyTemplate, error) {
	t, err := NewTemplate(body)
	if err != nil {
		return nil, err
	}
	return &BodyTemplate{body: t}, nil
}

// MustBodyTemplate is like NewBodyTemplate but panics on a parse error.
func MustBodyTemplate(body string) *BodyTemplate {
	return &BodyTemplate{body: MustTemplate(body)}
}

// Build implements EnvelopeBuilder.
func (b *BodyTemplate) Build(fields map[string]any) (string, error) {
	content, err := b.body.Build(fields)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(soap11Envelope, content), nil
}

func escapeXML(v any) string {
	if v == nil {
		return ""
	}
	var buf strings.Builder
	xml.EscapeText(&buf, []byte(stringify(v)))
	return buf.String()
}

// SOAP posts an envelope rendered from the request fields and parses the
// response into an *xmlquery.Node document.
type SOAP struct {
	// Action is sent as the SOAPAction header when non-empty.
	Action   string
	Envelope EnvelopeBuilder
}

// Dump implements Codec. The builder's output is sent unchanged. The method
// is ignored; SOAP always carries a body.
func (c SOAP) Dump(_ string, fields map[string]any) (*WireRequest, error) {
	if c.Envelope == nil {
		return nil, fmt.Errorf("soap codec has no envelope builder")
	}
	envelope, err := c.Envelope.Build(fields)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "text/xml; charset=utf-8")
	if c.Action != "" {
		header.Set("SOAPAction", c.Action)
	}
	return &WireRequest{
		Raw:    []byte(envelope),
		Header: header,
	}, nil
}

// Load parses the body as XML. An empty body yields nil. A Fault element
// under any namespace prefix yields a *FaultError.
func (SOAP) Load(resp *session.Response, _ LoadOptions) (any, error) {
	data, err := resp.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	doc, err := ParseSOAP(data)
	if doc == nil {
		return nil, err
	}
	return doc, nil
}

// ParseSOAP parses data and checks it for a SOAP Fault.
func ParseSOAP(data []byte) (*xmlquery.Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	if fault := xmlquery.FindOne(doc, "//*[local-name()='Fault']"); fault != nil {
		return nil, faultFrom(fault)
	}
	return doc, nil
}

// faultFrom reads SOAP 1.1 (faultcode/faultstring) or SOAP 1.2 (Code/Reason)
// fault details.
func faultFrom(fault *xmlquery.Node) *FaultError {
	e := &FaultError{Detail: fault.OutputXML(true)}
	if n := xmlquery.FindOne(fault, "./*[local-name()='faultcode']"); n != nil {
		e.Code = strings.TrimSpace(n.InnerText())
	} else if n := xmlquery.FindOne(fault, "./*[local-name()='Code']/*[local-name()='Value']"); n != nil {
		e.Code = strings.TrimSpace(n.InnerText())
	}
	if n := xmlquery.FindOne(fault, "./*[local-name()='faultstring']"); n != nil {
		e.Message = strings.TrimSpace(n.InnerText())
	} else if n := xmlquery.FindOne(fault, "./*[local-name()='Reason']/*[local-name()='Text']"); n != nil {
		e.Message = strings.TrimSpace(n.InnerText())
	}
	return e
}
