package extract

import (
	"reflect"
	"strings"
	"testing"

	"github.com/antchfx/xmlquery"
)

func TestPath_Extract(t *testing.T) {
	tests := []struct {
		name    string
		path    Path
		payload any
		want    []any
	}{
		{
			name:    "list at path",
			path:    "a.b",
			payload: map[string]any{"a": map[string]any{"b": []any{1, 2, 3}}},
			want:    []any{1, 2, 3},
		},
		{
			name:    "missing key",
			path:    "a.b",
			payload: map[string]any{"a": map[string]any{}},
			want:    []any{},
		},
		{
			name:    "scalar at path",
			path:    "a.b",
			payload: map[string]any{"a": map[string]any{"b": 5}},
			want:    []any{5},
		},
		{
			name:    "null at path",
			path:    "a",
			payload: map[string]any{"a": nil},
			want:    []any{},
		},
		{
			name:    "list index",
			path:    "data.1.items",
			payload: map[string]any{"data": []any{map[string]any{}, map[string]any{"items": []any{"x"}}}},
			want:    []any{"x"},
		},
		{
			name:    "index out of range",
			path:    "data.3",
			payload: map[string]any{"data": []any{1}},
			want:    []any{},
		},
		{
			name:    "traverse through scalar",
			path:    "a.b",
			payload: map[string]any{"a": "text"},
			want:    []any{},
		},
		{
			name:    "empty path on list",
			path:    "",
			payload: []any{1, 2},
			want:    []any{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.path.Extract(tt.payload)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %v, want %v", got, tt.want)
			}
		})
	}
}

type row struct {
	ID int `mapstructure:"id"`
}

type ListMeta struct {
	Next string `mapstructure:"nextPageLink"`
}

type rowPage struct {
	ListMeta `mapstructure:",squash"`
	Items    []row            `mapstructure:"items"`
	Owner    *row             `mapstructure:"owner"`
	Labels   map[string]int   `mapstructure:"labels"`
	Hidden   string           `mapstructure:"-"`
	Results  []map[string]any `mapstructure:"results"`
	Count    int
}

func TestPath_ExtractTyped(t *testing.T) {
	page := &rowPage{
		ListMeta: ListMeta{Next: "p2"},
		Items:    []row{{ID: 1}, {ID: 2}},
		Owner:    &row{ID: 9},
		Labels:   map[string]int{"a": 3},
		Hidden:   "x",
		Count:    2,
	}

	tests := []struct {
		path string
		want []any
	}{
		{path: "items", want: []any{row{ID: 1}, row{ID: 2}}},
		{path: "items.1.id", want: []any{2}},
		{path: "owner.id", want: []any{9}},
		{path: "labels.a", want: []any{3}},
		{path: "nextPageLink", want: []any{"p2"}},
		{path: "Count", want: []any{2}},
		{path: "Hidden", want: []any{}},
		{path: "items.5", want: []any{}},
		{path: "missing", want: []any{}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Path(tt.path).Extract(page)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract() = %#v, want %#v", got, tt.want)
			}
		})
	}

	if got := Default(*page); len(got) != 0 {
		t.Errorf("Default() on nil results = %v, want none", got)
	}
	page.Results = []map[string]any{{"id": 4}}
	if got := Default(page); !reflect.DeepEqual(got, []any{map[string]any{"id": 4}}) {
		t.Errorf("Default() = %v", got)
	}
}

func TestDefault(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    []any
	}{
		{name: "list", payload: []any{1, 2}, want: []any{1, 2}},
		{name: "results key", payload: map[string]any{"results": []any{"a"}, "count": 1}, want: []any{"a"}},
		{name: "plain map", payload: map[string]any{"id": 1}, want: []any{map[string]any{"id": 1}}},
		{name: "scalar", payload: "ok", want: []any{"ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Default(tt.payload); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Default() = %v, want %v", got, tt.want)
			}
		})
	}
}

const countriesXML = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
<soap:Body>
<m:FullCountryInfoAllCountriesResponse xmlns:m="http://www.oorsprong.org/websamples.countryinfo">
<m:FullCountryInfoAllCountriesResult>
<m:tCountryInfo>
<m:sISOCode>BE</m:sISOCode>
<m:sName>Belgium</m:sName>
<m:Languages>
<m:tLanguage><m:sISOCode>nl</m:sISOCode><m:sName>Dutch</m:sName></m:tLanguage>
<m:tLanguage><m:sISOCode>fr</m:sISOCode><m:sName>French</m:sName></m:tLanguage>
</m:Languages>
</m:tCountryInfo>
<m:tCountryInfo>
<m:sISOCode>AQ</m:sISOCode>
<m:sName>Antarctica</m:sName>
<m:Languages/>
</m:tCountryInfo>
</m:FullCountryInfoAllCountriesResult>
</m:FullCountryInfoAllCountriesResponse>
</soap:Body>
</soap:Envelope>`

func parseXML(t *testing.T, s string) *xmlquery.Node {
	t.Helper()
	doc, err := xmlquery.Parse(strings.NewReader(s))
	if err != nil {
		t.Fatalf("parse xml: %v", err)
	}
	return doc
}

func TestXMLRecords_Extract(t *testing.T) {
	x, err := NewXMLRecords("//*[local-name()='tCountryInfo']", map[string]FieldRule{
		"iso":  {XPath: "./*[local-name()='sISOCode']"},
		"name": {XPath: "./*[local-name()='sName']"},
		"languages": {
			XPath:     "./*[local-name()='tLanguage']/*[local-name()='sName']",
			Multi:     true,
			Container: "./*[local-name()='Languages']",
			Join:      ",",
		},
		"codes": {
			XPath: "./*[local-name()='Languages']/*/*[local-name()='sISOCode']",
			Multi: true,
		},
		"capital": {XPath: "./*[local-name()='sCapitalCity']"},
	})
	if err != nil {
		t.Fatalf("NewXMLRecords failed: %v", err)
	}

	items, err := x.Extract(parseXML(t, countriesXML))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 records, got %d", len(items))
	}

	be := items[0].(map[string]any)
	want := map[string]any{
		"iso":       "BE",
		"name":      "Belgium",
		"languages": "Dutch,French",
		"codes":     []any{"nl", "fr"},
		"capital":   "",
	}
	if !reflect.DeepEqual(be, want) {
		t.Errorf("record = %v, want %v", be, want)
	}

	aq := items[1].(map[string]any)
	if aq["languages"] != "" {
		t.Errorf("languages = %q, want empty", aq["languages"])
	}
}

func TestXMLRecords_InvalidExpression(t *testing.T) {
	if _, err := NewXMLRecords("//[", nil); err == nil {
		t.Error("expected compile error for items")
	}
	if _, err := NewXMLRecords("//a", map[string]FieldRule{"f": {XPath: "]["}}); err == nil {
		t.Error("expected compile error for field")
	}
}

func TestXPath_Extract(t *testing.T) {
	x, err := NewXPath("//*[local-name()='sName' and parent::*[local-name()='tCountryInfo']]")
	if err != nil {
		t.Fatalf("NewXPath failed: %v", err)
	}
	items, err := x.Extract(parseXML(t, countriesXML))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(items) != 2 || items[1].(*xmlquery.Node).InnerText() != "Antarctica" {
		t.Errorf("unexpected items: %v", items)
	}

	if _, err := x.Extract(map[string]any{}); err == nil {
		t.Error("expected type error for non-xml payload")
	}
	if items, _ := x.Extract(nil); len(items) != 0 {
		t.Error("nil payload should yield no items")
	}
}
