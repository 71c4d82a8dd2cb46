package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/kechain/internal/snapshot"
	"github.com/starford/kechain/internal/testutil"
	"github.com/starford/kechain/pkg/kechain"
)

func testServer(t *testing.T) (*Server, *kechain.Client) {
	t.Helper()
	backend := testutil.NewBackend(t)
	c, err := kechain.New(backend.URL, kechain.WithToken(backend.Token))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := snapshot.Open(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { snap.Close() })
	return New(c, snap, "test"), c
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"list_scopes":        srv.listScopes,
		"get_part":           srv.getPart,
		"list_children":      srv.listChildren,
		"get_property":       srv.getProperty,
		"update_properties":  srv.updateProperties,
		"upload_attachment":  srv.uploadAttachment,
		"get_property_types": srv.getPropertyTypes,
		"search_snapshot":    srv.searchSnapshot,
		"get_referrers":      srv.getReferrers,
	}
	h, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}
	result, err := h(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decodePart(t *testing.T, r *mcp.CallToolResult) partView {
	t.Helper()
	if r.IsError {
		t.Fatalf("tool failed: %s", resultText(r))
	}
	var v partView
	if err := json.Unmarshal([]byte(resultText(r)), &v); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return v
}

func propValue(v partView, name string) any {
	for _, p := range v.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

func TestListScopes(t *testing.T) {
	srv, _ := testServer(t)
	text := resultText(callTool(t, srv, "list_scopes", map[string]interface{}{"tag": "bike"}))
	if !strings.Contains(text, "Bike Project") {
		t.Errorf("scopes = %s", text)
	}
	text = resultText(callTool(t, srv, "list_scopes", map[string]interface{}{"tag": "boat"}))
	if text != "[]" {
		t.Errorf("scopes for unknown tag = %s", text)
	}
}

func TestGetPartAndChildren(t *testing.T) {
	srv, _ := testServer(t)
	bike := decodePart(t, callTool(t, srv, "get_part", map[string]interface{}{"part": "Bike"}))
	if bike.Category != "INSTANCE" || propValue(bike, "Gears") != float64(22) {
		t.Errorf("bike = %+v", bike)
	}

	byID := decodePart(t, callTool(t, srv, "get_part", map[string]interface{}{"part": bike.ID}))
	if byID.Name != "Bike" {
		t.Errorf("by id = %+v", byID)
	}
	model := decodePart(t, callTool(t, srv, "get_part", map[string]interface{}{"part": "Bike", "category": "MODEL"}))
	if model.Category != "MODEL" {
		t.Errorf("model = %+v", model)
	}

	r := callTool(t, srv, "list_children", map[string]interface{}{"part_id": bike.ID})
	var children []partView
	if err := json.Unmarshal([]byte(resultText(r)), &children); err != nil {
		t.Fatal(err)
	}
	if len(children) != 4 || children[0].Name != "Frame" {
		t.Errorf("children = %+v", children)
	}

	if r := callTool(t, srv, "get_part", map[string]interface{}{"part": "Unicycle"}); !r.IsError {
		t.Error("expected error for missing part")
	}
	if r := callTool(t, srv, "get_part", map[string]interface{}{}); !r.IsError {
		t.Error("expected error for missing argument")
	}
}

func TestGetPropertyReportsValidation(t *testing.T) {
	srv, c := testServer(t)
	ctx := context.Background()
	model, err := c.Model(ctx, kechain.PartFilter{Name: "Bike"})
	if err != nil {
		t.Fatal(err)
	}
	gearsModel, _ := model.Property("Gears")
	err = gearsModel.Edit(ctx, kechain.PropertyEdit{ValueOptions: map[string]any{
		"validators": []map[string]any{{"vtype": kechain.VTypeNumericRange, "config": map[string]any{"maxvalue": 20}}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	bike, _ := c.Part(ctx, kechain.PartFilter{Name: "Bike", Category: kechain.CategoryInstance})
	gears, _ := bike.Property("Gears")

	var v propertyView
	if err := json.Unmarshal([]byte(resultText(callTool(t, srv, "get_property", map[string]interface{}{"property_id": gears.ID()}))), &v); err != nil {
		t.Fatal(err)
	}
	if v.Name != "Gears" || v.Invalid == "" {
		t.Errorf("property = %+v, want a validation failure", v)
	}
}

func TestUpdateProperties(t *testing.T) {
	srv, _ := testServer(t)
	bike := decodePart(t, callTool(t, srv, "get_part", map[string]interface{}{"part": "Bike"}))

	updated := decodePart(t, callTool(t, srv, "update_properties", map[string]interface{}{
		"part_id":          bike.ID,
		"values":           `[{"property": "Gears", "value": 18}, {"property": "Frame size", "value": "L"}]`,
		"suppress_kevents": true,
	}))
	if propValue(updated, "Gears") != float64(18) || propValue(updated, "Frame size") != "L" {
		t.Errorf("updated = %+v", updated.Properties)
	}

	for name, values := range map[string]string{
		"bad choice":  `[{"property": "Frame size", "value": "XXL"}]`,
		"unknown":     `[{"property": "Colour", "value": "red"}]`,
		"not an list": `{"Gears": 1}`,
	} {
		r := callTool(t, srv, "update_properties", map[string]interface{}{"part_id": bike.ID, "values": values})
		if !r.IsError {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestUploadAttachment(t *testing.T) {
	srv, c := testServer(t)
	bike, err := c.Part(context.Background(), kechain.PartFilter{Name: "Bike", Category: kechain.CategoryInstance})
	if err != nil {
		t.Fatal(err)
	}
	picture, _ := bike.Property("Picture")
	gears, _ := bike.Property("Gears")

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	r := callTool(t, srv, "upload_attachment", map[string]interface{}{
		"property_id": picture.ID(),
		"url":         uri,
		"filename":    "my bike.png",
	})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	fresh, err := picture.Reload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := fresh.(*kechain.AttachmentProperty).Filename(); got != "my_bike.png" {
		t.Errorf("filename = %q", got)
	}

	r = callTool(t, srv, "upload_attachment", map[string]interface{}{"property_id": gears.ID(), "url": uri})
	if !r.IsError {
		t.Error("expected error for a non-attachment property")
	}
	r = callTool(t, srv, "upload_attachment", map[string]interface{}{
		"property_id": picture.ID(),
		"url":         "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("plain text")),
	})
	if !r.IsError {
		t.Error("expected error for content that is not a png")
	}
	r = callTool(t, srv, "upload_attachment", map[string]interface{}{"property_id": picture.ID(), "url": "http://127.0.0.1/x.png"})
	if !r.IsError {
		t.Error("expected loopback download to be blocked")
	}
}

func TestUploadAttachmentFromURL(t *testing.T) {
	srv, c := testServer(t)
	pdf := []byte("%PDF-1.7\n% frame drawing\n")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download":
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `attachment; filename="frame drawing.pdf"`)
			_, _ = w.Write(pdf)
		case "/big.pdf":
			_, _ = w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	srv.fetch.checkHost = func(string) error { return nil }
	srv.fetch.maxSize = 32

	bike, err := c.Part(context.Background(), kechain.PartFilter{Name: "Bike", Category: kechain.CategoryInstance})
	if err != nil {
		t.Fatal(err)
	}
	picture, _ := bike.Property("Picture")

	r := callTool(t, srv, "upload_attachment", map[string]interface{}{"property_id": picture.ID(), "url": ts.URL + "/download"})
	if r.IsError {
		t.Fatalf("upload: %s", resultText(r))
	}
	var res uploadResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.Filename != "frame_drawing.pdf" || res.Size != len(pdf) {
		t.Errorf("result = %+v", res)
	}

	for _, path := range []string{"/big.pdf", "/missing.pdf"} {
		r := callTool(t, srv, "upload_attachment", map[string]interface{}{"property_id": picture.ID(), "url": ts.URL + path})
		if !r.IsError {
			t.Errorf("%s: expected error", path)
		}
	}
}

func TestSnapshotTools(t *testing.T) {
	srv, c := testServer(t)
	ctx := context.Background()
	scope, err := c.Scope(ctx, kechain.ScopeFilter{Name: "Bike Project"})
	if err != nil {
		t.Fatal(err)
	}
	root, err := scope.ProductRootInstance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.snap.Capture(ctx, root, 100); err != nil {
		t.Fatal(err)
	}

	text := resultText(callTool(t, srv, "search_snapshot", map[string]interface{}{"query": "Aluminium"}))
	if !strings.Contains(text, "Frame") {
		t.Errorf("search = %s", text)
	}
	text = resultText(callTool(t, srv, "get_referrers", map[string]interface{}{"part_id": root.ID}))
	if text != "no referrers found" {
		t.Errorf("referrers = %s", text)
	}
}

func TestPropertyTypesContract(t *testing.T) {
	srv, _ := testServer(t)
	text := resultText(callTool(t, srv, "get_property_types", nil))
	for _, typ := range []kechain.PropertyType{kechain.PropertyMultiSelect, kechain.PropertyReferences, kechain.PropertyDate} {
		if !strings.Contains(text, string(typ)) {
			t.Errorf("contract does not describe %s", typ)
		}
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, ext, err := decodeDataURI("data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(`{"a":1}`)))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":1}` || ext != ".json" {
		t.Errorf("got %q %q", data, ext)
	}
	for _, uri := range []string{
		"data:image/png;base64",
		"data:image/png,plain",
		"data:video/mp4;base64,AAAA",
		"data:image/png;base64,!!!",
	} {
		if _, _, err := decodeDataURI(uri); err == nil {
			t.Errorf("%q: expected error", uri)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"bike.png":           "bike.png",
		"../../etc/passwd":   "passwd",
		"front wheel #2.pdf": "front_wheel__2.pdf",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJSONValue(t *testing.T) {
	if got, ok := jsonValue([]any{"a", "b"}).([]string); !ok || len(got) != 2 {
		t.Errorf("string list = %#v", got)
	}
	mixed := []any{"a", 1.0}
	if _, ok := jsonValue(mixed).([]any); !ok {
		t.Error("mixed list should be left alone")
	}
	if jsonValue(3.5) != 3.5 {
		t.Error("scalar changed")
	}
}
