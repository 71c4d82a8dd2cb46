// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes KE-chain parts and properties as tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kechain/internal/snapshot"
	"github.com/starford/kechain/pkg/kechain"
)

// Server wraps the MCP server with KE-chain tools.
type Server struct {
	mcp    *server.MCPServer
	client *kechain.Client
	snap   *snapshot.DB
	fetch  *fetcher
}

// New creates an MCP server backed by c. snap is optional; without it the
// snapshot search tools are not registered.
func New(c *kechain.Client, snap *snapshot.DB, version string) *Server {
	s := &Server{client: c, snap: snap, fetch: newFetcher()}

	s.mcp = server.NewMCPServer(
		"KE-chain",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_scopes",
		mcp.WithDescription("List the scopes (projects) visible to the current user."),
		mcp.WithString("tag", mcp.Description("Only scopes carrying this tag")),
	), s.listScopes)

	s.mcp.AddTool(mcp.NewTool("get_part",
		mcp.WithDescription("Get a part with its properties by id or by exact name."),
		mcp.WithString("part", mcp.Required(), mcp.Description("Part id (uuid) or name")),
		mcp.WithString("category", mcp.Description("MODEL or INSTANCE (default INSTANCE)")),
	), s.getPart)

	s.mcp.AddTool(mcp.NewTool("list_children",
		mcp.WithDescription("List the direct children of a part in order."),
		mcp.WithString("part_id", mcp.Required(), mcp.Description("Id of the parent part")),
	), s.listChildren)

	s.mcp.AddTool(mcp.NewTool("get_property",
		mcp.WithDescription("Get one property with its type, value and validation state."),
		mcp.WithString("property_id", mcp.Required(), mcp.Description("Id of the property")),
	), s.getProperty)

	s.mcp.AddTool(mcp.NewTool("update_properties",
		mcp.WithDescription("Set property values of one part in a single request. "+
			"Values MUST have the shape the property type expects; read the "+
			"kechain://property-types resource first."),
		mcp.WithString("part_id", mcp.Required(), mcp.Description("Id of the part to update")),
		mcp.WithString("values", mcp.Required(), mcp.Description(
			`JSON array of {"property": name-or-id, "value": ...} applied in order`)),
		mcp.WithBoolean("suppress_kevents", mcp.Description("Ask the backend not to emit change events")),
	), s.updateProperties)

	s.mcp.AddTool(mcp.NewTool("upload_attachment",
		mcp.WithDescription("Download a file from an http(s) URL or decode a base64 data URI "+
			"and store it in an attachment property."),
		mcp.WithString("property_id", mcp.Required(), mcp.Description("Id of the attachment property")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI")),
		mcp.WithString("filename", mcp.Description("File name to store (derived from the URL when empty)")),
	), s.uploadAttachment)

	s.mcp.AddTool(mcp.NewTool("get_property_types",
		mcp.WithDescription("Returns the value shapes accepted for each property type."),
	), s.getPropertyTypes)

	if snap != nil {
		s.mcp.AddTool(mcp.NewTool("search_snapshot",
			mcp.WithDescription("Search part names, descriptions and property values in the local snapshot."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		), s.searchSnapshot)

		s.mcp.AddTool(mcp.NewTool("get_referrers",
			mcp.WithDescription("Find the properties in the local snapshot that reference a part."),
			mcp.WithString("part_id", mcp.Required(), mcp.Description("Id of the referenced part")),
		), s.getReferrers)
	}

	s.mcp.AddResource(
		mcp.NewResource("kechain://property-types", "Property Value Shapes",
			mcp.WithResourceDescription("JSON value shapes accepted per property type."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readPropertyTypesResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

type partView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Category     string         `json:"category"`
	Multiplicity string         `json:"multiplicity,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	ModelID      string         `json:"model_id,omitempty"`
	Properties   []propertyView `json:"properties,omitempty"`
}

type propertyView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Unit  string `json:"unit,omitempty"`
	Value any    `json:"value"`
	// Invalid holds the client-side validation failure, if any.
	Invalid string `json:"invalid,omitempty"`
}

func viewProperty(p kechain.Property) propertyView {
	v := propertyView{ID: p.ID(), Name: p.Name(), Type: string(p.Type()), Unit: p.Unit(), Value: p.Value()}
	if err := p.Validate(); err != nil {
		v.Invalid = err.Error()
	}
	return v
}

func viewPart(p *kechain.Part, withProps bool) partView {
	v := partView{
		ID:           p.ID,
		Name:         p.Name,
		Category:     string(p.Category),
		Multiplicity: string(p.Multiplicity),
		ParentID:     p.ParentID,
		ModelID:      p.ModelID,
	}
	if withProps {
		for _, prop := range p.Properties() {
			v.Properties = append(v.Properties, viewProperty(prop))
		}
	}
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listScopes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scopes, err := s.client.Scopes(ctx, kechain.ScopeFilter{Tag: req.GetString("tag", "")})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	type scopeView struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Status string   `json:"status,omitempty"`
		Tags   []string `json:"tags,omitempty"`
	}
	out := make([]scopeView, 0, len(scopes))
	for _, sc := range scopes {
		out = append(out, scopeView{ID: sc.ID, Name: sc.Name, Status: string(sc.Status), Tags: sc.Tags})
	}
	return jsonResult(out)
}

func (s *Server) getPart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("part")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f := kechain.PartFilter{Category: kechain.Category(req.GetString("category", string(kechain.CategoryInstance)))}
	if kechain.IsUUID(key) {
		f.ID = key
	} else {
		f.Name = key
	}
	part, err := s.client.Part(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(viewPart(part, true))
}

func (s *Server) listChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("part_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	part, err := s.client.Part(ctx, kechain.PartFilter{ID: id})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	children, err := part.Children(ctx, kechain.ChildrenQuery{})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]partView, 0, len(children))
	for _, c := range children {
		out = append(out, viewPart(c, false))
	}
	return jsonResult(out)
}

func (s *Server) getProperty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("property_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prop, err := s.client.Property(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(viewProperty(prop))
}

func (s *Server) updateProperties(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("part_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("values")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var items []struct {
		Property string `json:"property"`
		Value    any    `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("values must be a JSON array: %v", err)), nil
	}

	part, err := s.client.Part(ctx, kechain.PartFilter{ID: id})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	u := kechain.PartUpdate{UpdateOptions: kechain.UpdateOptions{SuppressKevents: req.GetBool("suppress_kevents", false)}}
	for _, it := range items {
		u.Values = append(u.Values, kechain.PropertyValue{Property: it.Property, Value: jsonValue(it.Value)})
	}
	if err := part.Update(ctx, u); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fresh, err := part.Reload(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(viewPart(fresh, true))
}

// jsonValue turns decoded JSON arrays of strings into []string, the shape
// list and reference properties take.
func jsonValue(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return v
		}
		out = append(out, s)
	}
	return out
}

func (s *Server) searchSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := s.snap.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(hits)
}

func (s *Server) getReferrers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("part_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	refs, err := s.snap.Referrers(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(refs) == 0 {
		return mcp.NewToolResultText("no referrers found"), nil
	}
	return jsonResult(refs)
}

func (s *Server) getPropertyTypes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PropertyTypesContract), nil
}

func (s *Server) readPropertyTypesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "kechain://property-types",
			MIMEType: "text/markdown",
			Text:     PropertyTypesContract,
		},
	}, nil
}
