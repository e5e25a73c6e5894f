// Package openapi builds the OpenAPI 3 document of the HTTP API by reflecting
// on the request and response types of each registered route.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces the OpenAPI document from registered routes.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	routes      []Route
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// Route describes one operation.
type Route struct {
	Method      string // GET, POST, DELETE
	Path        string // chi pattern, e.g. /api/v1/deployments/{id}
	OperationID string
	Summary     string
	Tag         string
	Request     any   // request body model; nil for none
	Response    any   // success body model; nil for none
	Status      int   // success status; default 200
	Errors      []int // documented error statuses
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:   "hostd API",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds routes to the document.
func (g *Generator) Register(routes ...Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes = append(g.routes, routes...)
	g.cachedSpec = nil
}

// Generate returns the document, building it on first use.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	spec.Components.Schemas["Error"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": stringSchema(),
				"code":  stringSchema(),
			},
			Required: []string{"error", "code"},
		},
	}

	for _, r := range g.routes {
		g.addRoute(spec, r)
	}

	g.cachedSpec = spec
	return spec
}

// Handler serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Paths
// =============================================================================

var pathParam = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

func (g *Generator) addRoute(spec *openapi3.T, r Route) {
	item := spec.Paths.Value(r.Path)
	if item == nil {
		item = &openapi3.PathItem{}
		for _, m := range pathParam.FindAllStringSubmatch(r.Path, -1) {
			item.Parameters = append(item.Parameters, &openapi3.ParameterRef{
				Value: &openapi3.Parameter{
					Name:     m[1],
					In:       "path",
					Required: true,
					Schema:   stringSchema(),
				},
			})
		}
		spec.Paths.Set(r.Path, item)
	}

	op := &openapi3.Operation{
		OperationID: r.OperationID,
		Summary:     r.Summary,
		Responses:   openapi3.NewResponsesWithCapacity(1 + len(r.Errors)),
	}
	if r.Tag != "" {
		op.Tags = []string{r.Tag}
	}

	if r.Request != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(g.component(spec, r.Request)),
			},
		}
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	success := &openapi3.Response{Description: ptr(http.StatusText(status))}
	if r.Response != nil {
		success.Content = openapi3.NewContentWithJSONSchemaRef(g.component(spec, r.Response))
	}
	op.Responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{Value: success})

	for _, code := range r.Errors {
		op.Responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: ptr(http.StatusText(code)),
				Content:     openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Error"}),
			},
		})
	}

	item.SetOperation(r.Method, op)
}

// component registers model's schema under its type name and returns a
// reference to it.
func (g *Generator) component(spec *openapi3.T, model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return g.goTypeToSchema(t)
	}
	name := t.Name()
	if _, ok := spec.Components.Schemas[name]; !ok {
		spec.Components.Schemas[name] = g.extractSchema(t)
	}
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}
}

// =============================================================================
// Schema Generation
// =============================================================================

// extractSchema builds an object schema from a struct's exported fields.
func (g *Generator) extractSchema(t reflect.Type) *openapi3.SchemaRef {
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := field.Name
		parts := strings.Split(jsonTag, ",")
		if parts[0] != "" {
			name = parts[0]
		}

		if propSchema := g.goTypeToSchema(field.Type); propSchema != nil {
			schema.Properties[name] = propSchema
		}
	}

	return &openapi3.SchemaRef{Value: schema}
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// goTypeToSchema converts a Go type to a schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	if t == durationType {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64", Description: "nanoseconds"}}
	}

	switch t.Kind() {
	case reflect.String:
		return stringSchema()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "float"}}

	case reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: g.goTypeToSchema(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: g.goTypeToSchema(t.Elem())},
			},
		}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema != nil && schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		if t == timeType {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return g.extractSchema(t)

	default:
		// interface{} and anything else
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}

func stringSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func ptr[T any](v T) *T {
	return &v
}
