// Package restsrc syncs entities from a user-described REST API. The
// connector has no built-in knowledge of the upstream; every entity is
// declared as an endpoint descriptor in config.
package restsrc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/httpclient"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/schema"
	"github.com/ternarybob/relay/internal/syncerrors"
)

func init() {
	connectors.Register(models.ConnectorTypeREST, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypeREST,
		Fields: []schema.Field{
			{Name: "base_url", Type: schema.FieldTypeString, Required: true},
			{Name: "auth_header", Type: schema.FieldTypeString, Description: "Header name for the credential, default Authorization"},
			{Name: "auth_token", Type: schema.FieldTypePassword, Description: "Credential value, sent verbatim"},
			{Name: "endpoints", Type: schema.FieldTypeObjectArray, Required: true, ItemFields: []schema.Field{
				{Name: "entity", Type: schema.FieldTypeString, Required: true},
				{Name: "method", Type: schema.FieldTypeString},
				{Name: "path", Type: schema.FieldTypeString, Required: true},
				{Name: "data_path", Type: schema.FieldTypeString, Required: true},
				{Name: "total_count_path", Type: schema.FieldTypeString},
				{Name: "limit_param", Type: schema.FieldTypeString},
				{Name: "offset_param", Type: schema.FieldTypeString},
				{Name: "page_param", Type: schema.FieldTypeString},
				{Name: "cursor_param", Type: schema.FieldTypeString},
				{Name: "next_cursor_path", Type: schema.FieldTypeString},
				{Name: "has_more_path", Type: schema.FieldTypeString},
				{Name: "batch_size", Type: schema.FieldTypeNumber},
				{Name: "params", Type: schema.FieldTypeObject},
				{Name: "body", Type: schema.FieldTypeObject, Description: "Static JSON body, for POST-style search endpoints"},
			}},
		},
	})
}

// endpoint is one declared entity descriptor.
type endpoint struct {
	Entity         string
	Method         string
	Path           string
	DataPath       string
	TotalCountPath string
	LimitParam     string
	OffsetParam    string
	PageParam      string
	CursorParam    string
	NextCursorPath string
	HasMorePath    string
	BatchSize      int
	Params         map[string]interface{}
	Body           map[string]interface{}
}

// Connector fetches from a declared REST API.
type Connector struct {
	connectors.WebhookUnsupported

	source     *models.Connector
	settings   models.ConnectorSettings
	baseURL    string
	authHeader string
	authToken  string
	endpoints  map[string]*endpoint
	client     *httpclient.Client
	logger     arbor.ILogger
}

// New builds a REST connector from a decrypted configuration.
func New(source *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	settings := source.Settings.WithDefaults()
	authHeader := source.ConfigString("auth_header")
	if authHeader == "" {
		authHeader = "Authorization"
	}
	c := &Connector{
		source:     source,
		settings:   settings,
		baseURL:    strings.TrimRight(source.ConfigString("base_url"), "/"),
		authHeader: authHeader,
		authToken:  source.ConfigString("auth_token"),
		endpoints:  parseEndpoints(source.Config["endpoints"]),
		logger:     logger,
	}
	c.client = httpclient.New(httpclient.Options{
		Timeout:        time.Duration(settings.TimeoutMs) * time.Millisecond,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
		Logger:         logger,
	})
	return c, nil
}

func parseEndpoints(raw interface{}) map[string]*endpoint {
	endpoints := make(map[string]*endpoint)
	items, ok := raw.([]interface{})
	if !ok {
		return endpoints
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		e := &endpoint{
			Entity:         str(m, "entity"),
			Method:         strings.ToUpper(str(m, "method")),
			Path:           str(m, "path"),
			DataPath:       str(m, "data_path"),
			TotalCountPath: str(m, "total_count_path"),
			LimitParam:     str(m, "limit_param"),
			OffsetParam:    str(m, "offset_param"),
			PageParam:      str(m, "page_param"),
			CursorParam:    str(m, "cursor_param"),
			NextCursorPath: str(m, "next_cursor_path"),
			HasMorePath:    str(m, "has_more_path"),
			BatchSize:      num(m, "batch_size"),
		}
		if params, ok := m["params"].(map[string]interface{}); ok {
			e.Params = params
		}
		if body, ok := m["body"].(map[string]interface{}); ok {
			e.Body = body
		}
		if e.Entity == "" || e.Path == "" {
			continue
		}
		if e.Method == "" {
			e.Method = "GET"
		}
		endpoints[e.Entity] = e
	}
	return endpoints
}

func str(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func num(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (c *Connector) Metadata() interfaces.ConnectorMetadata {
	return interfaces.ConnectorMetadata{
		Name:              "REST",
		Version:           "1.0.0",
		Description:       "Syncs entities from a declared REST API",
		SupportedEntities: c.entityNames(),
	}
}

func (c *Connector) entityNames() []string {
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	return names
}

func (c *Connector) ValidateConfig() interfaces.ValidationResult {
	var errs []string
	if c.baseURL == "" {
		errs = append(errs, "base_url is required")
	}
	if len(c.endpoints) == 0 {
		errs = append(errs, "at least one endpoint is required")
	}
	for entity, e := range c.endpoints {
		if e.DataPath == "" {
			errs = append(errs, fmt.Sprintf("endpoint %q: data_path is required", entity))
		}
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (c *Connector) TestConnection(ctx context.Context) interfaces.ConnectionTestResult {
	// No universal probe exists; fetch the first declared endpoint with a
	// single-record page.
	for _, e := range c.endpoints {
		_, _, err := c.fetchPage(ctx, e, pageRequest{limit: 1})
		if err != nil {
			return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
		}
		return interfaces.ConnectionTestResult{
			Success: true,
			Message: fmt.Sprintf("Endpoint %q reachable", e.Entity),
		}
	}
	return interfaces.ConnectionTestResult{Success: false, Message: "no endpoints configured"}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return c.entityNames(), nil
}

func (c *Connector) FetchEntity(ctx context.Context, opts interfaces.FetchOptions) error {
	var state *models.FetchState
	for {
		next, err := c.FetchEntityChunk(ctx, interfaces.ResumableFetchOptions{
			FetchOptions:  opts,
			MaxIterations: 0,
			State:         state,
		})
		if err != nil {
			return err
		}
		if !next.HasMore {
			return nil
		}
		state = &next
	}
}

func (c *Connector) SupportsResumableFetching() bool { return true }

type pageRequest struct {
	limit  int
	offset int
	page   int
	cursor string
}

func (c *Connector) FetchEntityChunk(ctx context.Context, opts interfaces.ResumableFetchOptions) (models.FetchState, error) {
	e, ok := c.endpoints[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypeREST),
			Reason:    fmt.Sprintf("no endpoint configured for entity %q", opts.Entity),
		}
	}

	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = opts.BatchSize
	}
	if batchSize <= 0 {
		batchSize = c.settings.BatchSize
	}

	state := models.FetchState{HasMore: true}
	if opts.State != nil {
		state = *opts.State
	}
	state.IterationsInChunk = 0
	if e.PageParam != "" && state.Page == 0 {
		state.Page = 1
	}

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		body, records, err := c.fetchPage(ctx, e, pageRequest{
			limit:  batchSize,
			offset: state.Offset,
			page:   state.Page,
			cursor: state.Cursor,
		})
		if err != nil {
			return state, err
		}
		if records == nil && state.IterationsInChunk == 0 && state.TotalProcessed == 0 {
			return state, &syncerrors.ConnectorLogicError{
				Connector: string(models.ConnectorTypeREST),
				Reason:    fmt.Sprintf("data_path %q resolved to nothing", e.DataPath),
			}
		}

		// Pagination advances by what the upstream returned; the since
		// filter only narrows what gets emitted.
		upstream := len(records)
		records = connectors.FilterSince(records, opts.Since)
		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++

		var totalHint *int64
		if e.TotalCountPath != "" {
			if raw, ok := connectors.ExtractPath(body, e.TotalCountPath); ok {
				if f, ok := raw.(float64); ok {
					total := int64(f)
					totalHint = &total
				}
			}
		}

		state.HasMore = c.advance(e, &state, body, upstream, batchSize)

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, totalHint); err != nil {
			return state, err
		}
	}

	return state, nil
}

func (c *Connector) fetchPage(ctx context.Context, e *endpoint, page pageRequest) (map[string]interface{}, []models.Record, error) {
	query := url.Values{}
	for key, value := range e.Params {
		query.Set(key, fmt.Sprintf("%v", value))
	}
	if e.LimitParam != "" {
		query.Set(e.LimitParam, strconv.Itoa(page.limit))
	}
	switch {
	case e.CursorParam != "":
		if page.cursor != "" {
			query.Set(e.CursorParam, page.cursor)
		}
	case e.PageParam != "":
		query.Set(e.PageParam, strconv.Itoa(page.page))
	case e.OffsetParam != "":
		query.Set(e.OffsetParam, strconv.Itoa(page.offset))
	}

	headers := map[string]string{}
	if c.authToken != "" {
		headers[c.authHeader] = c.authToken
	}

	var reqBody interface{}
	if len(e.Body) > 0 {
		reqBody = e.Body
	}

	var body map[string]interface{}
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  e.Method,
		URL:     c.baseURL + e.Path,
		Query:   query,
		Headers: headers,
		Body:    reqBody,
	}, &body)
	if err != nil {
		return nil, nil, err
	}
	return body, connectors.ExtractRecords(body, e.DataPath), nil
}

// advance updates pagination state and decides hasMore: has_more_path
// wins, then next-cursor presence, then page fill.
func (c *Connector) advance(e *endpoint, state *models.FetchState, body map[string]interface{}, received, batchSize int) bool {
	switch {
	case e.CursorParam != "":
		state.Cursor = ""
		if e.NextCursorPath != "" {
			if raw, ok := connectors.ExtractPath(body, e.NextCursorPath); ok {
				if cursor, ok := raw.(string); ok {
					state.Cursor = cursor
				}
			}
		}
	case e.PageParam != "":
		state.Page++
	default:
		state.Offset += received
	}

	if e.HasMorePath != "" {
		if raw, ok := connectors.ExtractPath(body, e.HasMorePath); ok {
			if hasMore, ok := raw.(bool); ok {
				return hasMore && received > 0
			}
		}
	}
	if e.CursorParam != "" {
		return state.Cursor != "" && received > 0
	}
	return connectors.HasMore(received, batchSize)
}
