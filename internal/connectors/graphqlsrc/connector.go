// Package graphqlsrc syncs entities from a user-configured GraphQL
// endpoint. Each entity is a declared query plus response paths; the
// pagination shape is detected from the query's variable names.
package graphqlsrc

import (
	"context"
	"fmt"
	"regexp"
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
	connectors.Register(models.ConnectorTypeGraphQL, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypeGraphQL,
		Fields: []schema.Field{
			{Name: "endpoint", Type: schema.FieldTypeString, Required: true, Description: "GraphQL endpoint URL"},
			{Name: "auth_token", Type: schema.FieldTypePassword, Description: "Bearer token sent with every request"},
			{Name: "queries", Type: schema.FieldTypeObjectArray, Required: true, ItemFields: []schema.Field{
				{Name: "entity", Type: schema.FieldTypeString, Required: true},
				{Name: "query", Type: schema.FieldTypeString, Required: true},
				{Name: "data_path", Type: schema.FieldTypeString, Required: true},
				{Name: "total_count_path", Type: schema.FieldTypeString},
				{Name: "has_next_page_path", Type: schema.FieldTypeString},
				{Name: "cursor_path", Type: schema.FieldTypeString},
				{Name: "batch_size", Type: schema.FieldTypeNumber},
			}},
		},
	})
}

type paginationShape int

const (
	shapeOffset paginationShape = iota
	shapeCursor
)

// entityQuery is one declared query after config parsing.
type entityQuery struct {
	Entity          string
	Query           string
	DataPath        string
	TotalCountPath  string
	HasNextPagePath string
	CursorPath      string
	BatchSize       int

	shape          paginationShape
	cursorVar      string
	cursorSentinel interface{}
}

// Connector executes declared queries against one GraphQL endpoint.
type Connector struct {
	connectors.WebhookUnsupported

	source   *models.Connector
	settings models.ConnectorSettings
	endpoint string
	token    string
	queries  map[string]*entityQuery
	client   *httpclient.Client
	logger   arbor.ILogger
}

// New builds a GraphQL connector from a decrypted configuration.
func New(source *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	settings := source.Settings.WithDefaults()
	c := &Connector{
		source:   source,
		settings: settings,
		endpoint: source.ConfigString("endpoint"),
		token:    source.ConfigString("auth_token"),
		queries:  parseQueries(source.Config["queries"]),
		logger:   logger,
	}
	c.client = httpclient.New(httpclient.Options{
		Timeout:        time.Duration(settings.TimeoutMs) * time.Millisecond,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
		Logger:         logger,
	})
	return c, nil
}

func parseQueries(raw interface{}) map[string]*entityQuery {
	queries := make(map[string]*entityQuery)
	items, ok := raw.([]interface{})
	if !ok {
		return queries
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q := &entityQuery{
			Entity:          stringField(m, "entity"),
			Query:           stringField(m, "query"),
			DataPath:        stringField(m, "data_path"),
			TotalCountPath:  stringField(m, "total_count_path"),
			HasNextPagePath: stringField(m, "has_next_page_path"),
			CursorPath:      stringField(m, "cursor_path"),
			BatchSize:       intField(m, "batch_size"),
		}
		if q.Entity == "" || q.Query == "" {
			continue
		}
		q.shape, q.cursorVar, q.cursorSentinel = detectPagination(q.Query)
		queries[q.Entity] = q
	}
	return queries
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var varDeclPattern = regexp.MustCompile(`\$(\w+)\s*:\s*([\w!\[\]]+)`)

// detectPagination chooses the shape from the query's declared
// variables: $after or $cursor means cursor pagination, anything else
// falls back to offset. For cursor shapes the variable's declared type
// picks the first-page sentinel: time-like types start at the epoch
// date, numeric ones at zero.
func detectPagination(query string) (paginationShape, string, interface{}) {
	for _, match := range varDeclPattern.FindAllStringSubmatch(query, -1) {
		name, typ := match[1], strings.TrimSuffix(match[2], "!")
		if name != "after" && name != "cursor" {
			continue
		}
		lower := strings.ToLower(typ)
		switch {
		case strings.Contains(lower, "time"), strings.Contains(lower, "date"), strings.Contains(lower, "iso8601"):
			return shapeCursor, name, "1970-01-01"
		case strings.Contains(lower, "int"), strings.Contains(lower, "float"):
			return shapeCursor, name, 0
		default:
			return shapeCursor, name, ""
		}
	}
	return shapeOffset, "", nil
}

func (c *Connector) Metadata() interfaces.ConnectorMetadata {
	return interfaces.ConnectorMetadata{
		Name:              "GraphQL",
		Version:           "1.0.0",
		Description:       "Syncs entities from a configured GraphQL endpoint",
		SupportedEntities: c.entityNames(),
	}
}

func (c *Connector) entityNames() []string {
	names := make([]string, 0, len(c.queries))
	for name := range c.queries {
		names = append(names, name)
	}
	return names
}

func (c *Connector) ValidateConfig() interfaces.ValidationResult {
	var errs []string
	if c.endpoint == "" {
		errs = append(errs, "endpoint is required")
	}
	if len(c.queries) == 0 {
		errs = append(errs, "at least one query is required")
	}
	for entity, q := range c.queries {
		if q.DataPath == "" {
			errs = append(errs, fmt.Sprintf("query %q: data_path is required", entity))
		}
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (c *Connector) TestConnection(ctx context.Context) interfaces.ConnectionTestResult {
	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	err := c.post(ctx, "query { __typename }", nil, &resp)
	if err != nil {
		return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	return interfaces.ConnectionTestResult{Success: true, Message: "Endpoint reachable"}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return c.entityNames(), nil
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   map[string]interface{} `json:"data"`
	Errors []gqlError             `json:"errors"`
}

func (c *Connector) post(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return c.client.DoJSON(ctx, httpclient.Request{
		Method:  "POST",
		URL:     c.endpoint,
		Headers: headers,
		Body: map[string]interface{}{
			"query":     query,
			"variables": variables,
		},
	}, out)
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

func (c *Connector) FetchEntityChunk(ctx context.Context, opts interfaces.ResumableFetchOptions) (models.FetchState, error) {
	q, ok := c.queries[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypeGraphQL),
			Reason:    fmt.Sprintf("no query configured for entity %q", opts.Entity),
		}
	}

	batchSize := q.BatchSize
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

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		variables := map[string]interface{}{"limit": batchSize}
		switch q.shape {
		case shapeCursor:
			if state.Cursor != "" {
				variables[q.cursorVar] = state.Cursor
			} else {
				variables[q.cursorVar] = q.cursorSentinel
			}
		default:
			variables["offset"] = state.Offset
		}

		var resp gqlResponse
		if err := c.post(ctx, q.Query, variables, &resp); err != nil {
			return state, err
		}
		if len(resp.Errors) > 0 {
			return state, &syncerrors.ConnectorLogicError{
				Connector: string(models.ConnectorTypeGraphQL),
				Reason:    fmt.Sprintf("query %q: %s", opts.Entity, resp.Errors[0].Message),
			}
		}

		records := connectors.ExtractRecords(resp.Data, q.DataPath)
		if records == nil && state.IterationsInChunk == 0 && state.TotalProcessed == 0 {
			return state, &syncerrors.ConnectorLogicError{
				Connector: string(models.ConnectorTypeGraphQL),
				Reason:    fmt.Sprintf("data_path %q resolved to nothing", q.DataPath),
			}
		}
		// Pagination advances by what the upstream returned; the since
		// filter only narrows what gets emitted.
		upstream := len(records)
		records = connectors.FilterSince(records, opts.Since)

		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++

		var totalHint *int64
		if q.TotalCountPath != "" {
			if raw, ok := connectors.ExtractPath(resp.Data, q.TotalCountPath); ok {
				if f, ok := raw.(float64); ok {
					total := int64(f)
					totalHint = &total
				}
			}
		}

		state.HasMore = c.advance(q, &state, resp.Data, upstream, batchSize)

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, totalHint); err != nil {
			return state, err
		}
	}

	return state, nil
}

// advance updates the pagination variable and decides hasMore: an
// explicit has-next flag wins, then cursor presence, then page fill.
func (c *Connector) advance(q *entityQuery, state *models.FetchState, data map[string]interface{}, received, batchSize int) bool {
	if q.shape == shapeCursor && q.CursorPath != "" {
		if raw, ok := connectors.ExtractPath(data, q.CursorPath); ok {
			if cursor, ok := raw.(string); ok {
				state.Cursor = cursor
			}
		}
	}
	if q.shape == shapeOffset {
		state.Offset += received
	}

	if q.HasNextPagePath != "" {
		if raw, ok := connectors.ExtractPath(data, q.HasNextPagePath); ok {
			if hasNext, ok := raw.(bool); ok {
				return hasNext && received > 0
			}
		}
	}
	if q.shape == shapeCursor && q.CursorPath != "" {
		return state.Cursor != "" && received > 0
	}
	return connectors.HasMore(received, batchSize)
}
