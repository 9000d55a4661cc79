// Package posthog syncs the results of configured HogQL queries from a
// PostHog project.
package posthog

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

const defaultHost = "https://us.posthog.com"

func init() {
	connectors.Register(models.ConnectorTypePostHog, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypePostHog,
		Fields: []schema.Field{
			{Name: "host", Type: schema.FieldTypeString, Description: "PostHog instance URL, default " + defaultHost},
			{Name: "project_id", Type: schema.FieldTypeString, Required: true},
			{Name: "api_key", Type: schema.FieldTypePassword, Required: true, Description: "Personal API key"},
			{Name: "queries", Type: schema.FieldTypeObjectArray, Required: true, ItemFields: []schema.Field{
				{Name: "entity", Type: schema.FieldTypeString, Required: true},
				{Name: "query", Type: schema.FieldTypeString, Required: true},
			}},
		},
	})
}

// Connector runs HogQL queries and flattens the tabular result into
// records keyed by column name. Pagination is LIMIT/OFFSET appended to
// queries that do not carry their own.
type Connector struct {
	connectors.WebhookUnsupported

	source    *models.Connector
	settings  models.ConnectorSettings
	host      string
	projectID string
	apiKey    string
	queries   map[string]string
	client    *httpclient.Client
	logger    arbor.ILogger
}

// New builds a PostHog connector from a decrypted configuration.
func New(source *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	settings := source.Settings.WithDefaults()
	host := strings.TrimRight(source.ConfigString("host"), "/")
	if host == "" {
		host = defaultHost
	}
	c := &Connector{
		source:    source,
		settings:  settings,
		host:      host,
		projectID: source.ConfigString("project_id"),
		apiKey:    source.ConfigString("api_key"),
		queries:   parseQueries(source.Config["queries"]),
		logger:    logger,
	}
	c.client = httpclient.New(httpclient.Options{
		Timeout:        time.Duration(settings.TimeoutMs) * time.Millisecond,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
		Logger:         logger,
	})
	return c, nil
}

func parseQueries(raw interface{}) map[string]string {
	queries := make(map[string]string)
	items, ok := raw.([]interface{})
	if !ok {
		return queries
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		entity, _ := m["entity"].(string)
		query, _ := m["query"].(string)
		if entity != "" && query != "" {
			queries[entity] = query
		}
	}
	return queries
}

func (c *Connector) Metadata() interfaces.ConnectorMetadata {
	return interfaces.ConnectorMetadata{
		Name:              "PostHog",
		Version:           "1.0.0",
		Description:       "Syncs HogQL query results from PostHog",
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
	if c.projectID == "" {
		errs = append(errs, "project_id is required")
	}
	if c.apiKey == "" {
		errs = append(errs, "api_key is required")
	}
	if len(c.queries) == 0 {
		errs = append(errs, "at least one query is required")
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (c *Connector) TestConnection(ctx context.Context) interfaces.ConnectionTestResult {
	_, err := c.runQuery(ctx, "SELECT 1 LIMIT 1")
	if err != nil {
		return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	return interfaces.ConnectionTestResult{
		Success: true,
		Message: "Connected to PostHog",
		Details: map[string]interface{}{"project_id": c.projectID},
	}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return c.entityNames(), nil
}

type queryResponse struct {
	Columns []string        `json:"columns"`
	Results [][]interface{} `json:"results"`
}

func (c *Connector) runQuery(ctx context.Context, hogql string) (*queryResponse, error) {
	var resp queryResponse
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "POST",
		URL:     fmt.Sprintf("%s/api/projects/%s/query/", c.host, c.projectID),
		Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
		Body: map[string]interface{}{
			"query": map[string]interface{}{
				"kind":  "HogQLQuery",
				"query": hogql,
			},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

var limitPattern = regexp.MustCompile(`(?i)\blimit\b`)

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
	hogql, ok := c.queries[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypePostHog),
			Reason:    fmt.Sprintf("no query configured for entity %q", opts.Entity),
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.settings.BatchSize
	}

	// A query carrying its own LIMIT is a single-shot pull.
	paginate := !limitPattern.MatchString(hogql)

	state := models.FetchState{HasMore: true}
	if opts.State != nil {
		state = *opts.State
	}
	state.IterationsInChunk = 0

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		query := hogql
		if paginate {
			query = fmt.Sprintf("%s LIMIT %d OFFSET %d", strings.TrimRight(hogql, "; \n\t"), batchSize, state.Offset)
		}

		resp, err := c.runQuery(ctx, query)
		if err != nil {
			return state, err
		}

		records := rowsToRecords(resp)
		records = connectors.FilterSince(records, opts.Since)
		state.Offset += len(resp.Results)
		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++
		state.HasMore = paginate && connectors.HasMore(len(resp.Results), batchSize)

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, nil); err != nil {
			return state, err
		}
	}

	return state, nil
}

// rowsToRecords zips the tabular response into column-keyed records.
func rowsToRecords(resp *queryResponse) []models.Record {
	records := make([]models.Record, 0, len(resp.Results))
	for _, row := range resp.Results {
		record := make(models.Record, len(resp.Columns))
		for i, col := range resp.Columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}
