// Package bigquery syncs the results of configured SQL queries from
// Google BigQuery via the REST jobs API.
package bigquery

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

const (
	defaultAPIBase = "https://bigquery.googleapis.com/bigquery/v2"
	// metaJobID resumes paging on a previously started query job.
	metaJobID = "jobId"
	// sincePlaceholder in a query is substituted with the incremental
	// watermark so the filter runs server-side.
	sincePlaceholder = "{since}"
)

func init() {
	connectors.Register(models.ConnectorTypeBigQuery, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypeBigQuery,
		Fields: []schema.Field{
			{Name: "project_id", Type: schema.FieldTypeString, Required: true},
			{Name: "client_email", Type: schema.FieldTypeString, Required: true, Description: "Service account email"},
			{Name: "private_key", Type: schema.FieldTypePassword, Required: true, Description: "Service account PEM key"},
			{Name: "token_uri", Type: schema.FieldTypeString, Description: "OAuth token endpoint override"},
			{Name: "api_base", Type: schema.FieldTypeString, Description: "API endpoint override, default " + defaultAPIBase},
			{Name: "queries", Type: schema.FieldTypeObjectArray, Required: true, ItemFields: []schema.Field{
				{Name: "entity", Type: schema.FieldTypeString, Required: true},
				{Name: "query", Type: schema.FieldTypeString, Required: true},
			}},
		},
	})
}

// Connector starts a query job on the first chunk and resumes paging it
// via pageToken on later chunks; the running job id travels in the fetch
// state metadata.
type Connector struct {
	connectors.WebhookUnsupported

	source    *models.Connector
	settings  models.ConnectorSettings
	projectID string
	apiBase   string
	queries   map[string]string
	tokens    *tokenSource
	client    *httpclient.Client
	logger    arbor.ILogger
}

// New builds a BigQuery connector from a decrypted configuration.
func New(source *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	settings := source.Settings.WithDefaults()
	client := httpclient.New(httpclient.Options{
		Timeout:        time.Duration(settings.TimeoutMs) * time.Millisecond,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
		Logger:         logger,
	})
	apiBase := strings.TrimRight(source.ConfigString("api_base"), "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	c := &Connector{
		source:    source,
		settings:  settings,
		projectID: source.ConfigString("project_id"),
		apiBase:   apiBase,
		queries:   parseQueries(source.Config["queries"]),
		tokens: newTokenSource(
			source.ConfigString("client_email"),
			source.ConfigString("private_key"),
			source.ConfigString("token_uri"),
			client,
		),
		client: client,
		logger: logger,
	}
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
		Name:              "BigQuery",
		Version:           "1.0.0",
		Description:       "Syncs SQL query results from Google BigQuery",
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
	if c.tokens.clientEmail == "" {
		errs = append(errs, "client_email is required")
	}
	if c.tokens.privateKey == "" {
		errs = append(errs, "private_key is required")
	}
	if len(c.queries) == 0 {
		errs = append(errs, "at least one query is required")
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (c *Connector) TestConnection(ctx context.Context) interfaces.ConnectionTestResult {
	resp, err := c.startQuery(ctx, "SELECT 1", 1)
	if err != nil {
		return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	return interfaces.ConnectionTestResult{
		Success: true,
		Message: "Connected to BigQuery",
		Details: map[string]interface{}{"project_id": c.projectID, "job_id": resp.JobReference.JobID},
	}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return c.entityNames(), nil
}

type fieldSchema struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Mode   string        `json:"mode"`
	Fields []fieldSchema `json:"fields"`
}

type tableCell struct {
	V interface{} `json:"v"`
}

type tableRow struct {
	F []tableCell `json:"f"`
}

type queryResponse struct {
	JobReference struct {
		JobID string `json:"jobId"`
	} `json:"jobReference"`
	JobComplete bool   `json:"jobComplete"`
	TotalRows   string `json:"totalRows"`
	PageToken   string `json:"pageToken"`
	Schema      struct {
		Fields []fieldSchema `json:"fields"`
	} `json:"schema"`
	Rows []tableRow `json:"rows"`
}

func (c *Connector) authHeaders(ctx context.Context) (map[string]string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (c *Connector) startQuery(ctx context.Context, sql string, maxResults int) (*queryResponse, error) {
	headers, err := c.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	var resp queryResponse
	err = c.client.DoJSON(ctx, httpclient.Request{
		Method:  "POST",
		URL:     fmt.Sprintf("%s/projects/%s/queries", c.apiBase, c.projectID),
		Headers: headers,
		Body: map[string]interface{}{
			"query":        sql,
			"useLegacySql": false,
			"maxResults":   maxResults,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Connector) fetchPage(ctx context.Context, jobID, pageToken string, maxResults int) (*queryResponse, error) {
	headers, err := c.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("maxResults", strconv.Itoa(maxResults))
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	var resp queryResponse
	err = c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     fmt.Sprintf("%s/projects/%s/queries/%s", c.apiBase, c.projectID, jobID),
		Query:   query,
		Headers: headers,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
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
	sql, ok := c.queries[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypeBigQuery),
			Reason:    fmt.Sprintf("no query configured for entity %q", opts.Entity),
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.settings.BatchSize
	}

	serverSideSince := false
	if opts.Since != nil {
		replaced := replacePlaceholder(sql, opts.Since.UTC().Format(time.RFC3339))
		serverSideSince = replaced != sql
		sql = replaced
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

		var resp *queryResponse
		var err error
		if jobID := state.MetaString(metaJobID); jobID == "" {
			resp, err = c.startQuery(ctx, sql, batchSize)
		} else {
			resp, err = c.fetchPage(ctx, jobID, state.Cursor, batchSize)
		}
		if err != nil {
			return state, err
		}
		if !resp.JobComplete {
			// The job is still running; poll the same position. Polls
			// count against the iteration budget so a job that never
			// completes yields the chunk instead of spinning forever.
			state.SetMeta(metaJobID, resp.JobReference.JobID)
			state.IterationsInChunk++
			continue
		}
		state.SetMeta(metaJobID, resp.JobReference.JobID)

		records := decodeRows(resp.Schema.Fields, resp.Rows)
		if !serverSideSince {
			records = connectors.FilterSince(records, opts.Since)
		}
		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++
		state.Cursor = resp.PageToken
		state.HasMore = resp.PageToken != ""

		var totalHint *int64
		if total, err := strconv.ParseInt(resp.TotalRows, 10, 64); err == nil {
			totalHint = &total
		}

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, totalHint); err != nil {
			return state, err
		}
	}

	return state, nil
}

func replacePlaceholder(sql, since string) string {
	return strings.ReplaceAll(sql, sincePlaceholder, since)
}
