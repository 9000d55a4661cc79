// Package closecrm syncs leads, contacts, opportunities, activities and
// users from the Close CRM API.
package closecrm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/httpclient"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/schema"
	"github.com/ternarybob/relay/internal/syncerrors"
)

const defaultBaseURL = "https://api.close.com/api/v1"

var entityPaths = map[string]string{
	"leads":         "/lead/",
	"contacts":      "/contact/",
	"opportunities": "/opportunity/",
	"activities":    "/activity/",
	"users":         "/user/",
}

var supportedEntities = []string{"leads", "contacts", "opportunities", "activities", "users"}

func init() {
	connectors.Register(models.ConnectorTypeClose, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypeClose,
		Fields: []schema.Field{
			{Name: "api_key", Type: schema.FieldTypePassword, Required: true, Description: "Close API key"},
			{Name: "webhook_secret", Type: schema.FieldTypePassword, Description: "Webhook signature key"},
		},
	})
}

// Connector talks to the Close REST API. Default entities paginate by
// offset; activities walk a per-day date window; users are always a full
// pull because /user/ has no stable ordering or update filter.
type Connector struct {
	source   *models.Connector
	settings models.ConnectorSettings
	apiKey   string
	secret   string
	baseURL  string
	client   *httpclient.Client
	logger   arbor.ILogger
}

// New builds a Close connector from a decrypted configuration.
func New(source *models.Connector, logger arbor.ILogger) (interfaces.Connector, error) {
	settings := source.Settings.WithDefaults()
	c := &Connector{
		source:   source,
		settings: settings,
		apiKey:   source.ConfigString("api_key"),
		secret:   source.ConfigString("webhook_secret"),
		baseURL:  source.ConfigString("base_url"),
		logger:   logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	c.client = httpclient.New(httpclient.Options{
		Timeout:        time.Duration(settings.TimeoutMs) * time.Millisecond,
		RateLimitDelay: time.Duration(settings.RateLimitDelayMs) * time.Millisecond,
		MaxRetries:     settings.MaxRetries,
		Logger:         logger,
	})
	return c, nil
}

func (c *Connector) Metadata() interfaces.ConnectorMetadata {
	return interfaces.ConnectorMetadata{
		Name:              "Close CRM",
		Version:           "1.0.0",
		Description:       "Syncs CRM records from the Close API",
		SupportedEntities: supportedEntities,
	}
}

func (c *Connector) ValidateConfig() interfaces.ValidationResult {
	var errs []string
	if c.apiKey == "" {
		errs = append(errs, "api_key is required")
	}
	return interfaces.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (c *Connector) TestConnection(ctx context.Context) interfaces.ConnectionTestResult {
	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     c.baseURL + "/me/",
		Headers: c.authHeaders(),
	}, &me)
	if err != nil {
		return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	return interfaces.ConnectionTestResult{
		Success: true,
		Message: "Connected to Close",
		Details: map[string]interface{}{"user_id": me.ID, "email": me.Email},
	}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return supportedEntities, nil
}

func (c *Connector) authHeaders() map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(c.apiKey + ":"))
	return map[string]string{"Authorization": "Basic " + token}
}

// listResponse is the shared Close list envelope.
type listResponse struct {
	Data         []map[string]interface{} `json:"data"`
	HasMore      bool                     `json:"has_more"`
	TotalResults *int64                   `json:"total_results"`
}

func (c *Connector) FetchEntity(ctx context.Context, opts interfaces.FetchOptions) error {
	var state *models.FetchState
	for {
		next, err := c.FetchEntityChunk(ctx, interfaces.ResumableFetchOptions{
			FetchOptions:  opts,
			MaxIterations: 0, // unbounded
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

// FetchEntityChunk runs up to maxIterations upstream pages and returns
// the position to resume from.
func (c *Connector) FetchEntityChunk(ctx context.Context, opts interfaces.ResumableFetchOptions) (models.FetchState, error) {
	if opts.Entity == "activities" {
		return c.fetchActivitiesChunk(ctx, opts)
	}

	path, ok := entityPaths[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypeClose),
			Reason:    fmt.Sprintf("unsupported entity %q", opts.Entity),
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.settings.BatchSize
	}

	state := models.FetchState{HasMore: true}
	if opts.State != nil {
		state = *opts.State
	}
	state.IterationsInChunk = 0

	// /user/ has no update filter; it is always a full pull.
	since := opts.Since
	if opts.Entity == "users" {
		since = nil
	}

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		resp, err := c.fetchPage(ctx, path, opts.Entity, since, batchSize, state.Offset)
		if err != nil {
			return state, err
		}

		records := make([]models.Record, 0, len(resp.Data))
		for _, item := range resp.Data {
			records = append(records, models.Record(item))
		}
		state.Offset += len(records)
		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++
		state.HasMore = resp.HasMore && len(records) > 0

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, resp.TotalResults); err != nil {
			return state, err
		}
	}

	return state, nil
}

func (c *Connector) fetchPage(ctx context.Context, path, entity string, since *time.Time, limit, skip int) (*listResponse, error) {
	var resp listResponse

	if since != nil {
		// Incremental goes through the search endpoint: a filter body
		// POSTed with a GET override, ordered newest-updated first.
		body := map[string]interface{}{
			"_params": map[string]interface{}{
				"_limit":    limit,
				"_skip":     skip,
				"_order_by": "-date_updated",
				"query":     fmt.Sprintf("date_updated>=%q", since.UTC().Format("2006-01-02")),
			},
		}
		headers := c.authHeaders()
		headers["x-http-method-override"] = "GET"
		err := c.client.DoJSON(ctx, httpclient.Request{
			Method:  "POST",
			URL:     c.baseURL + path,
			Headers: headers,
			Body:    body,
		}, &resp)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}

	query := url.Values{}
	query.Set("_limit", strconv.Itoa(limit))
	query.Set("_skip", strconv.Itoa(skip))
	if entity != "users" {
		query.Set("_order_by", "date_created")
	}
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     c.baseURL + path,
		Query:   query,
		Headers: c.authHeaders(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
