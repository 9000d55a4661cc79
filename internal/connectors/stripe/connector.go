// Package stripe syncs billing objects from the Stripe API.
package stripe

import (
	"context"
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

const defaultBaseURL = "https://api.stripe.com/v1"

var entityPaths = map[string]string{
	"customers":     "/customers",
	"charges":       "/charges",
	"invoices":      "/invoices",
	"subscriptions": "/subscriptions",
	"products":      "/products",
}

var supportedEntities = []string{"customers", "charges", "invoices", "subscriptions", "products"}

func init() {
	connectors.Register(models.ConnectorTypeStripe, New)
	schema.Register(schema.ConfigSchema{
		Type: models.ConnectorTypeStripe,
		Fields: []schema.Field{
			{Name: "api_key", Type: schema.FieldTypePassword, Required: true, Description: "Stripe secret key"},
			{Name: "webhook_secret", Type: schema.FieldTypePassword, Description: "Webhook signing secret (whsec_...)"},
		},
	})
}

// Connector pages Stripe lists by starting_after cursor; incremental
// pulls filter server-side on created[gte].
type Connector struct {
	source   *models.Connector
	settings models.ConnectorSettings
	apiKey   string
	secret   string
	baseURL  string
	client   *httpclient.Client
	logger   arbor.ILogger
}

// New builds a Stripe connector from a decrypted configuration.
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
		Name:              "Stripe",
		Version:           "1.0.0",
		Description:       "Syncs billing objects from the Stripe API",
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
	var account struct {
		ID string `json:"id"`
	}
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     c.baseURL + "/account",
		Headers: c.authHeaders(),
	}, &account)
	if err != nil {
		return interfaces.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	return interfaces.ConnectionTestResult{
		Success: true,
		Message: "Connected to Stripe",
		Details: map[string]interface{}{"account_id": account.ID},
	}
}

func (c *Connector) AvailableEntities(ctx context.Context) ([]string, error) {
	return supportedEntities, nil
}

func (c *Connector) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

type listResponse struct {
	Data    []map[string]interface{} `json:"data"`
	HasMore bool                     `json:"has_more"`
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
	path, ok := entityPaths[opts.Entity]
	if !ok {
		return models.FetchState{}, &syncerrors.ConnectorLogicError{
			Connector: string(models.ConnectorTypeStripe),
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

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		query := url.Values{}
		query.Set("limit", strconv.Itoa(batchSize))
		if state.Cursor != "" {
			query.Set("starting_after", state.Cursor)
		}
		if opts.Since != nil {
			query.Set("created[gte]", strconv.FormatInt(opts.Since.Unix(), 10))
		}

		var resp listResponse
		err := c.client.DoJSON(ctx, httpclient.Request{
			Method:  "GET",
			URL:     c.baseURL + path,
			Query:   query,
			Headers: c.authHeaders(),
		}, &resp)
		if err != nil {
			return state, err
		}

		records := make([]models.Record, 0, len(resp.Data))
		for _, item := range resp.Data {
			records = append(records, models.Record(item))
		}
		state.TotalProcessed += int64(len(records))
		state.IterationsInChunk++
		state.HasMore = resp.HasMore && len(records) > 0
		if len(records) > 0 {
			state.Cursor = records[len(records)-1].NaturalID()
		}

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, nil); err != nil {
			return state, err
		}
	}

	return state, nil
}
