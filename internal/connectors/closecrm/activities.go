package closecrm

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/httpclient"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// Activity fetching walks calendar days newest-first because the
// /activity/ endpoint caps plain offset pagination. Within a day, pages
// advance by dailyOffset ordered by date_created desc. The walk is a two
// state machine: Normal pulls the current day; when a day comes back
// empty, ProbingOlder issues one bounded date_created__lt probe to tell
// "empty day" apart from "end of history".
const (
	metaCurrentDate  = "currentDate"
	metaDailyOffset  = "dailyOffset"
	metaEndDate      = "endDate"
	metaProbingOlder = "isCheckingForOlderData"

	dayFormat = "2006-01-02"
)

func (c *Connector) fetchActivitiesChunk(ctx context.Context, opts interfaces.ResumableFetchOptions) (models.FetchState, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.settings.BatchSize
	}

	loc, err := time.LoadLocation(c.settings.Timezone)
	if err != nil {
		loc = time.UTC
	}

	state := models.FetchState{HasMore: true}
	if opts.State != nil {
		state = *opts.State
	}
	state.IterationsInChunk = 0

	if state.MetaString(metaCurrentDate) == "" {
		state.SetMeta(metaCurrentDate, time.Now().In(loc).Format(dayFormat))
		state.SetMeta(metaDailyOffset, 0)
		if opts.Since != nil {
			// Incremental: stop the walk at the watermark day.
			state.SetMeta(metaEndDate, opts.Since.In(loc).Format(dayFormat))
		}
	}

	for state.HasMore {
		if opts.MaxIterations > 0 && state.IterationsInChunk >= opts.MaxIterations {
			break
		}

		day, err := time.ParseInLocation(dayFormat, state.MetaString(metaCurrentDate), loc)
		if err != nil {
			return state, err
		}

		if state.MetaBool(metaProbingOlder) {
			older, err := c.probeOlderActivities(ctx, day)
			if err != nil {
				return state, err
			}
			state.IterationsInChunk++
			state.SetMeta(metaProbingOlder, false)
			if !older {
				state.HasMore = false
				break
			}
			// History continues below this day; keep walking.
			state.SetMeta(metaCurrentDate, day.AddDate(0, 0, -1).Format(dayFormat))
			state.SetMeta(metaDailyOffset, 0)
			continue
		}

		if end := state.MetaString(metaEndDate); end != "" {
			if endDay, err := time.ParseInLocation(dayFormat, end, loc); err == nil && day.Before(endDay) {
				state.HasMore = false
				break
			}
		}

		resp, err := c.fetchActivityPage(ctx, day, batchSize, state.MetaInt(metaDailyOffset))
		if err != nil {
			return state, err
		}
		state.IterationsInChunk++

		records := make([]models.Record, 0, len(resp.Data))
		for _, item := range resp.Data {
			records = append(records, models.Record(item))
		}
		records = connectors.FilterSince(records, opts.Since)
		state.TotalProcessed += int64(len(records))

		if err := connectors.EmitBatch(ctx, opts.FetchOptions, records, state.TotalProcessed, nil); err != nil {
			return state, err
		}

		switch {
		case len(resp.Data) == 0 && state.MetaInt(metaDailyOffset) == 0 && opts.Since == nil:
			// A fully empty day during a full sync: probe before giving up.
			state.SetMeta(metaProbingOlder, true)
		case resp.HasMore && len(resp.Data) > 0:
			state.SetMeta(metaDailyOffset, state.MetaInt(metaDailyOffset)+len(resp.Data))
		default:
			// Day exhausted; step to the previous one.
			state.SetMeta(metaCurrentDate, day.AddDate(0, 0, -1).Format(dayFormat))
			state.SetMeta(metaDailyOffset, 0)
			if opts.Since != nil && state.MetaString(metaEndDate) == "" {
				state.HasMore = false
			}
		}
	}

	return state, nil
}

func (c *Connector) fetchActivityPage(ctx context.Context, day time.Time, limit, skip int) (*listResponse, error) {
	next := day.AddDate(0, 0, 1)

	query := url.Values{}
	query.Set("_limit", strconv.Itoa(limit))
	query.Set("_skip", strconv.Itoa(skip))
	query.Set("_order_by", "-date_created")
	query.Set("date_created__gte", day.Format(dayFormat))
	query.Set("date_created__lt", next.Format(dayFormat))

	var resp listResponse
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     c.baseURL + "/activity/",
		Query:   query,
		Headers: c.authHeaders(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// probeOlderActivities asks for a single record created before the given
// day. True means history continues and the walk should keep going.
func (c *Connector) probeOlderActivities(ctx context.Context, day time.Time) (bool, error) {
	query := url.Values{}
	query.Set("_limit", "1")
	query.Set("_order_by", "-date_created")
	query.Set("date_created__lt", day.Format(dayFormat))

	var resp listResponse
	err := c.client.DoJSON(ctx, httpclient.Request{
		Method:  "GET",
		URL:     c.baseURL + "/activity/",
		Query:   query,
		Headers: c.authHeaders(),
	}, &resp)
	if err != nil {
		return false, err
	}
	return len(resp.Data) > 0, nil
}
