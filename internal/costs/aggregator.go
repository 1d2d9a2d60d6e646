package costs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"manifold/internal/observability"
	"manifold/internal/streaming"
)

// Single-table layout, spread across two tables (see spec §6):
//
//	DynamoCostSummaryTable:
//	  UserCostSummary: PK=USER#{uid}  SK=PERIOD#{period}
//	                   GSI2PK=PERIOD#{period}  GSI2SK=COST#{total_cents:015d} (PeriodCostIndex)
//	DynamoSystemRollupTable:
//	  Daily rollup:    PK=ROLLUP#DAILY    SK={date}
//	  Monthly rollup:  PK=ROLLUP#MONTHLY  SK={period}
//	  Model rollup:    PK=ROLLUP#MODEL    SK={period}#{model_id_safe}
//	  Active markers:  PK=ACTIVE#DAILY#{date}#{user_id}
//	                   | ACTIVE#MONTHLY#{period}#{user_id}
//	                   | ACTIVE#MODEL#{period}#{model_id_safe}#{user_id}  SK=MARKER
const (
	periodCostIndex = "PeriodCostIndex"
)

// ModelBreakdown is one model's contribution to a UserSummary.
type ModelBreakdown struct {
	Cost         float64 `json:"cost" dynamodbav:"cost"`
	Requests     int64   `json:"requests" dynamodbav:"requests"`
	InputTokens  int64   `json:"input_tokens" dynamodbav:"input_tokens"`
	OutputTokens int64   `json:"output_tokens" dynamodbav:"output_tokens"`
}

// DailyRollup is one day's system-wide totals.
type DailyRollup struct {
	Date          string  `json:"date"`
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int64   `json:"total_requests"`
	ActiveUsers   int64   `json:"active_users"`
}

// ModelRollup is one (period, model) pair's system-wide totals.
type ModelRollup struct {
	Period      string  `json:"period"`
	ModelID     string  `json:"model_id"`
	TotalCost   float64 `json:"total_cost"`
	Requests    int64   `json:"requests"`
	UniqueUsers int64   `json:"unique_users"`
}

// DetailedCostReport is the message-by-message rebuild over a date range,
// capped at 90 days, per spec §4.5 read path / original_source supplement.
type DetailedCostReport struct {
	UserID  string               `json:"user_id"`
	Start   time.Time            `json:"start"`
	End     time.Time            `json:"end"`
	Total   float64              `json:"total_cost"`
	Entries []DetailedCostEntry  `json:"entries"`
}

// DetailedCostEntry is one cost record within a DetailedCostReport.
type DetailedCostEntry struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	ModelID   string    `json:"model_id"`
	Cost      float64   `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregator implements streaming.CostRecorder plus the read-side query
// APIs layered on the same tables. sessionsTable is the sessions store's
// table (for UserTimestampIndex, already populated by
// DynamoStore.PutMessageMetadata); summaryTable and rollupTable are this
// package's own tables.
type Aggregator struct {
	client        *dynamodb.Client
	sessionsTable string
	summaryTable  string
	rollupTable   string
	cache         *RateCache
}

// NewAggregator constructs an Aggregator. cache may be nil.
func NewAggregator(client *dynamodb.Client, sessionsTable, summaryTable, rollupTable string, cache *RateCache) *Aggregator {
	return &Aggregator{client: client, sessionsTable: sessionsTable, summaryTable: summaryTable, rollupTable: rollupTable, cache: cache}
}

// RecordMessage implements streaming.CostRecorder: spec §4.5 steps 1-7, all
// via atomic ADD / conditional PUT so concurrent turns for the same user
// never lose an update.
func (a *Aggregator) RecordMessage(ctx context.Context, rec streaming.CostRecord) error {
	ts := rec.Timestamp.UTC()
	period := ts.Format("2006-01")
	date := ts.Format("2006-01-02")
	savings := CacheSavings(rec.Usage, rec.Pricing)
	modelSafe := SanitizeModelID(rec.ModelID)

	if err := a.updateUserSummary(ctx, rec, period, savings, modelSafe); err != nil {
		return fmt.Errorf("costs: update user summary: %w", err)
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, rec.UserID, period); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("cost_rate_cache_invalidate_failed")
		}
	}

	firstToday, err := a.claimActiveMarker(ctx, fmt.Sprintf("ACTIVE#DAILY#%s#%s", date, rec.UserID))
	if err != nil {
		return fmt.Errorf("costs: daily active marker: %w", err)
	}
	if err := a.updateDailyRollup(ctx, date, rec.Cost, firstToday); err != nil {
		return fmt.Errorf("costs: update daily rollup: %w", err)
	}

	firstThisMonth, err := a.claimActiveMarker(ctx, fmt.Sprintf("ACTIVE#MONTHLY#%s#%s", period, rec.UserID))
	if err != nil {
		return fmt.Errorf("costs: monthly active marker: %w", err)
	}
	if err := a.updateMonthlyRollup(ctx, period, rec.Cost, firstThisMonth); err != nil {
		return fmt.Errorf("costs: update monthly rollup: %w", err)
	}

	firstForModel, err := a.claimActiveMarker(ctx, fmt.Sprintf("ACTIVE#MODEL#%s#%s#%s", period, modelSafe, rec.UserID))
	if err != nil {
		return fmt.Errorf("costs: model active marker: %w", err)
	}
	if err := a.updateModelRollup(ctx, period, modelSafe, rec.Cost, firstForModel); err != nil {
		return fmt.Errorf("costs: update model rollup: %w", err)
	}

	return nil
}

// claimActiveMarker does a conditional put of attribute_not_exists(PK);
// success means this is the first time this scope has seen this user in
// the window, per spec §4.5 "Active-user markers".
func (a *Aggregator) claimActiveMarker(ctx context.Context, pk string) (bool, error) {
	item, err := attributevalue.MarshalMap(struct {
		PK  string `dynamodbav:"PK"`
		SK  string `dynamodbav:"SK"`
		TTL int64  `dynamodbav:"ttl"`
	}{PK: pk, SK: "MARKER", TTL: time.Now().Add(400 * 24 * time.Hour).Unix()})
	if err != nil {
		return false, err
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(a.rollupTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return true, nil
	}
	var condFailed *types.ConditionalCheckFailedException
	if errorsAsConditionalCheckFailed(err, &condFailed) {
		return false, nil
	}
	return false, err
}

func errorsAsConditionalCheckFailed(err error, target **types.ConditionalCheckFailedException) bool {
	return errors.As(err, target)
}

// updateUserSummary implements the per-user/per-model write (steps 3-4):
// the per-model nested map update is three steps to avoid DynamoDB
// path-overlap errors on a single UpdateItem call.
func (a *Aggregator) updateUserSummary(ctx context.Context, rec streaming.CostRecord, period string, savings float64, modelSafe string) error {
	pk := fmt.Sprintf("USER#%s", rec.UserID)
	sk := fmt.Sprintf("PERIOD#%s", period)

	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression: aws.String(
			"ADD total_cost :cost, total_requests :one, input_tokens :it, output_tokens :ot, " +
				"cache_read_tokens :crt, cache_write_tokens :cwt, cache_savings :savings " +
				"SET GSI2PK = :gsi2pk",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cost":    numAV(rec.Cost),
			":one":     numAV(1),
			":it":      numAV(float64(rec.Usage.InputTokens)),
			":ot":      numAV(float64(rec.Usage.OutputTokens)),
			":crt":     numAV(float64(rec.Usage.CacheReadTokens)),
			":cwt":     numAV(float64(rec.Usage.CacheWriteTokens)),
			":savings": numAV(savings),
			":gsi2pk":  &types.AttributeValueMemberS{Value: fmt.Sprintf("PERIOD#%s", period)},
		},
	})
	if err != nil {
		return err
	}

	// Ensure the per-model map and this model's entry exist before the
	// atomic ADD, per spec §4.5 step 4 (a)/(b).
	_, err = a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression: aws.String("SET by_model = if_not_exists(by_model, :emptyMap)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":emptyMap": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
		},
	})
	if err != nil {
		return err
	}
	zero, err := attributevalue.MarshalMap(ModelBreakdown{})
	if err != nil {
		return err
	}
	modelPath := fmt.Sprintf("by_model.%s", modelSafe)
	_, err = a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression: aws.String(fmt.Sprintf("SET %s = if_not_exists(%s, :zero)", modelPath, modelPath)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberM{Value: zero},
		},
	})
	if err != nil {
		return err
	}
	_, err = a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression: aws.String(fmt.Sprintf(
			"ADD %s.cost :cost, %s.requests :one, %s.input_tokens :it, %s.output_tokens :ot",
			modelPath, modelPath, modelPath, modelPath,
		)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cost": numAV(rec.Cost),
			":one":  numAV(1),
			":it":   numAV(float64(rec.Usage.InputTokens)),
			":ot":   numAV(float64(rec.Usage.OutputTokens)),
		},
	})
	if err != nil {
		return err
	}

	// Second pass: GSI2SK needs the new total, which the first ADD just
	// computed server-side; it is read back with a GetItem projected to
	// total_cost alone.
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(a.summaryTable),
		Key:                  map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pk}, "SK": &types.AttributeValueMemberS{Value: sk}},
		ProjectionExpression: aws.String("total_cost"),
	})
	if err != nil {
		return err
	}
	var totalCost float64
	if v, ok := out.Item["total_cost"]; ok {
		_ = attributevalue.Unmarshal(v, &totalCost)
	}
	_, err = a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.summaryTable),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pk}, "SK": &types.AttributeValueMemberS{Value: sk}},
		UpdateExpression: aws.String("SET GSI2SK = :gsi2sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":gsi2sk": &types.AttributeValueMemberS{Value: fmt.Sprintf("COST#%015d", CostCents(totalCost))},
		},
	})
	return err
}

func (a *Aggregator) updateDailyRollup(ctx context.Context, date string, cost float64, firstToday bool) error {
	expr := "ADD total_cost :cost, total_requests :one"
	values := map[string]types.AttributeValue{":cost": numAV(cost), ":one": numAV(1)}
	if firstToday {
		expr += ", active_users :one"
	}
	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.rollupTable),
		Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "ROLLUP#DAILY"}, "SK": &types.AttributeValueMemberS{Value: date}},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	return err
}

func (a *Aggregator) updateMonthlyRollup(ctx context.Context, period string, cost float64, firstThisMonth bool) error {
	expr := "ADD total_cost :cost, total_requests :one"
	values := map[string]types.AttributeValue{":cost": numAV(cost), ":one": numAV(1)}
	if firstThisMonth {
		expr += ", active_users :one"
	}
	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.rollupTable),
		Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "ROLLUP#MONTHLY"}, "SK": &types.AttributeValueMemberS{Value: period}},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	return err
}

func (a *Aggregator) updateModelRollup(ctx context.Context, period, modelSafe string, cost float64, firstForModel bool) error {
	expr := "ADD total_cost :cost, requests :one"
	values := map[string]types.AttributeValue{":cost": numAV(cost), ":one": numAV(1)}
	if firstForModel {
		expr += ", unique_users :one"
	}
	_, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.rollupTable),
		Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "ROLLUP#MODEL"}, "SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("%s#%s", period, modelSafe)}},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	return err
}

// UserCostSummary is the fast read path, target latency <10ms: a rate-cache
// hit or a single GetItem against the pre-aggregated record.
func (a *Aggregator) UserCostSummary(ctx context.Context, userID, period string) (UserSummary, error) {
	if a.cache != nil {
		if s, ok, err := a.cache.Get(ctx, userID, period); err == nil && ok {
			return s, nil
		}
	}
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.summaryTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", userID)},
			"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("PERIOD#%s", period)},
		},
	})
	if err != nil {
		return UserSummary{}, fmt.Errorf("costs: get user summary: %w", err)
	}
	if out.Item == nil {
		return UserSummary{UserID: userID, Period: period, ByModel: map[string]float64{}}, nil
	}
	summary, err := decodeUserSummary(out.Item, userID, period)
	if err != nil {
		return UserSummary{}, fmt.Errorf("costs: decode user summary: %w", err)
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, summary); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("cost_rate_cache_put_failed")
		}
	}
	return summary, nil
}

func decodeUserSummary(item map[string]types.AttributeValue, userID, period string) (UserSummary, error) {
	var raw struct {
		TotalCost        float64                    `dynamodbav:"total_cost"`
		TotalRequests    int64                      `dynamodbav:"total_requests"`
		InputTokens      int64                      `dynamodbav:"input_tokens"`
		OutputTokens     int64                      `dynamodbav:"output_tokens"`
		CacheReadTokens  int64                      `dynamodbav:"cache_read_tokens"`
		CacheWriteTokens int64                      `dynamodbav:"cache_write_tokens"`
		CacheSavings     float64                    `dynamodbav:"cache_savings"`
		ByModel          map[string]ModelBreakdown  `dynamodbav:"by_model"`
	}
	if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
		return UserSummary{}, err
	}
	byModel := make(map[string]float64, len(raw.ByModel))
	for k, v := range raw.ByModel {
		byModel[k] = v.Cost
	}
	return UserSummary{
		UserID: userID, Period: period,
		TotalCost: raw.TotalCost, TotalRequests: raw.TotalRequests,
		InputTokens: raw.InputTokens, OutputTokens: raw.OutputTokens,
		CacheReadTokens: raw.CacheReadTokens, CacheWriteTokens: raw.CacheWriteTokens,
		CacheSavings: raw.CacheSavings, ByModel: byModel,
	}, nil
}

// TopUsersByCost queries PeriodCostIndex for the highest-spending users in
// a period, per original_source/.../dynamodb_storage.py::get_top_users_by_cost.
func (a *Aggregator) TopUsersByCost(ctx context.Context, period string, limit int, minCost float64) ([]UserSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.summaryTable),
		IndexName:              aws.String(periodCostIndex),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("PERIOD#%s", period)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit) * 2), // over-fetch to allow minCost filtering
	})
	if err != nil {
		return nil, fmt.Errorf("costs: top users by cost: %w", err)
	}
	var results []UserSummary
	for _, item := range out.Items {
		var pk string
		if v, ok := item["PK"]; ok {
			_ = attributevalue.Unmarshal(v, &pk)
		}
		userID := pk
		const prefix = "USER#"
		if len(userID) > len(prefix) {
			userID = userID[len(prefix):]
		}
		s, err := decodeUserSummary(item, userID, period)
		if err != nil {
			continue
		}
		if s.TotalCost < minCost {
			continue
		}
		results = append(results, s)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// DailyTrends reads the daily rollup rows in [startDate, endDate], both
// formatted YYYY-MM-DD.
func (a *Aggregator) DailyTrends(ctx context.Context, startDate, endDate string) ([]DailyRollup, error) {
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.rollupTable),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: "ROLLUP#DAILY"},
			":start": &types.AttributeValueMemberS{Value: startDate},
			":end":   &types.AttributeValueMemberS{Value: endDate},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("costs: daily trends: %w", err)
	}
	var trends []DailyRollup
	for _, item := range out.Items {
		var raw struct {
			SK            string  `dynamodbav:"SK"`
			TotalCost     float64 `dynamodbav:"total_cost"`
			TotalRequests int64   `dynamodbav:"total_requests"`
			ActiveUsers   int64   `dynamodbav:"active_users"`
		}
		if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
			continue
		}
		trends = append(trends, DailyRollup{Date: raw.SK, TotalCost: raw.TotalCost, TotalRequests: raw.TotalRequests, ActiveUsers: raw.ActiveUsers})
	}
	return trends, nil
}

// ModelUsage reads every per-model rollup row for a period.
func (a *Aggregator) ModelUsage(ctx context.Context, period string) ([]ModelRollup, error) {
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.rollupTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: "ROLLUP#MODEL"},
			":prefix": &types.AttributeValueMemberS{Value: period + "#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("costs: model usage: %w", err)
	}
	var usage []ModelRollup
	for _, item := range out.Items {
		var raw struct {
			SK          string  `dynamodbav:"SK"`
			TotalCost   float64 `dynamodbav:"total_cost"`
			Requests    int64   `dynamodbav:"requests"`
			UniqueUsers int64   `dynamodbav:"unique_users"`
		}
		if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
			continue
		}
		modelID := raw.SK
		if idx := len(period) + 1; idx <= len(raw.SK) {
			modelID = raw.SK[idx:]
		}
		usage = append(usage, ModelRollup{Period: period, ModelID: modelID, TotalCost: raw.TotalCost, Requests: raw.Requests, UniqueUsers: raw.UniqueUsers})
	}
	return usage, nil
}

// DetailedReport rebuilds a message-by-message breakdown from
// UserTimestampIndex on the sessions table, capped at 90 days per spec
// §4.5 / original_source supplement.
func (a *Aggregator) DetailedReport(ctx context.Context, userID string, start, end time.Time) (DetailedCostReport, error) {
	if end.Sub(start) > 90*24*time.Hour {
		start = end.Add(-90 * 24 * time.Hour)
	}
	out, err := a.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.sessionsTable),
		IndexName:              aws.String("UserTimestampIndex"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: fmt.Sprintf("USER#%s", userID)},
			":start": &types.AttributeValueMemberS{Value: start.UTC().Format(time.RFC3339Nano)},
			":end":   &types.AttributeValueMemberS{Value: end.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return DetailedCostReport{}, fmt.Errorf("costs: detailed report: %w", err)
	}
	report := DetailedCostReport{UserID: userID, Start: start, End: end}
	for _, item := range out.Items {
		var raw struct {
			SessionID string  `dynamodbav:"SessionID"`
			MessageID string  `dynamodbav:"MessageID"`
			Meta      struct {
				Cost      float64 `dynamodbav:"Cost"`
				ModelInfo struct {
					ModelID string `dynamodbav:"ModelID"`
				} `dynamodbav:"ModelInfo"`
				Attribution struct {
					Timestamp time.Time `dynamodbav:"Timestamp"`
				} `dynamodbav:"Attribution"`
			} `dynamodbav:"Meta"`
		}
		if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
			continue
		}
		report.Entries = append(report.Entries, DetailedCostEntry{
			SessionID: raw.SessionID, MessageID: raw.MessageID,
			ModelID: raw.Meta.ModelInfo.ModelID, Cost: raw.Meta.Cost, Timestamp: raw.Meta.Attribution.Timestamp,
		})
		report.Total += raw.Meta.Cost
	}
	return report, nil
}

func numAV(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", f)}
}
