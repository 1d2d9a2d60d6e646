package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"manifold/internal/observability"
)

// Single-table layout (table: sessionsMetadataTable):
//
//	Session record:  PK=USER#{uid}        SK=S#ACTIVE#{last_message_at}#{session_id} (or S#DELETED#...)
//	                 GSI_PK=SESSION#{id}  GSI_SK=META              (SessionLookupIndex)
//	Message record:  PK=SESSION#{id}      SK=MSG#{sequence:010d}
//	Cost record:     PK=USER#{uid}        SK=C#{timestamp}#{uuid}
//	                 GSI_PK=SESSION#{id}  GSI_SK=C#{timestamp}     (SessionLookupIndex)
//	                 GSI1PK=USER#{uid}    GSI1SK={timestamp}       (UserTimestampIndex)
//
// Active-user markers and the per-user/system rollups live in the cost
// aggregator's own table (internal/costs/aggregator.go), addressed by
// DYNAMODB_COST_SUMMARY_TABLE_NAME / DYNAMODB_SYSTEM_ROLLUP_TABLE_NAME.
const (
	sessionLookupIndex = "SessionLookupIndex"
	userTimestampIndex = "UserTimestampIndex"
)

// DynamoStore is the cloud key-value backend described in spec §4.1 Cloud
// mode: atomic, GSI-backed, retains cost records past session deletion.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore constructs a DynamoStore bound to the given table, reusing
// an aws-sdk-go-v2 client the caller has already configured (region,
// credentials) — mirrors how internal/providers/bedrock builds its client.
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

type dynamoSessionItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSIPK  string `dynamodbav:"GSI_PK"`
	GSISK  string `dynamodbav:"GSI_SK"`
	Meta   SessionMeta
}

func sessionPK(userID string) string { return fmt.Sprintf("USER#%s", userID) }

func sessionSK(status SessionStatus, lastMessageAt time.Time, sessionID string) string {
	prefix := "S#ACTIVE#"
	if status == StatusDeleted {
		prefix = "S#DELETED#"
	}
	return fmt.Sprintf("%s%s#%s", prefix, lastMessageAt.UTC().Format(time.RFC3339Nano), sessionID)
}

func (d *DynamoStore) Open(ctx context.Context, sessionID, userID string) (Session, error) {
	meta, err := d.lookupSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: open %s: %w", sessionID, err)
	}
	if meta == nil {
		now := time.Now().UTC()
		m := SessionMeta{
			SessionID:     sessionID,
			UserID:        userID,
			Status:        StatusActive,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if err := d.putSession(ctx, m); err != nil {
			return nil, fmt.Errorf("dynamostore: create session %s: %w", sessionID, err)
		}
		meta = &m
	}

	return &dynamoSession{
		store:        d,
		sessionID:    sessionID,
		userID:       userID,
		initialCount: meta.MessageCount,
	}, nil
}

// lookupSession queries SessionLookupIndex for O(1) lookup by id, as
// required by the eager-open invariant.
func (d *DynamoStore) lookupSession(ctx context.Context, sessionID string) (*SessionMeta, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(sessionLookupIndex),
		KeyConditionExpression: aws.String("GSI_PK = :pk AND GSI_SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("SESSION#%s", sessionID)},
			":sk": &types.AttributeValueMemberS{Value: "META"},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var item dynamoSessionItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, err
	}
	return &item.Meta, nil
}

func (d *DynamoStore) putSession(ctx context.Context, meta SessionMeta) error {
	item := dynamoSessionItem{
		PK:    sessionPK(meta.UserID),
		SK:    sessionSK(meta.Status, meta.LastMessageAt, meta.SessionID),
		GSIPK: fmt.Sprintf("SESSION#%s", meta.SessionID),
		GSISK: "META",
		Meta:  meta,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	return err
}

// replaceSession performs the delete+put transaction spec §4.1 calls for
// when last_message_at changes (the sort key is derived from it).
func (d *DynamoStore) replaceSession(ctx context.Context, oldMeta, newMeta SessionMeta) error {
	oldKey, err := attributevalue.MarshalMap(struct {
		PK string `dynamodbav:"PK"`
		SK string `dynamodbav:"SK"`
	}{sessionPK(oldMeta.UserID), sessionSK(oldMeta.Status, oldMeta.LastMessageAt, oldMeta.SessionID)})
	if err != nil {
		return err
	}
	newItem := dynamoSessionItem{
		PK:    sessionPK(newMeta.UserID),
		SK:    sessionSK(newMeta.Status, newMeta.LastMessageAt, newMeta.SessionID),
		GSIPK: fmt.Sprintf("SESSION#%s", newMeta.SessionID),
		GSISK: "META",
		Meta:  newMeta,
	}
	newAV, err := attributevalue.MarshalMap(newItem)
	if err != nil {
		return err
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{TableName: aws.String(d.table), Key: oldKey}},
			{Put: &types.Put{TableName: aws.String(d.table), Item: newAV}},
		},
	})
	return err
}

func (d *DynamoStore) GetSessionMeta(ctx context.Context, sessionID string) (SessionMeta, error) {
	meta, err := d.lookupSession(ctx, sessionID)
	if err != nil {
		return SessionMeta{}, fmt.Errorf("dynamostore: get session %s: %w", sessionID, err)
	}
	if meta == nil {
		return SessionMeta{}, fmt.Errorf("dynamostore: session %s not found", sessionID)
	}
	return *meta, nil
}

func (d *DynamoStore) UpdateSessionMeta(ctx context.Context, sessionID string, mutate func(*SessionMeta)) error {
	meta, err := d.lookupSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dynamostore: update session %s: %w", sessionID, err)
	}
	if meta == nil {
		now := time.Now().UTC()
		created := SessionMeta{SessionID: sessionID, Status: StatusActive, CreatedAt: now, LastMessageAt: now}
		mutate(&created)
		return d.putSession(ctx, created)
	}
	before := *meta
	mutate(meta)

	if !before.LastMessageAt.Equal(meta.LastMessageAt) || before.Status != meta.Status {
		return d.replaceSession(ctx, before, *meta)
	}
	return d.putSession(ctx, *meta)
}

// UpdateAfterTurn hands Stage-2 compaction the token counts it needs; this
// backend stores compaction state embedded in the session record, so it is
// equivalent to a metadata mutation.
func (d *DynamoStore) UpdateAfterTurn(ctx context.Context, sessionID string, in UpdateAfterTurnInput) error {
	return d.UpdateSessionMeta(ctx, sessionID, func(m *SessionMeta) {
		m.Compaction.LastInputTokens = in.InputTokens + in.CacheReadTokens + in.CacheWriteTokens
	})
}

type dynamoMessageItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Msg Message
}

func messagesPK(sessionID string) string { return fmt.Sprintf("SESSION#%s", sessionID) }
func messageSK(sequence int) string      { return fmt.Sprintf("MSG#%010d", sequence) }

func (d *DynamoStore) putMessage(ctx context.Context, sessionID string, msg Message) error {
	item := dynamoMessageItem{PK: messagesPK(sessionID), SK: messageSK(msg.Sequence), Msg: msg}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: av})
	return err
}

func (d *DynamoStore) ListMessages(ctx context.Context, sessionID string, limit int, cursor string) (ListMessagesResult, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: messagesPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: "MSG#"},
		},
	}
	if cursor != "" {
		if n, err := decodeCursor(cursor); err == nil {
			input.ExclusiveStartKey = map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: messagesPK(sessionID)},
				"SK": &types.AttributeValueMemberS{Value: messageSK(n)},
			}
		}
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	out, err := d.client.Query(ctx, input)
	if err != nil {
		return ListMessagesResult{}, fmt.Errorf("dynamostore: list messages %s: %w", sessionID, err)
	}

	res := ListMessagesResult{}
	for _, it := range out.Items {
		var item dynamoMessageItem
		if err := attributevalue.UnmarshalMap(it, &item); err != nil {
			continue
		}
		res.Messages = append(res.Messages, item.Msg)
	}
	if out.LastEvaluatedKey != nil && len(res.Messages) > 0 {
		res.NextCursor = encodeCursor(res.Messages[len(res.Messages)-1].Sequence + 1)
	}
	return res, nil
}

type dynamoCostRecordItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSIPK  string `dynamodbav:"GSI_PK"`
	GSISK  string `dynamodbav:"GSI_SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	TTL    int64  `dynamodbav:"ttl"`

	SessionID string
	MessageID string
	Meta      MessageMetadata
}

// PutMessageMetadata writes a cost record keyed by the owning user, indexed
// for per-session lookup (SessionLookupIndex) and per-user date-range
// queries (UserTimestampIndex). Cost records outlive session deletion, so
// they carry a 365-day TTL instead of following the session's lifecycle.
func (d *DynamoStore) PutMessageMetadata(ctx context.Context, sessionID, messageID string, meta MessageMetadata) error {
	ts := meta.Attribution.Timestamp.UTC()
	item := dynamoCostRecordItem{
		PK:        sessionPK(meta.Attribution.UserID),
		SK:        fmt.Sprintf("C#%s#%s", ts.Format(time.RFC3339Nano), uuid.NewString()),
		GSIPK:     fmt.Sprintf("SESSION#%s", sessionID),
		GSISK:     fmt.Sprintf("C#%s", ts.Format(time.RFC3339Nano)),
		GSI1PK:    sessionPK(meta.Attribution.UserID),
		GSI1SK:    ts.Format(time.RFC3339Nano),
		TTL:       ts.Add(365 * 24 * time.Hour).Unix(),
		SessionID: sessionID,
		MessageID: messageID,
		Meta:      meta,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("dynamostore: marshal cost record: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(d.table), Item: av}); err != nil {
		return fmt.Errorf("dynamostore: put cost record: %w", err)
	}
	return nil
}

// SessionCostSummary rebuilds a session's running totals from its cost
// records via SessionLookupIndex. This is the cloud-mode equivalent of the
// local backend's cost-summary.json; it is O(messages in session), which is
// acceptable at session scope (bounded by a single conversation).
func (d *DynamoStore) SessionCostSummary(ctx context.Context, sessionID string) (SessionCostSummary, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(sessionLookupIndex),
		KeyConditionExpression: aws.String("GSI_PK = :pk AND begins_with(GSI_SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: fmt.Sprintf("SESSION#%s", sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: "C#"},
		},
	})
	if err != nil {
		return SessionCostSummary{}, fmt.Errorf("dynamostore: session cost summary %s: %w", sessionID, err)
	}

	var total SessionCostSummary
	for _, it := range out.Items {
		var item dynamoCostRecordItem
		if err := attributevalue.UnmarshalMap(it, &item); err != nil {
			continue
		}
		total.TotalCost += item.Meta.Cost
		total.TotalRequests++
		total.InputTokens += item.Meta.TokenUsage.Input
		total.OutputTokens += item.Meta.TokenUsage.Output
	}
	return total, nil
}

// dynamoSession is the cloud-mode Session handle. Unlike the local backend,
// DynamoDB writes are not buffered: append persists immediately, since the
// cloud backend's whole point is durability without a batch window. Flush
// is therefore a no-op that reports the last assistant sequence observed.
type dynamoSession struct {
	store        *DynamoStore
	sessionID    string
	userID       string
	initialCount int

	mu        sync.Mutex
	cancelled bool
	persisted int
	lastSeq   *int
}

func (s *dynamoSession) SessionID() string        { return s.sessionID }
func (s *dynamoSession) InitialMessageCount() int { return s.initialCount }

func (s *dynamoSession) Append(ctx context.Context, msg Message) error {
	if s.Cancelled() {
		return nil
	}
	s.mu.Lock()
	msg.Sequence = s.initialCount + s.persisted
	s.mu.Unlock()

	if err := s.store.putMessage(ctx, s.sessionID, msg); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("session_id", s.sessionID).Int("sequence", msg.Sequence).Msg("sessions_append_failed")
		return nil
	}
	s.mu.Lock()
	s.persisted++
	if msg.Role == RoleAssistant {
		seq := msg.Sequence
		s.lastSeq = &seq
	}
	s.mu.Unlock()
	return nil
}

// Flush is a no-op in cloud mode: messages are already durable by the time
// Append returns. It reports the last assistant sequence appended through
// this handle, or nil if none has been.
func (s *dynamoSession) Flush(ctx context.Context) (*int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, nil
}

func (s *dynamoSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *dynamoSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
