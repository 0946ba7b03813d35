package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"line-relay/internal/domain"
	"line-relay/internal/retry"
)

const (
	skPrefixMsg   = "MSG#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
	batchWriteMax = 25
	// skTimeLayout is fixed width so lexical SK order matches time order.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client stores per-user conversation turns in a single DynamoDB table.
// Each user is one partition; sort keys order turns by creation time.
type Client struct {
	api         dynamodbAPI
	tableName   string
	now         func() time.Time
	unprocessed retry.Policy
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{
		api:         api,
		tableName:   tableName,
		now:         time.Now,
		unprocessed: retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(100 * time.Millisecond)},
	}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return "USER#" + userID
}

// msgSK returns a unique sort key for a turn created at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(skTimeLayout) + "#" + uuid.NewString()
}

// ttlValue returns a Unix timestamp 30 days after ts.
func ttlValue(ts time.Time) int64 {
	return ts.Add(ttlDuration).Unix()
}

func (c *Client) userKeyCondition(userID string) (*string, map[string]types.AttributeValue) {
	return aws.String("PK = :pk AND begins_with(SK, :prefix)"), map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
	}
}

// liveQuery selects userID's turns that have not reached their TTL. DynamoDB
// removes expired items lazily, so they can still be returned for a while.
func (c *Client) liveQuery(userID string) *dynamodb.QueryInput {
	cond, values := c.userKeyCondition(userID)
	values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)}
	return &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    cond,
		ExpressionAttributeValues: values,
		FilterExpression:          aws.String("#ttl > :now"),
		ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
	}
}

// Window returns the most recent limit live turns for userID, oldest first.
func (c *Client) Window(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return []domain.Turn{}, nil
	}
	in := c.liveQuery(userID)
	// Read newest first so LIMIT favors the most recent context.
	in.ScanIndexForward = aws.Bool(false)
	in.Limit = aws.Int32(int32(limit))

	turns := make([]domain.Turn, 0, limit)
	// Limit bounds items evaluated before the TTL filter, so keep paging
	// until the window is full.
	for len(turns) < limit {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Window query: %w", err)
		}
		for _, item := range out.Items {
			if len(turns) == limit {
				break
			}
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Window unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Append persists one turn.
func (c *Client) Append(ctx context.Context, userID, role, content string) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(NewTurn(userID, role, content, c.now())),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// AppendExchange writes a user turn and the assistant reply in one transaction.
func (c *Client) AppendExchange(ctx context.Context, userID, question, answer string) error {
	ts := c.now()
	userTurn := NewTurn(userID, domain.RoleUser, question, ts)
	assistantTurn := NewTurn(userID, domain.RoleAssistant, answer, ts.Add(time.Nanosecond))

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(userTurn),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(assistantTurn),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendExchange: %w", err)
	}
	return nil
}

// Count returns the number of live turns stored for userID.
func (c *Client) Count(ctx context.Context, userID string) (int, error) {
	in := c.liveQuery(userID)
	in.Select = types.SelectCount
	total := 0
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("repository: Count query: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Reset deletes every turn for userID. Deleting an empty history is a no-op.
func (c *Client) Reset(ctx context.Context, userID string) error {
	keys, err := c.turnKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("repository: Reset: %w", err)
	}
	for start := 0; start < len(keys); start += batchWriteMax {
		end := min(start+batchWriteMax, len(keys))
		if err := c.deleteKeys(ctx, keys[start:end]); err != nil {
			return fmt.Errorf("repository: Reset: %w", err)
		}
	}
	return nil
}

func (c *Client) turnKeys(ctx context.Context, userID string) ([]map[string]types.AttributeValue, error) {
	cond, values := c.userKeyCondition(userID)
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.tableName),
			KeyConditionExpression:    cond,
			ExpressionAttributeValues: values,
			ProjectionExpression:      aws.String("PK, SK"),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (c *Client) deleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) error {
	pending := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		pending = append(pending, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}
	return retry.Do(ctx, c.unprocessed, func(ctx context.Context, _ int) error {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: pending},
		})
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems[c.tableName]
		return fmt.Errorf("batch delete: %d unprocessed items", len(pending))
	})
}

// Exists reports whether the backing table is reachable and active.
func (c *Client) Exists(ctx context.Context) bool {
	out, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil || out == nil || out.Table == nil {
		return false
	}
	return out.Table.TableStatus == types.TableStatusActive
}

// NewTurn constructs a Turn stamped with ts.
func NewTurn(userID, role, content string, ts time.Time) domain.Turn {
	return domain.Turn{
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: ts.UTC(),
	}
}

func turnItem(t domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(t.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(t.CreatedAt)},
		"userId":    &types.AttributeValueMemberS{Value: t.UserID},
		"role":      &types.AttributeValueMemberS{Value: t.Role},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"createdAt": &types.AttributeValueMemberS{Value: t.CreatedAt.Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(t.CreatedAt))},
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	userID, _ := strAttr(item, "userId") // allow empty
	turn := domain.Turn{UserID: userID, Role: role, Content: content}
	if created, err := strAttr(item, "createdAt"); err == nil {
		turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	}
	return turn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
