package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"neurax/internal/domain"
)

const (
	pkSessions      = "SESSIONS"
	skPrefixSession = "SESSION#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client is a session store backed by a single DynamoDB table. All sessions
// share one partition so they can be listed with a Query.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// sessionSK returns the sort key for a session.
func sessionSK(id string) string {
	return skPrefixSession + id
}

func sessionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkSessions},
		"SK": &types.AttributeValueMemberS{Value: sessionSK(id)},
	}
}

func (c *Client) getItem(ctx context.Context, id string, projection string) (map[string]types.AttributeValue, error) {
	in := &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(id),
		ConsistentRead: aws.Bool(true),
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}
	out, err := c.api.GetItem(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// Get returns the stored history for a session.
func (c *Client) Get(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	item, err := c.getItem(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("repository: Get get item: %w", err)
	}
	if item == nil {
		return nil, ErrSessionNotFound
	}
	s, err := itemToSession(item)
	if err != nil {
		return nil, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return s.History, nil
}

// Put replaces the history of a session, creating it if needed. The creation
// timestamp is only written once so listing order survives overwrites.
func (c *Client) Put(ctx context.Context, id string, history []domain.ChatMessage) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("repository: Put: session id is required")
	}
	now := c.now().UTC()
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              sessionKey(id),
		UpdateExpression: aws.String("SET sessionId = :id, messages = :messages, updatedAt = :updated, createdAt = if_not_exists(createdAt, :created)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":       &types.AttributeValueMemberS{Value: id},
			":messages": messagesAttr(history),
			":updated":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":created":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Exists reports whether a session is stored.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	item, err := c.getItem(ctx, id, "PK")
	if err != nil {
		return false, fmt.Errorf("repository: Exists get item: %w", err)
	}
	return item != nil, nil
}

// List returns all session ids ordered by creation time.
func (c *Client) List(ctx context.Context) ([]string, error) {
	type entry struct {
		id      string
		created int
	}
	var (
		entries  []entry
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkSessions},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixSession},
			},
			ProjectionExpression: aws.String("sessionId, createdAt"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: List query: %w", err)
		}
		for _, item := range out.Items {
			id, err := strAttr(item, "sessionId")
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			created, err := intAttr(item, "createdAt")
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			entries = append(entries, entry{id: id, created: created})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	slices.SortStableFunc(entries, func(a, b entry) int { return cmp.Compare(a.created, b.created) })

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids, nil
}

// Rename moves a session to a new key in one transaction. The new item gets
// a fresh creation timestamp so it lists last.
func (c *Client) Rename(ctx context.Context, oldID, newID string) error {
	item, err := c.getItem(ctx, oldID, "")
	if err != nil {
		return fmt.Errorf("repository: Rename get item: %w", err)
	}
	if item == nil {
		return ErrSessionNotFound
	}
	if oldID == newID {
		return nil
	}

	moved := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		moved[k] = v
	}
	moved["SK"] = &types.AttributeValueMemberS{Value: sessionSK(newID)}
	moved["sessionId"] = &types.AttributeValueMemberS{Value: newID}
	delete(moved, "ttl")
	now := c.now().UTC()
	moved["createdAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)}
	moved["updatedAt"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                moved,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 sessionKey(oldID),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			reasons := canceled.CancellationReasons
			if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
				return ErrSessionExists
			}
			if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
				return ErrSessionNotFound
			}
		}
		return fmt.Errorf("repository: Rename: %w", err)
	}
	return nil
}

// Delete removes a session.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 sessionKey(id),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// itemToSession converts a DynamoDB attribute map to a Session.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	raw, ok := item["messages"]
	if !ok {
		return domain.Session{ID: id, History: []domain.ChatMessage{}}, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return domain.Session{}, errors.New(`repository: attribute "messages" is not a list`)
	}
	history := make([]domain.ChatMessage, 0, len(list.Value))
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Session{}, fmt.Errorf("repository: message %d is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: message %d: %w", i, err)
		}
		content, _ := strAttr(m.Value, "content") // allow empty
		history = append(history, domain.ChatMessage{Role: role, Content: content})
	}
	return domain.Session{ID: id, History: history}, nil
}

func messagesAttr(history []domain.ChatMessage) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(history))
	for _, m := range history {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
