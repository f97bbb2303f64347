// Package repository keeps an offline copy of lesson transcripts in DynamoDB
// so a lesson can be resumed when the backend history is unreachable.
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

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
	batchSize     = 25
	maxBatchTries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by HistoryCache.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// HistoryCache stores one transcript per lesson: a META# item holding the
// current step and one MSG#<position> item per message.
type HistoryCache struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func New(api dynamodbAPI, tableName string) (*HistoryCache, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &HistoryCache{api: api, tableName: tableName, now: time.Now}, nil
}

// lessonPK returns the DynamoDB partition key for a lesson transcript.
func lessonPK(key domain.LessonKey) string {
	return fmt.Sprintf("LESSON#%d#%d#%s", key.Day, key.Lesson, key.Lang)
}

// msgSK keeps messages in history order under a lexicographic sort.
func msgSK(position int) string {
	return fmt.Sprintf("%s%06d", skPrefixMsg, position)
}

func (c *HistoryCache) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// Save writes the transcript and the current step. Messages are written by
// position, so saving a longer history of the same lesson overwrites in
// place.
func (c *HistoryCache) Save(ctx context.Context, key domain.LessonKey, messages []domain.Message, step domain.Step) error {
	pk := lessonPK(key)
	ttl := c.ttlValue()

	requests := make([]types.WriteRequest, 0, len(messages))
	for i, msg := range messages {
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: messageItem(pk, i, msg, ttl)},
		})
	}
	if err := c.batchWrite(ctx, requests); err != nil {
		return fmt.Errorf("repository: Save messages: %w", err)
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      metaItem(pk, len(messages), step, c.now().UTC(), ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: Save meta: %w", err)
	}
	return nil
}

// Load returns the cached transcript in history order. A lesson that was
// never saved yields no messages and a zero step.
func (c *HistoryCache) Load(ctx context.Context, key domain.LessonKey) ([]domain.Message, domain.Step, error) {
	pk := lessonPK(key)

	meta, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("repository: Load meta: %w", err)
	}
	if meta == nil || len(meta.Item) == 0 {
		return nil, nil, nil
	}
	count, err := intAttr(meta.Item, "count")
	if err != nil {
		return nil, nil, fmt.Errorf("repository: Load decode meta: %w", err)
	}
	step := stepAttr(meta.Item, "step")

	items, err := c.queryMessages(ctx, pk)
	if err != nil {
		return nil, nil, fmt.Errorf("repository: Load messages: %w", err)
	}

	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: Load unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Entries past count belong to an older, longer transcript.
	if len(msgs) > count {
		msgs = msgs[:count]
	}
	return msgs, step, nil
}

// Clear removes the transcript of a lesson.
func (c *HistoryCache) Clear(ctx context.Context, key domain.LessonKey) error {
	pk := lessonPK(key)
	items, err := c.queryMessages(ctx, pk)
	if err != nil {
		return fmt.Errorf("repository: Clear query: %w", err)
	}

	requests := make([]types.WriteRequest, 0, len(items)+1)
	requests = append(requests, deleteRequest(pk, skMeta))
	for _, item := range items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return fmt.Errorf("repository: Clear: %w", err)
		}
		requests = append(requests, deleteRequest(pk, sk))
	}
	if err := c.batchWrite(ctx, requests); err != nil {
		return fmt.Errorf("repository: Clear delete: %w", err)
	}
	return nil
}

func (c *HistoryCache) queryMessages(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *HistoryCache) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += batchSize {
		end := min(start+batchSize, len(requests))
		pending := requests[start:end]
		for try := 0; len(pending) > 0; try++ {
			if try == maxBatchTries {
				return fmt.Errorf("%d writes left unprocessed", len(pending))
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{c.tableName: pending},
			})
			if err != nil {
				return err
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems[c.tableName]
		}
	}
	return nil
}

func deleteRequest(pk, sk string) types.WriteRequest {
	return types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}}}
}

func messageItem(pk string, position int, msg domain.Message, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: pk},
		"SK":    &types.AttributeValueMemberS{Value: msgSK(position)},
		"id":    &types.AttributeValueMemberS{Value: msg.ID},
		"role":  &types.AttributeValueMemberS{Value: string(msg.Role)},
		"text":  &types.AttributeValueMemberS{Value: msg.Text},
		"order": &types.AttributeValueMemberN{Value: strconv.Itoa(msg.Order)},
		"ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if msg.Translation != "" {
		item["translation"] = &types.AttributeValueMemberS{Value: msg.Translation}
	}
	if !msg.StepSnapshot.IsZero() {
		item["snapshot"] = &types.AttributeValueMemberS{Value: string(msg.StepSnapshot)}
	}
	return item
}

func metaItem(pk string, count int, step domain.Step, savedAt time.Time, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: pk},
		"SK":      &types.AttributeValueMemberS{Value: skMeta},
		"count":   &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
		"savedAt": &types.AttributeValueMemberS{Value: savedAt.Format(time.RFC3339)},
		"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if !step.IsZero() {
		item["step"] = &types.AttributeValueMemberS{Value: string(step)}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	order, err := intAttr(item, "order")
	if err != nil {
		return domain.Message{}, err
	}
	id, _ := strAttr(item, "id")                   // allow empty
	translation, _ := strAttr(item, "translation") // allow empty

	return domain.Message{
		ID:           id,
		Role:         domain.Role(role),
		Text:         text,
		Translation:  translation,
		Order:        order,
		StepSnapshot: stepAttr(item, "snapshot"),
	}, nil
}

func stepAttr(item map[string]types.AttributeValue, key string) domain.Step {
	s, err := strAttr(item, key)
	if err != nil || s == "" {
		return nil
	}
	return domain.Step(s)
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
