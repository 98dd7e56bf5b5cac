package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/volumeattach/platform"
)

// S3Client defines the S3 operations used by the record archive.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DynamoDBClient defines the DynamoDB operations used by the state store.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSStateStore implements platform.OperationStore on DynamoDB. Records are
// keyed by volume (pk) and physical resource id (sk); locks live in a
// sibling table. When a bucket is configured every saved record is also
// archived to S3 as JSON.
type AWSStateStore struct {
	s3Client  S3Client
	dbClient  DynamoDBClient
	bucket    string
	table     string
	lockTable string
	now       func() time.Time
}

// NewAWSStateStore creates a state store backed by DynamoDB and, when bucket
// is non-empty, an S3 archive.
func NewAWSStateStore(cfg aws.Config, table, bucket string) *AWSStateStore {
	if table == "" {
		table = "volumeattach-operations"
	}
	store := &AWSStateStore{
		dbClient:  dynamodb.NewFromConfig(cfg),
		bucket:    bucket,
		table:     table,
		lockTable: table + "-locks",
		now:       time.Now,
	}
	if bucket != "" {
		store.s3Client = s3.NewFromConfig(cfg)
	}
	return store
}

func (s *AWSStateStore) s3Key(rec *platform.OperationRecord) string {
	return fmt.Sprintf("operations/%s/%s.json", rec.VolumeID, rec.InstanceID)
}

func (s *AWSStateStore) SaveOperation(ctx context.Context, rec *platform.OperationRecord) error {
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		if prev, err := s.GetOperation(ctx, rec.PhysicalResourceID); err == nil {
			rec.CreatedAt = prev.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("aws state: marshal operation: %w", err)
	}

	_, err = s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]dbtypes.AttributeValue{
			"pk":        &dbtypes.AttributeValueMemberS{Value: rec.VolumeID},
			"sk":        &dbtypes.AttributeValueMemberS{Value: rec.PhysicalResourceID},
			"status":    &dbtypes.AttributeValueMemberS{Value: string(rec.Status)},
			"updatedAt": &dbtypes.AttributeValueMemberS{Value: rec.UpdatedAt.Format(time.RFC3339Nano)},
			"data":      &dbtypes.AttributeValueMemberS{Value: string(data)},
		},
	})
	if err != nil {
		return fmt.Errorf("aws state: put dynamodb item: %w", err)
	}

	if s.s3Client != nil {
		_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.s3Key(rec)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("aws state: put s3 object: %w", err)
		}
	}
	return nil
}

func (s *AWSStateStore) GetOperation(ctx context.Context, physicalID string) (*platform.OperationRecord, error) {
	volumeID, ok := volumeFromPhysicalID(physicalID)
	if !ok {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: ProviderName}
	}

	result, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"pk": &dbtypes.AttributeValueMemberS{Value: volumeID},
			"sk": &dbtypes.AttributeValueMemberS{Value: physicalID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("aws state: get dynamodb item: %w", err)
	}
	if result.Item == nil {
		return nil, &platform.ResourceNotFoundError{Name: physicalID, Provider: ProviderName}
	}
	return decodeOperation(result.Item)
}

func (s *AWSStateStore) ListOperations(ctx context.Context, volumeID string) ([]*platform.OperationRecord, error) {
	paginator := dynamodb.NewQueryPaginator(s.dbClient, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":pk": &dbtypes.AttributeValueMemberS{Value: volumeID},
		},
	})

	var records []*platform.OperationRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws state: query dynamodb: %w", err)
		}
		for _, item := range page.Items {
			rec, err := decodeOperation(item)
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.After(records[j].UpdatedAt) })
	return records, nil
}

// Lock writes the lock item unless a live one exists. An expired item is
// overwritten.
func (s *AWSStateStore) Lock(ctx context.Context, key string, ttl time.Duration) (platform.LockHandle, error) {
	lockID := uuid.New().String()
	now := s.now()

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.lockTable),
		Item: map[string]dbtypes.AttributeValue{
			"pk":        &dbtypes.AttributeValueMemberS{Value: key},
			"lockId":    &dbtypes.AttributeValueMemberS{Value: lockID},
			"expiresAt": epochMillis(now.Add(ttl)),
		},
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expiresAt < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": epochMillis(now),
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, &platform.LockConflictError{Key: key}
		}
		return nil, fmt.Errorf("aws state: lock %s: %w", key, err)
	}

	return &dynamoDBLock{
		client: s.dbClient,
		table:  s.lockTable,
		key:    key,
		lockID: lockID,
		now:    s.now,
	}, nil
}

var _ platform.OperationStore = (*AWSStateStore)(nil)

// dynamoDBLock implements platform.LockHandle using DynamoDB conditional writes.
type dynamoDBLock struct {
	client   DynamoDBClient
	table    string
	key      string
	lockID   string
	now      func() time.Time
	mu       sync.Mutex
	released bool
}

func (l *dynamoDBLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}

	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"pk": &dbtypes.AttributeValueMemberS{Value: l.key},
		},
		ConditionExpression: aws.String("lockId = :lid"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":lid": &dbtypes.AttributeValueMemberS{Value: l.lockID},
		},
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("aws state: unlock: %w", err)
	}
	l.released = true
	return nil
}

func (l *dynamoDBLock) Refresh(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return platform.ErrLockReleased
	}

	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"pk": &dbtypes.AttributeValueMemberS{Value: l.key},
		},
		UpdateExpression:    aws.String("SET expiresAt = :exp"),
		ConditionExpression: aws.String("lockId = :lid"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":exp": epochMillis(l.now().Add(ttl)),
			":lid": &dbtypes.AttributeValueMemberS{Value: l.lockID},
		},
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.released = true
			return platform.ErrLockReleased
		}
		return fmt.Errorf("aws state: refresh lock: %w", err)
	}
	return nil
}

var _ platform.LockHandle = (*dynamoDBLock)(nil)

func decodeOperation(item map[string]dbtypes.AttributeValue) (*platform.OperationRecord, error) {
	dataAttr, ok := item["data"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("aws state: invalid data attribute type")
	}
	var rec platform.OperationRecord
	if err := json.Unmarshal([]byte(dataAttr.Value), &rec); err != nil {
		return nil, fmt.Errorf("aws state: unmarshal operation: %w", err)
	}
	return &rec, nil
}

// volumeFromPhysicalID extracts the volume id from "<instance>/<volume>".
func volumeFromPhysicalID(physicalID string) (string, bool) {
	i := strings.LastIndex(physicalID, "/")
	if i < 0 || i == len(physicalID)-1 {
		return "", false
	}
	return physicalID[i+1:], true
}

func epochMillis(t time.Time) *dbtypes.AttributeValueMemberN {
	return &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}
