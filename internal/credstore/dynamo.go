package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Attribute names of the credentials table. The table's partition key is
// scope_id (N) and its sort key is identity (S).
//
// Sweeps query a global secondary index whose partition key is sweep (S)
// and whose sort key is expires_at (N), projecting all attributes. Every
// item carries the same sweep value, so one query walks the whole pool in
// expiry order and stops at the deadline.
const (
	attrSweep        = "sweep"
	attrScopeID      = "scope_id"
	attrIdentity     = "identity"
	attrTenant       = "tenant"
	attrAccessToken  = "access_token"
	attrRefreshToken = "refresh_token"
	attrExpiresAt    = "expires_at"
	attrCreatedAt    = "created_at"
	attrUpdatedAt    = "updated_at"

	sweepPartition = "credential"
)

// DefaultExpiryIndex is the name of the expiry index used when none is
// configured.
const DefaultExpiryIndex = "sweep-expires_at-index"

// dynamoItem is the attribute layout of one credential.
type dynamoItem struct {
	Sweep        string `dynamodbav:"sweep,omitempty"`
	ScopeID      int64  `dynamodbav:"scope_id"`
	Identity     string `dynamodbav:"identity"`
	Tenant       string `dynamodbav:"tenant"`
	AccessToken  string `dynamodbav:"access_token,omitempty"`
	RefreshToken string `dynamodbav:"refresh_token"`
	ExpiresAt    int64  `dynamodbav:"expires_at"`
	CreatedAt    int64  `dynamodbav:"created_at"`
	UpdatedAt    int64  `dynamodbav:"updated_at"`
}

func (it *dynamoItem) toRecord() Record {
	return Record{
		Key:          Key{ScopeID: it.ScopeID, Identity: it.Identity},
		Tenant:       it.Tenant,
		AccessToken:  it.AccessToken,
		RefreshToken: it.RefreshToken,
		ExpiresAt:    time.Unix(it.ExpiresAt, 0).UTC(),
		CreatedAt:    time.Unix(it.CreatedAt, 0).UTC(),
		UpdatedAt:    time.Unix(it.UpdatedAt, 0).UTC(),
	}
}

// DynamoStore keeps credentials in a DynamoDB table, for deployments where
// several hosts share one credential pool.
type DynamoStore struct {
	client      DynamoAPI
	table       string
	expiryIndex string
	logger      *slog.Logger
	nowFunc     func() time.Time
}

// NewDynamoStore returns a store using the given table and expiry index.
// An empty index name selects DefaultExpiryIndex.
func NewDynamoStore(client DynamoAPI, table, expiryIndex string, logger *slog.Logger) *DynamoStore {
	if logger == nil {
		logger = slog.Default()
	}

	if expiryIndex == "" {
		expiryIndex = DefaultExpiryIndex
	}

	return &DynamoStore{
		client:      client,
		table:       table,
		expiryIndex: expiryIndex,
		logger:      logger,
		nowFunc:     time.Now,
	}
}

func itemKey(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrScopeID:  &types.AttributeValueMemberN{Value: strconv.FormatInt(key.ScopeID, 10)},
		attrIdentity: &types.AttributeValueMemberS{Value: key.Identity},
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// Get returns the credential for key.
func (s *DynamoStore) Get(ctx context.Context, key Key) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: getting credential %s from DynamoDB: %w", key, err)
	}

	if out.Item == nil {
		return nil, ErrNotFound
	}

	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("credstore: unmarshaling credential %s: %w", key, err)
	}

	rec := it.toRecord()

	return &rec, nil
}

// Upsert writes rec, keeping created_at of an existing item.
func (s *DynamoStore) Upsert(ctx context.Context, rec *Record) error {
	now := s.nowFunc().Unix()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(rec.Key),
		UpdateExpression: aws.String(
			"SET #sweep = :sweep, #tenant = :tenant, #access = :access, #refresh = :refresh, " +
				"#expires = :expires, #updated = :now, #created = if_not_exists(#created, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#sweep":   attrSweep,
			"#tenant":  attrTenant,
			"#access":  attrAccessToken,
			"#refresh": attrRefreshToken,
			"#expires": attrExpiresAt,
			"#updated": attrUpdatedAt,
			"#created": attrCreatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sweep":   &types.AttributeValueMemberS{Value: sweepPartition},
			":tenant":  &types.AttributeValueMemberS{Value: rec.Tenant},
			":access":  &types.AttributeValueMemberS{Value: rec.AccessToken},
			":refresh": &types.AttributeValueMemberS{Value: rec.RefreshToken},
			":expires": numberValue(rec.ExpiresAt.Unix()),
			":now":     numberValue(now),
		},
	})
	if err != nil {
		return fmt.Errorf("credstore: upserting credential %s in DynamoDB: %w", rec.Key, err)
	}

	s.logger.Debug("credential stored",
		slog.Int64("scope_id", rec.ScopeID),
		slog.String("identity", rec.Identity),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return nil
}

// UpdateTokens overwrites the tokens of an existing item. A conditional
// write keeps a concurrently deleted row from being resurrected.
func (s *DynamoStore) UpdateTokens(
	ctx context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time,
) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(key),
		ConditionExpression: aws.String("attribute_exists(#identity)"),
		UpdateExpression: aws.String(
			"SET #access = :access, #refresh = :refresh, #expires = :expires, #updated = :now"),
		ExpressionAttributeNames: map[string]string{
			"#identity": attrIdentity,
			"#access":   attrAccessToken,
			"#refresh":  attrRefreshToken,
			"#expires":  attrExpiresAt,
			"#updated":  attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":access":  &types.AttributeValueMemberS{Value: accessToken},
			":refresh": &types.AttributeValueMemberS{Value: refreshToken},
			":expires": numberValue(expiresAt.Unix()),
			":now":     numberValue(s.nowFunc().Unix()),
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("credstore: updating tokens for %s in DynamoDB: %w", key, err)
	}

	return nil
}

// ListDue queries the expiry index for items expiring at or before
// deadline. The index returns them soonest first. Reads from a global
// secondary index are eventually consistent: a refresh written moments ago
// may still show its old expiry and be refreshed once more.
func (s *DynamoStore) ListDue(ctx context.Context, deadline time.Time) ([]Record, error) {
	var recs []Record

	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.expiryIndex),
		KeyConditionExpression: aws.String("#sweep = :sweep AND #expires <= :deadline"),
		ExpressionAttributeNames: map[string]string{
			"#sweep":   attrSweep,
			"#expires": attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sweep":    &types.AttributeValueMemberS{Value: sweepPartition},
			":deadline": numberValue(deadline.Unix()),
		},
		ScanIndexForward: aws.Bool(true),
	})

	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("credstore: querying index %s of DynamoDB table %s: %w", s.expiryIndex, s.table, err)
		}

		items, err := unmarshalItems(out.Items)
		if err != nil {
			return nil, err
		}

		recs = append(recs, items...)
	}

	return recs, nil
}

// List scans the whole table.
func (s *DynamoStore) List(ctx context.Context) ([]Record, error) {
	recs, err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ScopeID != recs[j].ScopeID {
			return recs[i].ScopeID < recs[j].ScopeID
		}

		return recs[i].Identity < recs[j].Identity
	})

	return recs, nil
}

// DeleteByScope queries the scope's partition and deletes each item.
func (s *DynamoStore) DeleteByScope(ctx context.Context, scopeID int64) (int, error) {
	var keys []Key

	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#scope = :scope"),
		ExpressionAttributeNames: map[string]string{"#scope": attrScopeID},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":scope": numberValue(scopeID),
		},
	})

	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("credstore: querying scope %d in DynamoDB: %w", scopeID, err)
		}

		items, err := unmarshalItems(out.Items)
		if err != nil {
			return 0, err
		}

		for i := range items {
			keys = append(keys, items[i].Key)
		}
	}

	return s.deleteKeys(ctx, keys)
}

// DeleteByIdentity scans for the identity across scopes and deletes each item.
func (s *DynamoStore) DeleteByIdentity(ctx context.Context, identity string) (int, error) {
	recs, err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("#identity = :identity"),
		ExpressionAttributeNames: map[string]string{"#identity": attrIdentity},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":identity": &types.AttributeValueMemberS{Value: identity},
		},
	})
	if err != nil {
		return 0, err
	}

	keys := make([]Key, 0, len(recs))
	for i := range recs {
		keys = append(keys, recs[i].Key)
	}

	return s.deleteKeys(ctx, keys)
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (s *DynamoStore) Close() error {
	return nil
}

func (s *DynamoStore) scan(ctx context.Context, in *dynamodb.ScanInput) ([]Record, error) {
	var recs []Record

	p := dynamodb.NewScanPaginator(s.client, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("credstore: scanning DynamoDB table %s: %w", s.table, err)
		}

		items, err := unmarshalItems(out.Items)
		if err != nil {
			return nil, err
		}

		recs = append(recs, items...)
	}

	return recs, nil
}

func (s *DynamoStore) deleteKeys(ctx context.Context, keys []Key) (int, error) {
	deleted := 0

	for _, key := range keys {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       itemKey(key),
		})
		if err != nil {
			return deleted, fmt.Errorf("credstore: deleting credential %s from DynamoDB: %w", key, err)
		}

		deleted++
	}

	s.logger.Info("credentials deleted", slog.Int("rows", deleted))

	return deleted, nil
}

func unmarshalItems(raw []map[string]types.AttributeValue) ([]Record, error) {
	var items []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(raw, &items); err != nil {
		return nil, fmt.Errorf("credstore: unmarshaling DynamoDB items: %w", err)
	}

	recs := make([]Record, 0, len(items))
	for i := range items {
		recs = append(recs, items[i].toRecord())
	}

	return recs, nil
}
