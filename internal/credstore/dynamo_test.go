package credstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory table that understands the expressions
// DynamoStore issues. Scan and Query return pageSize items per page.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[Key]dynamoItem
	pageSize int
	scans    int
	queries  map[string]int // index name ("" for the table) -> calls
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[Key]dynamoItem), pageSize: 1, queries: make(map[string]int)}
}

func keyOf(t map[string]types.AttributeValue) Key {
	scope, _ := strconv.ParseInt(t[attrScopeID].(*types.AttributeValueMemberN).Value, 10, 64)

	return Key{ScopeID: scope, Identity: t[attrIdentity].(*types.AttributeValueMemberS).Value}
}

func strVal(v types.AttributeValue) string {
	return v.(*types.AttributeValueMemberS).Value
}

func numVal(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) GetItem(
	_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	it, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}

	m, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, err
	}

	return &dynamodb.GetItemOutput{Item: m}, nil
}

func (f *fakeDynamo) UpdateItem(
	_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keyOf(in.Key)
	it, exists := f.items[key]

	if in.ConditionExpression != nil && !exists {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("conditional check failed")}
	}

	v := in.ExpressionAttributeValues
	it.ScopeID = key.ScopeID

	if sv, ok := v[":sweep"]; ok {
		it.Sweep = strVal(sv)
	}
	it.Identity = key.Identity

	if tv, ok := v[":tenant"]; ok {
		it.Tenant = strVal(tv)
	}

	it.AccessToken = strVal(v[":access"])
	it.RefreshToken = strVal(v[":refresh"])
	it.ExpiresAt = numVal(v[":expires"])
	it.UpdatedAt = numVal(v[":now"])

	if !exists {
		it.CreatedAt = it.UpdatedAt
	}

	f.items[key] = it

	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(
	_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, keyOf(in.Key))

	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(
	_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options),
) (*dynamodb.QueryOutput, error) {
	v := in.ExpressionAttributeValues

	f.mu.Lock()
	f.queries[aws.ToString(in.IndexName)]++
	f.mu.Unlock()

	match := func(it dynamoItem) bool {
		return it.ScopeID == numVal(v[":scope"])
	}

	if in.IndexName != nil {
		match = func(it dynamoItem) bool {
			return it.Sweep == strVal(v[":sweep"]) && it.ExpiresAt <= numVal(v[":deadline"])
		}
	}

	page, next, err := f.page(in.ExclusiveStartKey, match, in.IndexName != nil)
	if err != nil {
		return nil, err
	}

	return &dynamodb.QueryOutput{Items: page, LastEvaluatedKey: next}, nil
}

func (f *fakeDynamo) Scan(
	_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options),
) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()

	v := in.ExpressionAttributeValues

	page, next, err := f.page(in.ExclusiveStartKey, func(it dynamoItem) bool {
		if d, ok := v[":deadline"]; ok && it.ExpiresAt > numVal(d) {
			return false
		}

		if id, ok := v[":identity"]; ok && it.Identity != strVal(id) {
			return false
		}

		return true
	}, false)
	if err != nil {
		return nil, err
	}

	return &dynamodb.ScanOutput{Items: page, LastEvaluatedKey: next}, nil
}

// page returns up to pageSize matching items after the offset carried in
// start, plus the continuation key for the next page. Items come in key
// order, or in expiry order for the expiry index.
func (f *fakeDynamo) page(
	start map[string]types.AttributeValue, match func(dynamoItem) bool, byExpiry bool,
) ([]map[string]types.AttributeValue, map[string]types.AttributeValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []dynamoItem
	for _, it := range f.items {
		if match(it) {
			matched = append(matched, it)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if byExpiry && matched[i].ExpiresAt != matched[j].ExpiresAt {
			return matched[i].ExpiresAt < matched[j].ExpiresAt
		}

		if matched[i].ScopeID != matched[j].ScopeID {
			return matched[i].ScopeID < matched[j].ScopeID
		}

		return matched[i].Identity < matched[j].Identity
	})

	offset := 0
	if start != nil {
		offset = int(numVal(start["offset"]))
	}

	end := min(offset+f.pageSize, len(matched))

	out := make([]map[string]types.AttributeValue, 0, end-offset)
	for _, it := range matched[offset:end] {
		m, err := attributevalue.MarshalMap(it)
		if err != nil {
			return nil, nil, err
		}

		out = append(out, m)
	}

	var next map[string]types.AttributeValue
	if end < len(matched) {
		next = map[string]types.AttributeValue{"offset": numberValue(int64(end))}
	}

	return out, next, nil
}

func strPtr(s string) *string { return &s }

func newTestDynamoStore(t *testing.T) (*DynamoStore, *fakeDynamo) {
	t.Helper()

	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "credentials", "", testLogger(t))
	s.nowFunc = func() time.Time { return testNow }

	return s, fake
}

func TestDynamoStore_UpsertAndGet(t *testing.T) {
	s, _ := newTestDynamoStore(t)
	ctx := context.Background()

	rec := sampleRecord(2, "alice", time.Hour)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)

	assert.Equal(t, rec.Tenant, got.Tenant)
	assert.Equal(t, rec.RefreshToken, got.RefreshToken)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, testNow, got.CreatedAt)
}

func TestDynamoStore_GetMissing(t *testing.T) {
	s, _ := newTestDynamoStore(t)

	_, err := s.Get(context.Background(), Key{Identity: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_UpdateTokensMissingRow(t *testing.T) {
	s, fake := newTestDynamoStore(t)

	err := s.UpdateTokens(context.Background(), Key{Identity: "ghost"}, "a", "r", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fake.items)
}

func TestDynamoStore_UpdateTokens(t *testing.T) {
	s, _ := newTestDynamoStore(t)
	ctx := context.Background()

	rec := sampleRecord(0, "bob", time.Minute)
	require.NoError(t, s.Upsert(ctx, rec))
	require.NoError(t, s.UpdateTokens(ctx, rec.Key, "at-2", "rt-2", testNow.Add(time.Hour)))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", got.RefreshToken)
	assert.Equal(t, testNow.Add(time.Hour), got.ExpiresAt)
}

func TestDynamoStore_ListDuePaginated(t *testing.T) {
	s, fake := newTestDynamoStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "a", 2*time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "b", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "c", 72*time.Hour)))

	due, err := s.ListDue(ctx, testNow.Add(25*time.Hour))
	require.NoError(t, err)

	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].Identity)
	assert.Equal(t, "a", due[1].Identity)
	assert.Equal(t, 2, fake.queries[DefaultExpiryIndex], "one query per page")
	assert.Zero(t, fake.scans, "sweeps must not scan the table")
}

func TestDynamoStore_ListDueSkipsItemsOutsideIndex(t *testing.T) {
	s, fake := newTestDynamoStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "indexed", time.Hour)))

	// Written without the sweep attribute, so the sparse index never sees it.
	fake.items[Key{Identity: "bare"}] = dynamoItem{Identity: "bare", RefreshToken: "rt", ExpiresAt: testNow.Unix()}

	due, err := s.ListDue(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "indexed", due[0].Identity)
}

func TestNewDynamoStore_ExpiryIndexName(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "credentials", "custom-index", testLogger(t))
	s.nowFunc = func() time.Time { return testNow }

	require.NoError(t, s.Upsert(context.Background(), sampleRecord(0, "a", 0)))

	_, err := s.ListDue(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.queries["custom-index"])
}

func TestDynamoStore_Deletes(t *testing.T) {
	s, _ := newTestDynamoStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "erin", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(5, "erin", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(5, "frank", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(6, "gina", time.Hour)))

	n, err := s.DeleteByScope(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeleteByIdentity(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "gina", all[0].Identity)
}
