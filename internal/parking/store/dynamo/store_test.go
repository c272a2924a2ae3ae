package dynamo_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/dynamo"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/store/storetest"
)

type attrs = map[string]ddbtypes.AttributeValue

// fakeDB is an in-memory table keyed by pk/sk that understands the two
// condition expressions the store emits.
type fakeDB struct {
	mu       sync.Mutex
	items    map[string]map[string]attrs
	pageSize int
	txns     int
	failTxn  error
	// itemsRead counts items returned by GetItem, Query and Scan.
	itemsRead int
}

func newFakeDB() *fakeDB {
	return &fakeDB{items: map[string]map[string]attrs{}}
}

func str(av ddbtypes.AttributeValue) string {
	switch v := av.(type) {
	case *ddbtypes.AttributeValueMemberS:
		return v.Value
	case *ddbtypes.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *fakeDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.ExpressionAttributeValues[":pk"])
	prefix := ""
	switch aws.ToString(in.KeyConditionExpression) {
	case "pk = :pk":
	case "pk = :pk AND begins_with(sk, :prefix)":
		prefix = str(in.ExpressionAttributeValues[":prefix"])
	default:
		return nil, errors.New("ValidationException: unsupported key condition")
	}
	part := f.items[pk]
	sks := make([]string, 0, len(part))
	for sk := range part {
		if strings.HasPrefix(sk, prefix) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey["sk"])
		start = sort.SearchStrings(sks, after)
		if start < len(sks) && sks[start] == after {
			start++
		}
	}
	end := len(sks)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	out := &dynamodb.QueryOutput{}
	for _, sk := range sks[start:end] {
		out.Items = append(out.Items, part[sk])
	}
	f.itemsRead += len(out.Items)
	if end < len(sks) {
		out.LastEvaluatedKey = attrs{"pk": part[sks[end-1]]["pk"], "sk": part[sks[end-1]]["sk"]}
	}
	return out, nil
}

func (f *fakeDB) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, part := range f.items {
		for _, it := range part {
			out.Items = append(out.Items, it)
		}
	}
	f.itemsRead += len(out.Items)
	return out, nil
}

func (f *fakeDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it := f.items[str(in.Key["pk"])][str(in.Key["sk"])]
	if it != nil {
		f.itemsRead++
	}
	return &dynamodb.GetItemOutput{Item: it}, nil
}

func (f *fakeDB) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemsRead
}

func (f *fakeDB) holds(cond *string, names map[string]string, values attrs, it attrs) bool {
	switch aws.ToString(cond) {
	case "":
		return true
	case "attribute_not_exists(pk)":
		return it == nil
	case "#ver = :v":
		return it != nil && names["#ver"] == "version" && str(it["version"]) == str(values[":v"])
	}
	return false
}

func (f *fakeDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns++
	if f.failTxn != nil {
		return nil, f.failTxn
	}
	if len(in.TransactItems) > 100 {
		return nil, errors.New("ValidationException: too many items")
	}

	type op struct {
		pk, sk string
		put    attrs
		del    bool
	}
	var ops []op
	seen := map[string]bool{}
	for _, ti := range in.TransactItems {
		var (
			key    attrs
			cond   *string
			names  map[string]string
			values attrs
			o      op
		)
		switch {
		case ti.Put != nil:
			key, cond, names, values = ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			o.put = ti.Put.Item
		case ti.Delete != nil:
			key, cond, names, values = ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
			o.del = true
		case ti.ConditionCheck != nil:
			key, cond, names, values = ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("ValidationException: unsupported action")
		}
		o.pk, o.sk = str(key["pk"]), str(key["sk"])
		if seen[o.pk+"|"+o.sk] {
			return nil, errors.New("ValidationException: multiple operations on one item")
		}
		seen[o.pk+"|"+o.sk] = true
		if !f.holds(cond, names, values, f.items[o.pk][o.sk]) {
			return nil, &ddbtypes.TransactionCanceledException{Message: aws.String("ConditionalCheckFailed")}
		}
		ops = append(ops, o)
	}
	for _, o := range ops {
		switch {
		case o.put != nil:
			if f.items[o.pk] == nil {
				f.items[o.pk] = map[string]attrs{}
			}
			f.items[o.pk][o.sk] = o.put
		case o.del:
			delete(f.items[o.pk], o.sk)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDB) keys(pk string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for sk := range f.items[pk] {
		out = append(out, sk)
	}
	sort.Strings(out)
	return out
}

func newStore(t *testing.T, db *fakeDB) *dynamo.Store {
	t.Helper()
	s, err := dynamo.New(db, dynamo.Config{Table: "parkwatch", PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newStore(t, newFakeDB()) })
}

func TestStore_OneItemPerLeaf(t *testing.T) {
	db := newFakeDB()
	s := newStore(t, db)
	ctx := context.Background()

	if err := s.Write(ctx, "parking_spots/slot_1", map[string]any{"type": "car", "occupied": false}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "maintenance", true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := db.keys("parking_spots"); len(got) != 2 || got[0] != "slot_1/occupied" || got[1] != "slot_1/type" {
		t.Errorf("unexpected sort keys %v", got)
	}
	if got := db.keys("maintenance"); len(got) != 1 || got[0] != "." {
		t.Errorf("top-level scalar should use the root sort key, got %v", got)
	}
	raw, err := s.Read(ctx, "maintenance")
	if err != nil || string(raw) != "true" {
		t.Errorf("expected true, got %s %v", raw, err)
	}
}

func TestStore_PaginatedReads(t *testing.T) {
	db := newFakeDB()
	db.pageSize = 1
	s := newStore(t, db)
	ctx := context.Background()
	for _, slot := range []string{"slot_1", "slot_2", "slot_3"} {
		_ = s.Write(ctx, "parking_spots/"+slot+"/type", "car")
	}

	raw, err := s.Read(ctx, "parking_spots")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(raw) != `{"slot_1":{"type":"car"},"slot_2":{"type":"car"},"slot_3":{"type":"car"}}` {
		t.Errorf("unexpected tree %s", raw)
	}
}

func TestStore_AppendDoesNotReadHistory(t *testing.T) {
	db := newFakeDB()
	s := newStore(t, db)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		if _, err := s.Append(ctx, "logs/access", map[string]any{"action": "check_in", "slot": i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	before := db.reads()
	if _, err := s.Append(ctx, "logs/access", map[string]any{"action": "check_in"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := db.reads() - before; n > 0 {
		t.Errorf("append read %d existing items, want 0", n)
	}

	before = db.reads()
	if _, err := s.Append(ctx, "logs/other", "x"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := db.reads() - before; n > 0 {
		t.Errorf("sibling append read %d items, want 0", n)
	}
}

func TestStore_LeafReadLoadsOnlyItsSubtree(t *testing.T) {
	db := newFakeDB()
	s := newStore(t, db)
	ctx := context.Background()
	for _, slot := range []string{"slot_1", "slot_2", "slot_3", "slot_4"} {
		if err := s.Write(ctx, "parking_spots/"+slot, map[string]any{"type": "car", "occupied": false}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	before := db.reads()
	raw, err := s.Read(ctx, "parking_spots/slot_3/occupied")
	if err != nil || string(raw) != "false" {
		t.Fatalf("Read: %s %v", raw, err)
	}
	if n := db.reads() - before; n != 1 {
		t.Errorf("leaf read loaded %d items, want 1", n)
	}

	before = db.reads()
	if err := s.Update(ctx, "parking_spots/slot_3", map[string]any{"occupied": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := db.reads() - before; n != 2 {
		t.Errorf("slot update loaded %d items, want the slot's 2 leaves", n)
	}
	raw, _ = s.Read(ctx, "parking_spots")
	if string(raw) != `{"slot_1":{"occupied":false,"type":"car"},"slot_2":{"occupied":false,"type":"car"},"slot_3":{"occupied":true,"type":"car"},"slot_4":{"occupied":false,"type":"car"}}` {
		t.Errorf("unexpected tree %s", raw)
	}
}

func TestStore_RootWritesRejected(t *testing.T) {
	s := newStore(t, newFakeDB())
	if err := s.Write(context.Background(), "/", map[string]any{"a": 1}); !errors.Is(err, store.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestStore_PersistentConflictGivesUp(t *testing.T) {
	db := newFakeDB()
	db.failTxn = &ddbtypes.TransactionCanceledException{Message: aws.String("busy")}
	s, _ := dynamo.New(db, dynamo.Config{Table: "parkwatch", MaxRetries: 4})

	err := s.Write(context.Background(), "checkin_count/car", 1)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if db.txns != 4 {
		t.Errorf("expected 4 attempts, got %d", db.txns)
	}
}

func TestStore_OtherErrorsAreNotRetried(t *testing.T) {
	db := newFakeDB()
	boom := errors.New("AccessDeniedException")
	db.failTxn = boom
	s := newStore(t, db)

	if err := s.Write(context.Background(), "checkin_count/car", 1); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if db.txns != 1 {
		t.Errorf("expected a single attempt, got %d", db.txns)
	}
}

func TestNew_RequiresTable(t *testing.T) {
	if _, err := dynamo.New(newFakeDB(), dynamo.Config{}); err == nil {
		t.Error("expected error without a table")
	}
}
