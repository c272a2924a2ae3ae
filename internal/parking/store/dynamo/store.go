// Package dynamo stores the key-path tree in a DynamoDB table, one item
// per leaf. The partition key is the first path segment and the sort key
// is the rest, so every document the ledger touches lives in a single
// partition and can be changed with one TransactWriteItems call. Reads
// and writes below the top level load only the affected subtree and its
// ancestors, never the whole partition.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
)

// API is the part of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// maxTxnItems is the DynamoDB limit on actions per transaction.
const maxTxnItems = 100

// rootKey is the sort key of a scalar stored directly at a top-level
// path. '.' is illegal in path segments so it cannot collide.
const rootKey = "."

type Config struct {
	Table        string
	Region       string
	Endpoint     string        // for local emulators
	PollInterval time.Duration // Subscribe polling
	MaxRetries   int           // attempts when a conditional write loses
}

type item struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	Value     string `dynamodbav:"value"`
	Version   int64  `dynamodbav:"version"`
	UpdatedAt int64  `dynamodbav:"updated_at_ms"`
}

// Store implements store.Store and store.Transactor.
type Store struct {
	api        API
	table      string
	poll       time.Duration
	maxRetries int
	now        func() time.Time
}

// Connect loads AWS credentials the default way and returns a Store for
// cfg.Table.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg)
}

func New(api API, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo: table name is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 25
	}
	return &Store{
		api:        api,
		table:      cfg.Table,
		poll:       cfg.PollInterval,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}, nil
}

func split(p string) (pk, sk string) {
	pk, sk, _ = strings.Cut(p, "/")
	if sk == "" {
		sk = rootKey
	}
	return pk, sk
}

func join(pk, sk string) string {
	if sk == rootKey {
		return pk
	}
	return pk + "/" + sk
}

// leafSet holds the leaves loaded for one path, with each leaf's version.
type leafSet struct {
	leaves   store.Leaves
	versions map[string]int64
}

func newLeafSet() leafSet {
	return leafSet{leaves: store.Leaves{}, versions: map[string]int64{}}
}

// load fetches the leaves a reader or writer of p depends on: p itself,
// everything under it and its ancestors. A top-level path is its whole
// partition; a deeper one costs a prefix query plus one GetItem per level.
func (s *Store) load(ctx context.Context, p string) (leafSet, error) {
	set := newLeafSet()
	pk, sk := split(p)
	if sk == rootKey {
		return set, s.query(ctx, set, pk, "")
	}
	if err := s.query(ctx, set, pk, sk+"/"); err != nil {
		return leafSet{}, err
	}
	for _, k := range append(store.Ancestors(p), p) {
		if err := s.get(ctx, set, k); err != nil {
			return leafSet{}, err
		}
	}
	return set, nil
}

// query adds every item of partition pk whose sort key starts with
// prefix. An empty prefix reads the whole partition.
func (s *Store) query(ctx context.Context, set leafSet, pk, prefix string) error {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	}
	if prefix != "" {
		in.KeyConditionExpression = aws.String("pk = :pk AND begins_with(sk, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = &ddbtypes.AttributeValueMemberS{Value: prefix}
	}
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return fmt.Errorf("dynamo: query %s: %w", pk, err)
		}
		if err := set.add(out.Items); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) get(ctx context.Context, set leafSet, k string) error {
	pk, sk := split(k)
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("dynamo: get %s: %w", k, err)
	}
	if len(out.Item) == 0 {
		return nil
	}
	return set.add([]map[string]ddbtypes.AttributeValue{out.Item})
}

func (s *Store) scan(ctx context.Context) (leafSet, error) {
	set := newLeafSet()
	in := &dynamodb.ScanInput{TableName: aws.String(s.table), ConsistentRead: aws.Bool(true)}
	for {
		out, err := s.api.Scan(ctx, in)
		if err != nil {
			return leafSet{}, fmt.Errorf("dynamo: scan: %w", err)
		}
		if err := set.add(out.Items); err != nil {
			return leafSet{}, err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return set, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (set leafSet) add(raw []map[string]ddbtypes.AttributeValue) error {
	var items []item
	if err := attributevalue.UnmarshalListOfMaps(raw, &items); err != nil {
		return fmt.Errorf("dynamo: decode items: %w", err)
	}
	for _, it := range items {
		k := join(it.PK, it.SK)
		set.leaves[k] = json.RawMessage(it.Value)
		set.versions[k] = it.Version
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	var set leafSet
	if p == "" {
		set, err = s.scan(ctx)
	} else {
		set, err = s.load(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	return assemble(p, set.leaves)
}

func assemble(p string, leaves store.Leaves) (json.RawMessage, error) {
	v, ok, err := store.Assemble(p, leaves)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, store.ErrNotFound)
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, path string, v any) error {
	p, err := writable(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, p, func(set leafSet) (store.Plan, error) {
		return store.PlanWrite(p, v, related(set, p))
	})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := writable(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, p, func(set leafSet) (store.Plan, error) {
		return store.PlanUpdate(p, fields, related(set, p))
	})
}

func (s *Store) Append(ctx context.Context, path string, v any) (string, error) {
	p, err := writable(path)
	if err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	child := store.Join(p, id.String())
	if err := s.mutate(ctx, child, func(set leafSet) (store.Plan, error) {
		return store.PlanWrite(child, v, related(set, child))
	}); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Transact re-reads and re-runs fn until its write commits without any
// touched leaf having changed in between.
func (s *Store) Transact(ctx context.Context, path string, fn store.TxnFunc) error {
	p, err := writable(path)
	if err != nil {
		return err
	}
	return s.mutate(ctx, p, func(set leafSet) (store.Plan, error) {
		cur, err := assemble(p, set.leaves)
		if err != nil && !store.IsNotFound(err) {
			return store.Plan{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return store.Plan{}, err
		}
		return store.PlanWrite(p, next, related(set, p))
	})
}

func (s *Store) Subscribe(ctx context.Context, path string) (<-chan json.RawMessage, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return nil, err
	}
	return store.Poll(ctx, s.poll, func(ctx context.Context) (json.RawMessage, error) {
		return s.Read(ctx, p)
	}), nil
}

func writable(path string) (string, error) {
	p, err := store.CleanPath(path)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: root writes span partitions", store.ErrInvalidPath)
	}
	return p, nil
}

// related returns the loaded keys at, under or above p.
func related(set leafSet, p string) []string {
	anc := map[string]bool{}
	for _, a := range store.Ancestors(p) {
		anc[a] = true
	}
	var out []string
	for k := range set.leaves {
		if store.Under(k, p) || anc[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) mutate(ctx context.Context, p string, plan func(leafSet) (store.Plan, error)) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		set, err := s.load(ctx, p)
		if err != nil {
			return err
		}
		pl, err := plan(set)
		if err != nil {
			return err
		}
		actions, err := s.actions(pl, set, related(set, p))
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}
		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: actions})
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("dynamo: write %s: %w", p, err)
		}
	}
	return fmt.Errorf("dynamo: %s: %w after %d attempts", p, store.ErrConflict, s.maxRetries)
}

// actions turns a plan into transaction items. Every leaf the plan was
// computed from is pinned to its version, so a concurrent change to any
// of them cancels the whole transaction.
func (s *Store) actions(pl store.Plan, set leafSet, read []string) ([]ddbtypes.TransactWriteItem, error) {
	nowMs := s.now().UnixMilli()
	touched := map[string]bool{}
	var out []ddbtypes.TransactWriteItem

	for _, k := range pl.Delete {
		touched[k] = true
		pk, sk := split(k)
		c := versionCondition(k, set)
		out = append(out, ddbtypes.TransactWriteItem{Delete: &ddbtypes.Delete{
			TableName:                 aws.String(s.table),
			Key:                       key(pk, sk),
			ConditionExpression:       aws.String(c.expr),
			ExpressionAttributeNames:  c.names,
			ExpressionAttributeValues: c.values,
		}})
	}

	puts := make([]string, 0, len(pl.Put))
	for k := range pl.Put {
		puts = append(puts, k)
	}
	sort.Strings(puts)
	for _, k := range puts {
		touched[k] = true
		pk, sk := split(k)
		av, err := attributevalue.MarshalMap(item{
			PK:        pk,
			SK:        sk,
			Value:     string(pl.Put[k]),
			Version:   set.versions[k] + 1,
			UpdatedAt: nowMs,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo: encode %s: %w", k, err)
		}
		c := versionCondition(k, set)
		out = append(out, ddbtypes.TransactWriteItem{Put: &ddbtypes.Put{
			TableName:                 aws.String(s.table),
			Item:                      av,
			ConditionExpression:       aws.String(c.expr),
			ExpressionAttributeNames:  c.names,
			ExpressionAttributeValues: c.values,
		}})
	}

	if len(out) == 0 {
		return nil, nil
	}
	for _, k := range read {
		if touched[k] {
			continue
		}
		pk, sk := split(k)
		c := versionCondition(k, set)
		out = append(out, ddbtypes.TransactWriteItem{ConditionCheck: &ddbtypes.ConditionCheck{
			TableName:                 aws.String(s.table),
			Key:                       key(pk, sk),
			ConditionExpression:       aws.String(c.expr),
			ExpressionAttributeNames:  c.names,
			ExpressionAttributeValues: c.values,
		}})
	}
	if len(out) > maxTxnItems {
		return nil, fmt.Errorf("dynamo: write touches %d leaves, limit is %d", len(out), maxTxnItems)
	}
	return out, nil
}

type condition struct {
	expr   string
	names  map[string]string
	values map[string]ddbtypes.AttributeValue
}

// versionCondition pins k to the version it was loaded at, or to absence.
func versionCondition(k string, set leafSet) condition {
	v, ok := set.versions[k]
	if !ok {
		return condition{expr: "attribute_not_exists(pk)"}
	}
	return condition{
		expr:   "#ver = :v",
		names:  map[string]string{"#ver": "version"},
		values: map[string]ddbtypes.AttributeValue{":v": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}},
	}
}

func key(pk, sk string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
	}
}

func isConflict(err error) bool {
	var canceled *ddbtypes.TransactionCanceledException
	if errors.As(err, &canceled) {
		return true
	}
	var failed *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &failed)
}
