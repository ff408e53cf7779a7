package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ivexdb/ivex/blobstore"
)

// ErrConcurrentCommit is returned when another writer committed a snapshot
// pointer for the same version first.
var ErrConcurrentCommit = errors.New("s3: concurrent snapshot commit detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
// *dynamodb.Client satisfies it.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore tracks the latest snapshot blob for a database behind an
// S3-backed BlobStore, using DynamoDB conditional writes for the
// compare-and-swap semantics S3 lacks. Snapshot bytes live in S3; DynamoDB
// holds only (base_uri, version, snapshot_name) rows, with the highest
// version being the current snapshot.
//
// Table schema: partition key base_uri (string), sort key version (number).
type CommitStore struct {
	blobs     blobstore.BlobStore
	ddb       DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a commit store over blobs. baseURI identifies this
// database in the table, e.g. "s3://bucket/prefix".
func NewCommitStore(blobs blobstore.BlobStore, ddb DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{blobs: blobs, ddb: ddb, tableName: tableName, baseURI: baseURI}
}

// Blobs returns the underlying snapshot blob store.
func (c *CommitStore) Blobs() blobstore.BlobStore { return c.blobs }

// Latest returns the name of the most recently committed snapshot blob.
// blobstore.ErrNotFound is returned when nothing has been committed.
func (c *CommitStore) Latest(ctx context.Context) (string, error) {
	_, name, err := c.latestVersion(ctx)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", blobstore.ErrNotFound
	}
	return name, nil
}

// Commit records name as the current snapshot. The write succeeds only if
// no other writer claimed the next version first.
func (c *CommitStore) Commit(ctx context.Context, name string) error {
	current, _, err := c.latestVersion(ctx)
	if err != nil {
		return err
	}

	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":      &types.AttributeValueMemberS{Value: c.baseURI},
			"version":       &types.AttributeValueMemberN{Value: strconv.FormatUint(current+1, 10)},
			"snapshot_name": &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("s3: commit snapshot pointer: %w", err)
	}
	return nil
}

func (c *CommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query snapshot pointer: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: malformed version attribute")
	}
	nameAttr, ok := item["snapshot_name"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: malformed snapshot_name attribute")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse version: %w", err)
	}
	return version, nameAttr.Value, nil
}
