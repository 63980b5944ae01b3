package main

import (
	"fmt"
	"strings"

	"github.com/veloxdb/txncore/pkg/docid"
)

// parseKeyspaceArg parses "bucket.scope.collection", "bucket.collection"
// (default scope), or a bare bucket name (default scope/collection),
// the same tolerant shorthand pkg/cleaner accepts for its configured
// collections.
func parseKeyspaceArg(spec string) (docid.Keyspace, error) {
	if spec == "" {
		return docid.Keyspace{}, fmt.Errorf("keyspace must not be empty")
	}
	parts := strings.Split(spec, ".")
	switch len(parts) {
	case 3:
		return docid.Keyspace{Bucket: parts[0], Scope: parts[1], Collection: parts[2]}, nil
	case 2:
		return docid.Keyspace{Bucket: parts[0], Scope: docid.DefaultScope, Collection: parts[1]}, nil
	case 1:
		return docid.Keyspace{Bucket: parts[0], Scope: docid.DefaultScope, Collection: docid.DefaultCollection}, nil
	default:
		return docid.Keyspace{}, fmt.Errorf("keyspace %q must be bucket, bucket.collection, or bucket.scope.collection", spec)
	}
}
