// Package s3 implements a cachinglayer.Translator that fetches cells as
// GetObject calls against an S3-compatible bucket, one object per cid.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package s3

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/milvus-io/cachecore/cachinglayer"
)

// Payload is the byte blob fetched for one cid, charged entirely against
// the disk budget -- remote objects are never counted as resident memory
// until a caller above this cache decides to materialize them further.
type Payload []byte

func (p Payload) SizeBytes() (memoryBytes, diskBytes int64) { return 0, int64(len(p)) }

// CellLayout describes where cid's bytes live in the bucket: one object key
// per cid, with a fixed estimated size used for pre-load reservation.
type CellLayout struct {
	Key          string
	EstimateSize int64
}

// Translator fetches each cell as a whole S3 object. uid == cid, matching
// the simplest possible layout; richer translators (row-group level, for
// instance) compose CellIDOf differently but reuse this loader.
type Translator struct {
	bucket string
	region string
	cells  []CellLayout

	sess *session.Session
}

// New constructs a Translator over the given bucket/region and cell
// layout. Credentials are resolved the usual AWS SDK way (shared config,
// ~/.aws/credentials, or environment); the session is created once here and
// reused for the Translator's lifetime, since that lifetime is one CacheSlot.
func New(bucket, region string, cells []CellLayout) (*Translator, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 translator: create session")
	}
	return &Translator{bucket: bucket, region: region, cells: cells, sess: sess}, nil
}

func (t *Translator) Key() string   { return fmt.Sprintf("s3://%s", t.bucket) }
func (t *Translator) NumCells() int { return len(t.cells) }

func (t *Translator) CellIDOf(uid int64) (int, error) { return int(uid), nil }

func (t *Translator) EstimatedByteSizeOfCell(cid int) (memoryBytes, diskBytes int64) {
	return 0, t.cells[cid].EstimateSize
}

func (t *Translator) StorageType() cachinglayer.StorageType { return cachinglayer.StorageFile }

func (t *Translator) Meta() interface{} { return nil }

func (t *Translator) client() *s3.S3 {
	cfg := &aws.Config{}
	if t.region != "" {
		cfg.Region = aws.String(t.region)
	}
	return s3.New(t.sess, cfg)
}

// GetCells issues one GetObject per requested cid. It never opportunistically
// fetches neighbors (nor does the parquet translator), since S3 objects are
// priced and latency-bound per request, not per byte range.
func (t *Translator) GetCells(ctx context.Context, cids []int) ([]cachinglayer.CellResult, error) {
	svc := t.client()
	out := make([]cachinglayer.CellResult, 0, len(cids))
	for _, cid := range cids {
		layout := t.cells[cid]
		obj, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(layout.Key),
		})
		if err != nil {
			if reqErr, ok := err.(awserr.RequestFailure); ok {
				glog.Errorf("s3 translator: %s/%s: %s (status %d)", t.bucket, layout.Key, reqErr.Code(), reqErr.StatusCode())
			}
			return nil, errors.Wrapf(err, "s3 translator: get %s/%s", t.bucket, layout.Key)
		}
		data, err := ioutil.ReadAll(obj.Body)
		obj.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "s3 translator: read %s/%s", t.bucket, layout.Key)
		}
		out = append(out, cachinglayer.CellResult{CID: cid, Payload: Payload(data)})
	}
	return out, nil
}
