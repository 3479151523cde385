package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// Archiver stores a JSON settlement receipt per settled batch in an
// S3-compatible bucket. It consumes the event stream only and never
// touches vault state; a failed upload just logs.
type Archiver struct {
	client *minio.Client
	events *messaging.Client
	bucket string
}

// Config holds archiver configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and ensures the receipt bucket exists.
func New(ctx context.Context, cfg Config, events *messaging.Client) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Archiver{client: client, events: events, bucket: cfg.Bucket}, nil
}

// Start subscribes to batch settlement events. Receipts are written as
// receipts/<owner>/<nonce>.json, so replays of the same event overwrite
// the same object instead of duplicating it.
func (a *Archiver) Start(ctx context.Context) error {
	return a.events.QueueSubscribe(messaging.SubjectBatchSettled, "archive", func(msg *nats.Msg) {
		if err := a.store(ctx, msg.Data); err != nil {
			log.Printf("archive: failed to store receipt: %v", err)
		}
	})
}

func (a *Archiver) store(ctx context.Context, raw []byte) error {
	var evt messaging.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("bad event envelope: %w", err)
	}

	var settled messaging.BatchSettledEvent
	if err := evt.ParseData(&settled); err != nil {
		return fmt.Errorf("bad settlement payload: %w", err)
	}

	receipt, err := json.MarshalIndent(struct {
		messaging.BatchSettledEvent
		EventID   string `json:"event_id"`
		Timestamp string `json:"timestamp"`
	}{
		BatchSettledEvent: settled,
		EventID:           evt.ID.String(),
		Timestamp:         evt.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}, "", "  ")
	if err != nil {
		return err
	}

	key := fmt.Sprintf("receipts/%s/%d.json", settled.Owner, settled.Nonce)
	_, err = a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(receipt), int64(len(receipt)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("failed to put receipt %s: %w", key, err)
	}
	return nil
}
