// Copyright (c) The Thumbgate Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package backfill sends cache population requests to a message queue, where
// an out-of-band worker picks them up and ingests the image into the cache
// store. The gateway fires these and forgets them.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client used by a Queue.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Queue sends backfill requests to an SQS queue.
type Queue struct {
	// Client is the SQS client used to send messages. Must be non-nil.
	Client API

	// QueueURL is the URL of the backfill queue. Must be non-empty.
	QueueURL string
}

// message is the wire format consumed by the backfill worker.
type message struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Enqueue sends a request to ingest the image at imageURL into the cache
// store under itemID. It returns once the queue has accepted the message;
// it does not wait for the ingest itself.
func (q *Queue) Enqueue(ctx context.Context, itemID, imageURL string) error {
	body, err := json.Marshal(message{ID: itemID, URL: imageURL})
	if err != nil {
		return err
	}
	_, err = q.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send backfill message: %w", err)
	}
	return nil
}
