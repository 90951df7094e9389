package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSender struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSender) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSClientSend(t *testing.T) {
	sender := &fakeSender{}
	client := &SQSClient{client: sender, queueURL: "https://sqs.local/queue"}

	if err := client.Send(context.Background(), Message{JobID: "job-1", Version: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if aws.ToString(sender.input.QueueUrl) != "https://sqs.local/queue" {
		t.Fatalf("unexpected queue url %q", aws.ToString(sender.input.QueueUrl))
	}
	msg, err := DecodeMessage([]byte(aws.ToString(sender.input.MessageBody)))
	if err != nil || msg.JobID != "job-1" {
		t.Fatalf("unexpected body %q: %v", aws.ToString(sender.input.MessageBody), err)
	}
}

func TestSQSClientSendError(t *testing.T) {
	boom := errors.New("throttled")
	client := &SQSClient{client: &fakeSender{err: boom}, queueURL: "q"}
	if err := client.Send(context.Background(), Message{JobID: "job-1"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestNewSQSClientRequiresURL(t *testing.T) {
	if _, err := NewSQSClient(context.Background(), " ", "us-east-1"); err == nil {
		t.Fatalf("expected error without queue url")
	}
}
