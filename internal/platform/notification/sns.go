package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSMSSender sends transactional SMS by publishing directly to a phone
// number.
type SNSSMSSender struct {
	client   SNSPublisher
	senderID string
}

func NewSNSSMSSender(client SNSPublisher, senderID string) *SNSSMSSender {
	return &SNSSMSSender{client: client, senderID: senderID}
}

func (s *SNSSMSSender) SendSMS(ctx context.Context, to, body string) error {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(to),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns sms to %s: %w", to, err)
	}
	return nil
}

// SNSPushSender publishes to a per-user topic ARN (prefix + user id) to which
// the user's device endpoints are subscribed.
type SNSPushSender struct {
	client      SNSPublisher
	topicPrefix string
}

func NewSNSPushSender(client SNSPublisher, topicPrefix string) *SNSPushSender {
	return &SNSPushSender{client: client, topicPrefix: topicPrefix}
}

type apnsPayload struct {
	Aps struct {
		Alert struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"alert"`
		Sound string `json:"sound,omitempty"`
	} `json:"aps"`
	Data map[string]string `json:"data,omitempty"`
}

type gcmPayload struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]string `json:"data,omitempty"`
}

func pushMessage(title, body string, data map[string]string) (string, error) {
	var apns apnsPayload
	apns.Aps.Alert.Title = title
	apns.Aps.Alert.Body = body
	apns.Aps.Sound = "default"
	apns.Data = data

	var gcm gcmPayload
	gcm.Notification.Title = title
	gcm.Notification.Body = body
	gcm.Data = data

	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", err
	}
	gcmJSON, err := json.Marshal(gcm)
	if err != nil {
		return "", err
	}
	msg, err := json.Marshal(map[string]string{
		"default":      body,
		"APNS":         string(apnsJSON),
		"APNS_SANDBOX": string(apnsJSON),
		"GCM":          string(gcmJSON),
	})
	return string(msg), err
}

func (s *SNSPushSender) SendPush(ctx context.Context, userID, title, body string, data map[string]string) error {
	msg, err := pushMessage(title, body, data)
	if err != nil {
		return fmt.Errorf("build push payload: %w", err)
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:         aws.String(s.topicPrefix + userID),
		Message:          aws.String(msg),
		MessageStructure: aws.String("json"),
		Subject:          aws.String(title),
	})
	if err != nil {
		return fmt.Errorf("sns push to user %s: %w", userID, err)
	}
	return nil
}
