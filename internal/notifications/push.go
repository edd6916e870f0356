package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// DefaultPushEndpoint is Expo's push API.
const DefaultPushEndpoint = "https://exp.host/--/api/v2/push/send"

// PushMessage is the body POSTed to the push relay.
type PushMessage struct {
	To    string         `json:"to"`
	Sound string         `json:"sound"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// PushSender delivers one push message.
type PushSender interface {
	Send(ctx context.Context, msg PushMessage) error
}

// ExpoPushClient posts messages to an Expo-compatible endpoint. There is no
// retry and the response body is not inspected.
type ExpoPushClient struct {
	endpoint string
	timeout  time.Duration
}

// NewExpoPushClient returns a client for endpoint (DefaultPushEndpoint when empty).
func NewExpoPushClient(endpoint string, timeout time.Duration) *ExpoPushClient {
	if endpoint == "" {
		endpoint = DefaultPushEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExpoPushClient{endpoint: endpoint, timeout: timeout}
}

// Send implements PushSender.
func (c *ExpoPushClient) Send(ctx context.Context, msg PushMessage) error {
	if msg.Sound == "" {
		msg.Sound = "default"
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	agent := fiber.Post(c.endpoint)
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	agent.Set(fiber.HeaderAcceptEncoding, "gzip, deflate")
	agent.JSON(msg)
	agent.Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return fmt.Errorf("push request: %w", err)
	}

	code, _, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("push request: %w", errors.Join(errs...))
	}
	if code >= fiber.StatusBadRequest {
		return fmt.Errorf("push endpoint returned %d", code)
	}
	return nil
}
