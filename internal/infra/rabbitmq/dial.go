package rabbitmq

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DialWithRetry connects to the broker with exponential backoff and full
// jitter. Worker startup frequently races the broker container coming up.
func DialWithRetry(url string, maxTries int, logger *zap.Logger) (*amqp.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		logger.Warn("rabbitmq dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err),
		)
		time.Sleep(sleep)
	}
	return nil, fmt.Errorf("dial rabbitmq after %d attempts: %w", maxTries, lastErr)
}
