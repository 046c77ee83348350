package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v2:"
	inProgressMarker     = "__in_progress__"
	replayStoreTimeout   = 2 * time.Second
)

// replayedResponse is the snapshot kept for a completed request.
type replayedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency makes mutating requests safe to retry. A request carrying an
// Idempotency-Key that the same caller already used on the same route gets the
// first response replayed instead of running again. A request that is still
// running answers 409, and a request whose handler failed frees its key.
//
// The header is required on POST, PUT, PATCH and DELETE. With a nil cache the
// middleware is a pass-through: nothing could be replayed, so the header is not
// demanded either. This only happens in development setups without Redis.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	if cache == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	replay := replayStore{cache: cache, ttl: ttl, logger: logger}

	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if !validRequestID(key) {
			return fiber.NewError(fiber.StatusBadRequest, "malformed Idempotency-Key header")
		}
		slot := idempotencyCacheKey(c, key)

		prior, found, err := replay.lookup(slot)
		if err != nil {
			return err
		}
		if found {
			return prior.writeTo(c)
		}
		if err := replay.reserve(slot); err != nil {
			return err
		}

		if err := c.Next(); err != nil {
			replay.release(slot)
			return err
		}
		return replay.commit(slot, snapshot(c))
	}
}

// replayStore keeps reservations and finished responses in Redis.
type replayStore struct {
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func (s replayStore) lookup(slot string) (replayedResponse, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()

	raw, err := s.cache.Get(ctx, slot).Result()
	if errors.Is(err, redis.Nil) {
		return replayedResponse{}, false, nil
	}
	if err != nil {
		s.logger.Error("idempotency lookup failed", slog.String("slot", slot), slog.Any("error", err))
		return replayedResponse{}, false, fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}
	if raw == inProgressMarker {
		return replayedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	var prior replayedResponse
	if err := json.Unmarshal([]byte(raw), &prior); err != nil {
		s.logger.Warn("stored idempotent response unreadable", slog.String("slot", slot), slog.Any("error", err))
		return replayedResponse{}, false, fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	return prior, true, nil
}

func (s replayStore) reserve(slot string) error {
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()

	won, err := s.cache.SetNX(ctx, slot, inProgressMarker, s.ttl).Result()
	if err != nil {
		s.logger.Error("idempotency reservation failed", slog.String("slot", slot), slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
	}
	if !won {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}
	return nil
}

func (s replayStore) commit(slot string, resp replayedResponse) error {
	payload, err := json.Marshal(resp)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
		err = s.cache.Set(ctx, slot, payload, s.ttl).Err()
		cancel()
	}
	if err != nil {
		s.logger.Error("idempotent response not stored", slog.String("slot", slot), slog.Any("error", err))
		s.release(slot)
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency persistence failure")
	}
	return nil
}

// release frees a reservation. Failures only delay retries until the TTL passes.
func (s replayStore) release(slot string) {
	ctx, cancel := context.WithTimeout(context.Background(), replayStoreTimeout)
	defer cancel()
	if err := s.cache.Del(ctx, slot).Err(); err != nil {
		s.logger.Warn("idempotency key not released", slog.String("slot", slot), slog.Any("error", err))
	}
}

func snapshot(c *fiber.Ctx) replayedResponse {
	resp := replayedResponse{
		Status:  c.Response().StatusCode(),
		Body:    string(c.Response().Body()),
		Headers: map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		resp.Headers[string(k)] = string(v)
	})
	return resp
}

func (r replayedResponse) writeTo(c *fiber.Ctx) error {
	for header, value := range r.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	return c.Status(r.Status).SendString(r.Body)
}

// idempotencyCacheKey scopes a client key to the caller and the route.
func idempotencyCacheKey(c *fiber.Ctx, key string) string {
	subject := "anonymous"
	if caller, ok := Caller(c); ok {
		subject = caller.String()
	}
	return idempotencyPrefix + subject + ":" + c.Method() + ":" + c.Path() + ":" + key
}
