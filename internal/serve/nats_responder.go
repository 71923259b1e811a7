package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/router"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// listRequest is the optional JSON payload of a list request.
type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

// RunNATSResponder serves the store over NATS request/reply.
// Subject pattern: {prefix}.store.{class}.{op}[.{key}] with op one of
// get, put, delete, list. Put payloads carry the raw value; list
// payloads optionally carry a JSON listRequest.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, rt *router.Router, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tierstore"
	}

	subject := prefix + ".store.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		respond(ctx, msg, prefix, rt, logger)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func respond(ctx context.Context, msg *nats.Msg, prefix string, rt *router.Router, logger *zap.Logger) {
	// Expected: {prefix}.store.{class}.{op}[.{key}]. The prefix itself
	// may contain dots, so strip it before splitting.
	rest := strings.TrimPrefix(msg.Subject, prefix+".store.")
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) < 2 {
		respondErr(msg, "invalid subject format")
		return
	}

	class, ok := storage.ParseClass(parts[0])
	if !ok {
		respondErr(msg, fmt.Sprintf("unknown storage class %q", parts[0]))
		return
	}
	op := parts[1]
	var key string
	if len(parts) == 3 {
		key = parts[2]
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var payload interface{}
	switch op {
	case "get":
		payload = rt.Get(opCtx, class, key)
	case "put":
		payload = rt.Put(opCtx, class, key, msg.Data, storage.Options{})
	case "delete":
		payload = rt.Delete(opCtx, class, key)
	case "list":
		var req listRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				respondErr(msg, "invalid list request: "+err.Error())
				return
			}
		}
		payload = rt.List(opCtx, class, storage.ListOptions{Prefix: req.Prefix, Limit: req.Limit})
	default:
		respondErr(msg, fmt.Sprintf("unknown operation %q", op))
		return
	}

	resp, err := json.Marshal(payload)
	if err != nil {
		logger.Error("marshaling response", zap.Error(err))
		respondErr(msg, "internal error")
		return
	}
	msg.Respond(resp)
}

func respondErr(msg *nats.Msg, errMsg string) {
	resp, _ := json.Marshal(map[string]string{"error": errMsg})
	msg.Respond(resp)
}
