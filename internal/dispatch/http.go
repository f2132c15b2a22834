package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// Headers sent with every HTTP dispatch.
const (
	HeaderBatchID  = "X-Wellsync-Batch-Id"
	HeaderTier     = "X-Wellsync-Tier"
	HeaderCrisis   = "X-Wellsync-Crisis"
	HeaderDeadline = "X-Wellsync-Deadline"
)

// maxAckBytes bounds an ack body.
const maxAckBytes = 4 << 20

// HTTPDispatcher posts requests to a collaborator over HTTP.
//
// The body is the request's canonical payload set. A 2xx response carries an
// AckBody; 5xx, 408 and 429 responses and transport errors are transient,
// any other status is a rejection.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher returns a dispatcher posting to endpoint. A nil client
// uses http.DefaultClient.
func NewHTTPDispatcher(endpoint string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

// AckBody is the collaborator's response.
type AckBody struct {
	Durable   bool           `json:"durable"`
	AckedAt   time.Time      `json:"acked_at"`
	Conflicts []ConflictBody `json:"conflicts,omitempty"`
}

// ConflictBody names a dispatched operation and the version the remote
// store holds for its record.
type ConflictBody struct {
	OperationID   string     `json:"operation_id"`
	Remote        RemoteBody `json:"remote"`
	RemotePrimary bool       `json:"remote_primary,omitempty"`
	UserPresent   bool       `json:"user_present,omitempty"`
}

// RemoteBody is a remote operation.
type RemoteBody struct {
	ID              string            `json:"id"`
	Device          string            `json:"device"`
	OriginTimestamp time.Time         `json:"origin_timestamp"`
	Clock           map[string]uint64 `json:"clock"`
	Fields          ir.Object         `json:"fields"`
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request) (Ack, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/batches", bytes.NewReader(req.Body))
	if err != nil {
		return Ack{}, fmt.Errorf("build request for %s: %w", req.BatchID, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if req.Compressed {
		hreq.Header.Set("Content-Encoding", "gzip")
	}
	hreq.Header.Set(HeaderBatchID, req.BatchID)
	hreq.Header.Set(HeaderTier, string(req.Tier))
	if req.Crisis {
		hreq.Header.Set(HeaderCrisis, "true")
	}
	if !req.Deadline.IsZero() {
		hreq.Header.Set(HeaderDeadline, req.Deadline.UTC().Format(time.RFC3339Nano))
	}

	resp, err := d.client.Do(hreq)
	if err != nil {
		return Ack{}, fmt.Errorf("dispatch %s: %v: %w", req.BatchID, err, ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return Ack{}, fmt.Errorf("read ack for %s: %v: %w", req.BatchID, err, ErrTransient)
	}
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return Ack{}, fmt.Errorf("dispatch %s: status %d: %w", req.BatchID, resp.StatusCode, ErrTransient)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Ack{}, fmt.Errorf("dispatch %s: status %d: %w", req.BatchID, resp.StatusCode, ErrRejected)
	}

	var ab AckBody
	if err := json.Unmarshal(body, &ab); err != nil {
		return Ack{}, fmt.Errorf("decode ack for %s: %v: %w", req.BatchID, err, ErrRejected)
	}
	return ab.toAck(req)
}

func (ab AckBody) toAck(req Request) (Ack, error) {
	ack := Ack{BatchID: req.BatchID, Durable: ab.Durable, AckedAt: ab.AckedAt}
	if len(ab.Conflicts) == 0 {
		return ack, nil
	}

	byID := make(map[string]*model.Operation, len(req.Operations))
	for _, op := range req.Operations {
		byID[op.ID()] = op
	}
	var errs []error
	for _, c := range ab.Conflicts {
		local, ok := byID[c.OperationID]
		if !ok {
			errs = append(errs, fmt.Errorf("conflict for unknown operation %s", c.OperationID))
			continue
		}
		remote, err := model.New(model.Params{
			ID:                    c.Remote.ID,
			EntityType:            local.EntityType(),
			RecordID:              local.RecordID(),
			Payload:               model.Payload{Fields: c.Remote.Fields},
			Class:                 local.Class(),
			OriginDevice:          c.Remote.Device,
			OriginTimestamp:       c.Remote.OriginTimestamp,
			Clock:                 model.VectorClock{Counters: c.Remote.Clock, UpdatedAt: c.Remote.OriginTimestamp},
			TherapeuticContinuity: local.TherapeuticContinuity(),
			Session:               local.Session(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remote version of %s: %w", c.OperationID, err))
			continue
		}
		ack.Conflicts = append(ack.Conflicts, Conflict{
			Local:             local,
			Remote:            remote,
			RemotePrimary:     c.RemotePrimary,
			RemoteUserPresent: c.UserPresent,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return Ack{}, fmt.Errorf("ack for %s: %v: %w", req.BatchID, err, ErrRejected)
	}
	return ack, nil
}

// Loopback acks every request durably at once. It stands in for a
// collaborator when none is configured.
func Loopback(now func() time.Time) Dispatcher {
	return Func(func(_ context.Context, req Request) (Ack, error) {
		return Ack{BatchID: req.BatchID, Durable: true, AckedAt: now()}, nil
	})
}
