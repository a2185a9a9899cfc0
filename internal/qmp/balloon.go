package qmp

import (
	"context"

	"github.com/containerd/log"
)

// BalloonInfo matches the return value of query-balloon.
type BalloonInfo struct {
	Actual int64 `json:"actual"`
}

// QueryBalloon returns the current balloon size (guest-visible memory) in bytes.
func (c *Client) QueryBalloon(ctx context.Context) (int64, error) {
	info, err := query[BalloonInfo](ctx, c, "query-balloon")
	if err != nil {
		return 0, err
	}
	return info.Actual, nil
}

// SetBalloon asks the guest balloon driver to resize guest memory to sizeBytes.
func (c *Client) SetBalloon(ctx context.Context, sizeBytes int64) error {
	log.G(ctx).WithFields(log.Fields{
		"size_bytes": sizeBytes,
		"size_mb":    sizeBytes / (1024 * 1024),
	}).Debug("qmp: setting balloon target")

	return c.execute(ctx, "balloon", map[string]any{
		"value": sizeBytes,
	}, nil)
}
