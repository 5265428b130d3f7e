package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/mail"
	"notifyd/internal/render"
	"notifyd/pkg/logx"
)

// routed is the materialized payload. At most one of inline / external /
// unavailable is set; all unset means the request carried no payload.
type routed struct {
	inline      *mail.Attachment
	externalURL string
	expiresAt   time.Time
	unavailable bool
}

func (r routed) renderView() render.Payload {
	p := render.Payload{
		DownloadURL:          r.externalURL,
		LinkExpiresAt:        r.expiresAt,
		ReferenceUnavailable: r.unavailable,
	}
	if r.inline != nil {
		p.AttachedFilename = r.inline.Filename
	}
	return p
}

// route decides inline vs. external delivery for the raw payload.
//
// Strictly below the threshold the bytes ride along as an attachment.
// At or above it they are parked in blob storage and replaced by a signed
// time-limited URL. A blob failure degrades to an "unavailable" marker
// rather than failing the send.
func (e *Engine) route(ctx context.Context, userID, correlationID string, raw []byte) routed {
	if len(raw) == 0 {
		return routed{}
	}
	cfg := e.config()

	ref := correlationID
	if ref == "" {
		ref = uuid.NewString()
	}
	filename := "results_" + ref + ".csv"

	if len(raw) < cfg.AttachmentThresholdBytes {
		return routed{inline: &mail.Attachment{Filename: filename, Content: raw}}
	}

	key := userID + "/results/" + ref + ".csv"
	if err := e.blobs.Put(ctx, key, raw, "text/csv"); err != nil {
		e.log.Error("blob upload failed",
			logx.String("user_id", userID),
			logx.String("key", key),
			logx.Int("bytes", len(raw)),
			logx.Err(err))
		e.degraded(userID, correlationID, "blob upload failed")
		return routed{unavailable: true}
	}
	url, err := e.blobs.SignedURL(ctx, key, cfg.SignedURLTTL)
	if err != nil {
		e.log.Error("signing blob url failed",
			logx.String("user_id", userID),
			logx.String("key", key),
			logx.Err(err))
		e.degraded(userID, correlationID, "signing blob url failed")
		return routed{unavailable: true}
	}
	e.log.Debug("payload parked in blob storage",
		logx.String("key", key),
		logx.Int("bytes", len(raw)))
	return routed{externalURL: url, expiresAt: e.now().Add(cfg.SignedURLTTL)}
}
