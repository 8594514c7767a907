package rewriter

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// LinkRecord maps a rewritten handle back to its original URL.
type LinkRecord struct {
	Handle    string
	URL       string
	MessageID string
	TenantID  string
	CreatedAt time.Time
}

// Rewriter replaces message links with click-time gateway URLs. Handles
// are opaque; the original URL never appears in the rewritten message.
type Rewriter struct {
	baseURL   string
	handleTTL time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	handles map[string]*LinkRecord
}

// NewRewriter creates a link rewriter. baseURL is the externally
// reachable click gateway prefix.
func NewRewriter(baseURL string, handleTTL time.Duration, logger *zap.Logger) *Rewriter {
	if handleTTL <= 0 {
		handleTTL = 30 * 24 * time.Hour
	}
	return &Rewriter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		handleTTL: handleTTL,
		logger:    logger,
		handles:   make(map[string]*LinkRecord),
	}
}

// Rewrite returns a copy of the message with every link replaced by a
// handle URL. The input message is not modified.
func (r *Rewriter) Rewrite(msg *core.Message) *core.Message {
	if len(msg.Links) == 0 {
		return msg
	}

	out := msg.Clone()
	now := time.Now()

	r.mu.Lock()
	for i := range out.Links {
		handle := uuid.New().String()
		r.handles[handle] = &LinkRecord{
			Handle:    handle,
			URL:       out.Links[i].URL,
			MessageID: msg.ID,
			TenantID:  msg.TenantID,
			CreatedAt: now,
		}

		rewritten := r.baseURL + "/link/click/" + handle
		out.Body = strings.ReplaceAll(out.Body, out.Links[i].URL, rewritten)
		out.Links[i].Handle = handle
		out.Links[i].URL = rewritten
	}
	r.mu.Unlock()

	r.logger.Debug("Rewrote message links",
		zap.String("message_id", msg.ID),
		zap.Int("links", len(out.Links)))

	return out
}

// Resolve maps a handle back to its link record. Unknown handles report
// ErrHandleNotFound; handles past their TTL return the record together
// with ErrHandleExpired so the caller can still block the click with
// context.
func (r *Rewriter) Resolve(handle string) (*LinkRecord, error) {
	r.mu.RLock()
	rec, ok := r.handles[handle]
	r.mu.RUnlock()

	if !ok {
		return nil, core.ErrHandleNotFound
	}
	if time.Since(rec.CreatedAt) > r.handleTTL {
		return rec, core.ErrHandleExpired
	}
	return rec, nil
}

// Cleanup drops handles past their TTL.
func (r *Rewriter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for handle, rec := range r.handles {
		if time.Since(rec.CreatedAt) > r.handleTTL {
			delete(r.handles, handle)
			removed++
		}
	}
	return removed
}
