package rewriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

func TestRewriter_RewriteAndResolve(t *testing.T) {
	rw := NewRewriter("https://gw.example.com/", time.Hour, zap.NewNop())

	msg := &core.Message{
		ID:       "msg-1",
		TenantID: "tenant-1",
		Body:     "Click https://evil.example/login or https://other.example/doc now",
		Links: []core.Link{
			{URL: "https://evil.example/login"},
			{URL: "https://other.example/doc"},
		},
	}

	out := rw.Rewrite(msg)

	// The original message is untouched.
	assert.Equal(t, "https://evil.example/login", msg.Links[0].URL)
	assert.Contains(t, msg.Body, "https://evil.example/login")

	// Every rewritten link points at the click gateway and carries a
	// resolvable handle.
	for i, link := range out.Links {
		assert.NotEmpty(t, link.Handle)
		assert.Equal(t, "https://gw.example.com/link/click/"+link.Handle, link.URL)
		assert.Contains(t, out.Body, link.URL)
		assert.NotContains(t, out.Body, msg.Links[i].URL)

		rec, err := rw.Resolve(link.Handle)
		require.NoError(t, err)
		assert.Equal(t, msg.Links[i].URL, rec.URL)
		assert.Equal(t, "msg-1", rec.MessageID)
		assert.Equal(t, "tenant-1", rec.TenantID)
	}

	// Distinct links get distinct handles.
	assert.NotEqual(t, out.Links[0].Handle, out.Links[1].Handle)
}

func TestRewriter_NoLinksReturnsSameMessage(t *testing.T) {
	rw := NewRewriter("https://gw.example.com", time.Hour, zap.NewNop())

	msg := &core.Message{ID: "msg-1", Body: "no links here"}
	assert.Same(t, msg, rw.Rewrite(msg))
}

func TestRewriter_UnknownHandle(t *testing.T) {
	rw := NewRewriter("https://gw.example.com", time.Hour, zap.NewNop())

	_, err := rw.Resolve("does-not-exist")
	assert.ErrorIs(t, err, core.ErrHandleNotFound)
}

func TestRewriter_ExpiredHandleStillCarriesRecord(t *testing.T) {
	rw := NewRewriter("https://gw.example.com", time.Nanosecond, zap.NewNop())

	out := rw.Rewrite(&core.Message{
		ID:    "msg-1",
		Body:  "https://example.com",
		Links: []core.Link{{URL: "https://example.com"}},
	})
	handle := out.Links[0].Handle

	time.Sleep(5 * time.Millisecond)

	rec, err := rw.Resolve(handle)
	assert.ErrorIs(t, err, core.ErrHandleExpired)
	require.NotNil(t, rec, "expired handles resolve with context so the click can be blocked meaningfully")
	assert.Equal(t, "msg-1", rec.MessageID)
}

func TestRewriter_CleanupDropsExpiredHandles(t *testing.T) {
	rw := NewRewriter("https://gw.example.com", time.Nanosecond, zap.NewNop())

	out := rw.Rewrite(&core.Message{
		ID:    "msg-1",
		Body:  "https://example.com",
		Links: []core.Link{{URL: "https://example.com"}},
	})
	handle := out.Links[0].Handle

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, rw.Cleanup())

	_, err := rw.Resolve(handle)
	assert.ErrorIs(t, err, core.ErrHandleNotFound)
}
