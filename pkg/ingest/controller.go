package ingest

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"agency/models"
)

// chunkSizeHint is returned from Init so clients pick a sensible part size.
const chunkSizeHint = 4 << 20

// Limits are the configured bounds the controller enforces at init time.
type Limits struct {
	MaxChunks       int
	MaxTotalBytes   int64
	OpenTTL         time.Duration
	MaxOpenPerOwner int
}

// Principal is the authenticated caller as established by the HTTP layer.
type Principal struct {
	Username string
	Admin    bool
}

// Controller implements the public ingest contract: Init, PutChunk,
// Complete, Abort. It owns no state of its own; the registry arbitrates
// every transition and the chunk store arbitrates every payload.
type Controller struct {
	store    *ChunkStore
	registry *Registry
	subs     *SubmissionStore
	events   EventSink
	limits   Limits
}

func NewController(store *ChunkStore, registry *Registry, subs *SubmissionStore, events EventSink, limits Limits) *Controller {
	if events == nil {
		events = LogSink{}
	}
	return &Controller{store: store, registry: registry, subs: subs, events: events, limits: limits}
}

// InitRequest carries the declared upload parameters. DisplayName and
// Contact are the audition form fields carried through to the submission.
type InitRequest struct {
	FileName       string
	ContentType    string
	TotalSize      int64
	ExpectedChunks int
	DisplayName    string
	Contact        string
}

// InitResult is returned from Init. SubmissionID is reserved only; the
// submission record does not exist until Complete.
type InitResult struct {
	UploadID      string
	SubmissionID  string
	ChunkSizeHint int
	ExpiresAt     time.Time
}

// Init opens a new upload for the caller. Init is deliberately not
// idempotent: identical parameters produce distinct uploads.
func (c *Controller) Init(ctx context.Context, p Principal, req InitRequest) (*InitResult, error) {
	name, err := sanitizeFilename(req.FileName)
	if err != nil {
		return nil, err
	}
	if req.ExpectedChunks < 1 || req.ExpectedChunks > c.limits.MaxChunks {
		return nil, fmt.Errorf("%w: expected_chunks must be in [1,%d]", ErrInvalidArgument, c.limits.MaxChunks)
	}
	if req.TotalSize < 0 {
		return nil, fmt.Errorf("%w: total_size must be >= 0", ErrInvalidArgument)
	}
	if req.TotalSize > 0 && req.TotalSize > c.limits.MaxTotalBytes {
		return nil, fmt.Errorf("%w: total_size exceeds %d bytes", ErrInvalidArgument, c.limits.MaxTotalBytes)
	}
	open, err := c.registry.CountOpenFor(ctx, p.Username)
	if err != nil {
		return nil, err
	}
	if open >= int64(c.limits.MaxOpenPerOwner) {
		return nil, ErrQuotaExceeded
	}
	up := &models.Upload{
		UploadID:             uuid.NewString(),
		OwnerUsername:        p.Username,
		FileName:             name,
		ContentType:          req.ContentType,
		DeclaredSize:         req.TotalSize,
		ExpectedChunks:       req.ExpectedChunks,
		DisplayName:          req.DisplayName,
		Contact:              req.Contact,
		ReservedSubmissionID: uuid.NewString(),
	}
	if err := c.registry.Create(ctx, up, c.limits.OpenTTL); err != nil {
		return nil, err
	}
	return &InitResult{
		UploadID:      up.UploadID,
		SubmissionID:  up.ReservedSubmissionID,
		ChunkSizeHint: chunkSizeHint,
		ExpiresAt:     up.ExpiresAt,
	}, nil
}

// PutChunk stores one part. Chunks may arrive in any order; retries with
// identical bytes succeed, retries with differing bytes conflict, and a
// chunk is never overwritten. Returns (received, expected) counts.
func (c *Controller) PutChunk(ctx context.Context, p Principal, uploadID string, index int, data []byte) (int, int, error) {
	up, err := c.registry.Get(ctx, uploadID)
	if err != nil {
		return 0, 0, err
	}
	if up.OwnerUsername != p.Username {
		return 0, 0, ErrNotAuthorized
	}
	if index < 0 || index >= up.ExpectedChunks {
		return 0, 0, fmt.Errorf("%w: chunk index %d outside [0,%d)", ErrInvalidArgument, index, up.ExpectedChunks)
	}
	if up.State != models.UploadOpen {
		return 0, 0, &WrongStateError{State: up.State}
	}

	// Store first, record second. The store is idempotent by key, so a crash
	// between the two steps is repaired by retrying the same call.
	if _, err := c.store.Put(ctx, uploadID, index, data); err != nil {
		return 0, 0, err
	}
	if _, err := c.registry.RecordChunk(ctx, uploadID, index, int64(len(data))); err != nil {
		return 0, 0, err
	}
	cur, err := c.registry.Get(ctx, uploadID)
	if err != nil {
		return 0, 0, err
	}
	return popcount(cur.Received), cur.ExpectedChunks, nil
}

// CompleteResult is returned from Complete.
type CompleteResult struct {
	SubmissionID  string
	AssembledSize int64
}

// Complete seals the upload, materializes its submission exactly once and
// finalizes the registry record. Every step is idempotent, so a crashed or
// duplicated complete converges to the same submission id.
func (c *Controller) Complete(ctx context.Context, p Principal, uploadID string) (*CompleteResult, error) {
	up, err := c.registry.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if up.OwnerUsername != p.Username {
		return nil, ErrNotAuthorized
	}
	if up.State == models.UploadComplete {
		return &CompleteResult{SubmissionID: up.SubmissionID, AssembledSize: up.AssembledSize}, nil
	}

	sealed, err := c.registry.Seal(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	sizes, err := decodeSizes(sealed.ChunkSizes)
	if err != nil {
		return nil, err
	}
	var assembled int64
	for _, s := range sizes {
		assembled += s
	}
	// Leave the upload SEALING on a mismatch: the client may abort, or the
	// janitor will expire it.
	if sealed.DeclaredSize > 0 && sealed.DeclaredSize != assembled {
		return nil, fmt.Errorf("%w: declared %d, assembled %d", ErrSizeMismatch, sealed.DeclaredSize, assembled)
	}

	sub, err := c.subs.CreateIfAbsent(ctx, &models.Submission{
		SubmissionID:  sealed.ReservedSubmissionID,
		UploadID:      sealed.UploadID,
		OwnerUsername: sealed.OwnerUsername,
		DisplayName:   sealed.DisplayName,
		Contact:       sealed.Contact,
		FileName:      sealed.FileName,
		ContentType:   sealed.ContentType,
		AssembledSize: assembled,
		Status:        models.SubmissionPendingReview,
	})
	if err != nil {
		return nil, err
	}
	if err := c.registry.Finalize(ctx, uploadID, sub.SubmissionID, assembled); err != nil {
		return nil, err
	}

	if err := c.events.Publish(ctx, Event{
		Type:         EventUploadCompleted,
		UploadID:     uploadID,
		SubmissionID: sub.SubmissionID,
		Owner:        sealed.OwnerUsername,
		At:           time.Now().UTC(),
	}); err != nil {
		log.Printf("upload %s: completed event not delivered: %v", uploadID, err)
	}
	return &CompleteResult{SubmissionID: sub.SubmissionID, AssembledSize: assembled}, nil
}

// Abort transitions OPEN -> ABORTED. Owner or admin. Chunk reclamation is
// left to the janitor to keep this path fast.
func (c *Controller) Abort(ctx context.Context, p Principal, uploadID string) error {
	up, err := c.registry.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.OwnerUsername != p.Username && !p.Admin {
		return ErrNotAuthorized
	}
	return c.registry.Abort(ctx, uploadID)
}

// sanitizeFilename reduces the declared name to a safe basename.
func sanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return "", fmt.Errorf("%w: filename required", ErrInvalidArgument)
	}
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name, nil
}
