package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/access"
	"github.com/yungbote/memory-service/internal/blob"
	"github.com/yungbote/memory-service/internal/crypt"
	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/principal"
	"github.com/yungbote/memory-service/internal/store"
)

// Engine owns the attachment lifecycle: rows are created unattached with
// an expiry, payloads live in the blob store (optionally encrypted), and
// the append path links rows to entries. Eviction is the task processor's
// job.
type Engine struct {
	store    store.Store
	blobs    blob.Store
	codec    *crypt.Codec
	access   *access.Checker
	importer *importer
	log      *logger.Logger

	orphanTTL time.Duration
	maxSize   int64
}

func NewEngine(st store.Store, blobs blob.Store, codec *crypt.Codec, ac *access.Checker, logg *logger.Logger) *Engine {
	e := &Engine{
		store:     st,
		blobs:     blobs,
		codec:     codec,
		access:    ac,
		log:       logg.With("service", "AttachmentEngine"),
		orphanTTL: env.GetAsDuration("ATTACHMENT_ORPHAN_TTL", time.Hour, logg),
		maxSize:   int64(env.GetAsInt("ATTACHMENT_MAX_SIZE_BYTES", 25<<20, logg)),
	}
	e.importer = newImporter(logg, e.maxSize)
	return e
}

func storageKey(id uuid.UUID) string { return "attachments/" + id.String() }

// Upload stores a client-supplied payload and returns a READY attachment.
// The row carries an expiry; linking it to an entry clears the clock.
func (e *Engine) Upload(ctx context.Context, p principal.Principal, filename, contentType string, r io.Reader) (*types.Attachment, error) {
	if !p.Authenticated() {
		return nil, fault.New(fault.KindForbidden, "authenticated user required")
	}
	if !e.blobs.Enabled() {
		return nil, fault.New(fault.KindPreconditionFailed, "blob storage is disabled")
	}

	id := uuid.New()
	sha, size, err := e.put(ctx, storageKey(id), r)
	if err != nil {
		return nil, err
	}

	expires := time.Now().UTC().Add(e.orphanTTL)
	a := &types.Attachment{
		ID:          id,
		StorageKey:  storageKey(id),
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		SHA256:      sha,
		UserID:      p.User(),
		Status:      types.AttachmentStatusReady,
		ExpiresAt:   &expires,
	}
	if err := e.store.CreateAttachment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ImportFromSource creates a PENDING attachment and fetches the payload
// from sourceURL. The fetch failing marks the row FAILED; the create call
// itself still succeeds, so callers can surface the failure later.
func (e *Engine) ImportFromSource(ctx context.Context, p principal.Principal, filename, sourceURL string) (*types.Attachment, error) {
	if !p.Authenticated() {
		return nil, fault.New(fault.KindForbidden, "authenticated user required")
	}
	if !e.blobs.Enabled() {
		return nil, fault.New(fault.KindPreconditionFailed, "blob storage is disabled")
	}

	id := uuid.New()
	expires := time.Now().UTC().Add(e.orphanTTL)
	a := &types.Attachment{
		ID:         id,
		StorageKey: storageKey(id),
		Filename:   filename,
		UserID:     p.User(),
		Status:     types.AttachmentStatusPending,
		SourceURL:  sourceURL,
		ExpiresAt:  &expires,
	}
	if err := e.store.CreateAttachment(ctx, a); err != nil {
		return nil, err
	}

	body, contentType, err := e.importer.fetch(ctx, sourceURL)
	if err != nil {
		e.log.Warn("attachment import failed", "attachment_id", id, "error", err)
		a.Status = types.AttachmentStatusFailed
		if uErr := e.store.UpdateAttachment(ctx, id, map[string]interface{}{"status": types.AttachmentStatusFailed}); uErr != nil {
			return nil, uErr
		}
		return a, nil
	}
	defer body.Close()

	sha, size, err := e.put(ctx, a.StorageKey, body)
	if err != nil {
		a.Status = types.AttachmentStatusFailed
		if uErr := e.store.UpdateAttachment(ctx, id, map[string]interface{}{"status": types.AttachmentStatusFailed}); uErr != nil {
			return nil, uErr
		}
		return a, nil
	}

	updates := map[string]interface{}{
		"status":       types.AttachmentStatusReady,
		"content_type": contentType,
		"size":         size,
		"sha256":       sha,
	}
	if err := e.store.UpdateAttachment(ctx, id, updates); err != nil {
		return nil, err
	}
	a.Status = types.AttachmentStatusReady
	a.ContentType = contentType
	a.Size = size
	a.SHA256 = sha
	return a, nil
}

// put streams the payload into the blob store. With body encryption on,
// the payload is buffered, hashed over the plaintext, and stored as the
// provider-prefixed ciphertext.
func (e *Engine) put(ctx context.Context, key string, r io.Reader) (sha string, size int64, err error) {
	limited := io.LimitReader(r, e.maxSize+1)
	if !e.codec.Enabled() {
		res, pErr := e.blobs.Put(ctx, key, limited)
		if pErr != nil {
			return "", 0, pErr
		}
		if res.Size > e.maxSize {
			_ = e.blobs.Delete(ctx, key)
			return "", 0, fault.Newf(fault.KindInvalidArgument, "attachment exceeds %d bytes", e.maxSize)
		}
		return res.SHA256, res.Size, nil
	}

	plain, rErr := io.ReadAll(limited)
	if rErr != nil {
		return "", 0, fault.Wrap(fault.KindUnavailable, "attachment read failed", rErr)
	}
	if int64(len(plain)) > e.maxSize {
		return "", 0, fault.Newf(fault.KindInvalidArgument, "attachment exceeds %d bytes", e.maxSize)
	}
	digest := sha256.Sum256(plain)
	ct, cErr := e.codec.Encrypt(plain)
	if cErr != nil {
		return "", 0, cErr
	}
	if _, pErr := e.blobs.Put(ctx, key, bytes.NewReader([]byte(ct))); pErr != nil {
		return "", 0, pErr
	}
	return hex.EncodeToString(digest[:]), int64(len(plain)), nil
}

// Get returns the attachment row after a visibility check: the owner
// always sees it; anyone else needs READER on the entry it is linked to.
func (e *Engine) Get(ctx context.Context, p principal.Principal, id uuid.UUID) (*types.Attachment, error) {
	a, err := e.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.ensureVisible(ctx, p, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Open streams the payload, decrypting when body encryption produced it.
func (e *Engine) Open(ctx context.Context, p principal.Principal, id uuid.UUID) (io.ReadCloser, error) {
	a, err := e.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.AttachmentStatusReady {
		return nil, fault.Newf(fault.KindPreconditionFailed, "attachment %s is not ready", id)
	}
	rc, err := e.blobs.Get(ctx, a.StorageKey)
	if err != nil {
		return nil, err
	}

	// Stored ciphertext self-identifies by its provider prefix, so old
	// plaintext payloads pass through unchanged.
	raw, err := io.ReadAll(rc)
	cErr := rc.Close()
	if err != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "attachment read failed", err)
	}
	if cErr != nil {
		return nil, fault.Wrap(fault.KindUnavailable, "attachment read failed", cErr)
	}
	plain, err := e.codec.Decrypt(string(raw))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// DownloadURL signs a direct download link. Refused when body encryption
// is on: the blob holds ciphertext and the caller must stream through
// Open instead.
func (e *Engine) DownloadURL(ctx context.Context, p principal.Principal, id uuid.UUID, ttl time.Duration) (string, error) {
	a, err := e.Get(ctx, p, id)
	if err != nil {
		return "", err
	}
	if a.Status != types.AttachmentStatusReady {
		return "", fault.Newf(fault.KindPreconditionFailed, "attachment %s is not ready", id)
	}
	if e.codec.Enabled() {
		return "", fault.New(fault.KindPreconditionFailed, "encrypted attachments cannot be served by direct URL")
	}
	return e.blobs.SignDownloadURL(ctx, a.StorageKey, ttl)
}

// Delete soft-deletes the row; the eviction task reclaims the blob after
// the retention window.
func (e *Engine) Delete(ctx context.Context, p principal.Principal, id uuid.UUID) error {
	a, err := e.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if !p.Authenticated() || a.UserID != p.User() {
		if err := e.ensureManagerOfEntry(ctx, p, a); err != nil {
			return err
		}
	}
	return e.store.SoftDeleteAttachment(ctx, id)
}

func (e *Engine) ensureVisible(ctx context.Context, p principal.Principal, a *types.Attachment) error {
	if p.Authenticated() && a.UserID == p.User() {
		return nil
	}
	if a.EntryID == nil {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", a.ID)
	}
	entry, err := e.store.GetEntry(ctx, *a.EntryID)
	if err != nil {
		return err
	}
	_, err = e.access.EnsureAccess(ctx, p, entry.ConversationGroupID, types.AccessReader)
	return err
}

func (e *Engine) ensureManagerOfEntry(ctx context.Context, p principal.Principal, a *types.Attachment) error {
	if a.EntryID == nil {
		return fault.Newf(fault.KindNotFound, "attachment %s not found", a.ID)
	}
	entry, err := e.store.GetEntry(ctx, *a.EntryID)
	if err != nil {
		return err
	}
	_, err = e.access.EnsureAccess(ctx, p, entry.ConversationGroupID, types.AccessManager)
	return err
}
