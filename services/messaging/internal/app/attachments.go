package app

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"motochat/pkg/domain"
	"motochat/services/messaging/internal/policy"
)

var allowedAttachmentTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"image/gif":       {},
	"application/pdf": {},
	"text/plain":      {},
}

// UploadInput is an attachment upload from a client.
type UploadInput struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

func attachmentPrefix(conversationID string) string {
	return "conversations/" + conversationID + "/"
}

// UploadAttachment stores a file for a later image or file message in the
// same conversation.
func (a *App) UploadAttachment(ctx context.Context, p domain.Principal, conversationID string, in UploadInput) (domain.Attachment, error) {
	if a.objects == nil {
		return domain.Attachment{}, invalid("attachments are disabled")
	}
	conv, err := a.loadConversation(ctx, p, conversationID, policy.ActionUpload)
	if err != nil {
		return domain.Attachment{}, err
	}
	if conv.Status != domain.ConversationActive {
		return domain.Attachment{}, invalid("conversation is %s", conv.Status)
	}
	if in.Body == nil || in.Size <= 0 {
		return domain.Attachment{}, invalid("file required")
	}
	if in.Size > a.maxAttachmentBytes {
		return domain.Attachment{}, invalid("file exceeds %d bytes", a.maxAttachmentBytes)
	}
	contentType, _, err := mime.ParseMediaType(in.ContentType)
	if err != nil {
		return domain.Attachment{}, invalid("invalid content type")
	}
	if _, ok := allowedAttachmentTypes[contentType]; !ok {
		return domain.Attachment{}, invalid("content type %s is not allowed", contentType)
	}
	name := sanitizeFileName(in.Name)
	key := attachmentPrefix(conv.ID) + uuid.NewString() + "/" + name

	body := io.LimitReader(in.Body, in.Size)
	if err := a.objects.Put(ctx, key, body, in.Size, contentType); err != nil {
		return domain.Attachment{}, a.internal(ctx, "store attachment", err)
	}
	attachment := domain.Attachment{Key: key, Name: name, ContentType: contentType, Size: in.Size}
	if url, err := a.objects.PresignGet(ctx, key, a.attachmentURLTTL); err == nil {
		attachment.URL = url
	}
	return attachment, nil
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == '"' || r == '/' || r == '?' || r == '#' || r == '%':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	if runes := []rune(name); len(runes) > 200 {
		name = string(runes[len(runes)-200:])
	}
	return name
}
