package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/acontext-io/acontext/internal/events"
	"github.com/acontext-io/acontext/internal/events/bus"
	"github.com/acontext-io/acontext/internal/server/httperr"
	"github.com/acontext-io/acontext/internal/session"
	"github.com/acontext-io/acontext/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200

	// Text payloads at or below this size are stored inline on the message;
	// everything else goes to the object store.
	inlineFileLimit = 8 << 10
)

// postMessage accepts one message in any supported wire format, persists the
// native representation, publishes the new-message event, and returns the
// message id without waiting for the agent.
func (s *Server) postMessage(c *gin.Context) {
	sess := s.loadSession(c)
	if sess == nil {
		return
	}
	codec, err := session.CodecFor(c.Query("format"))
	if err != nil {
		httperr.BadRequest(c, "unknown format", err)
		return
	}

	var decoded *session.Decoded
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		decoded, err = s.decodeMultipart(c, codec)
	} else {
		decoded, err = decodeJSONBody(c, codec)
	}
	if err != nil {
		httperr.BadRequest(c, "invalid message", err)
		return
	}

	raw, err := session.EncodeParts(decoded.Parts)
	if err != nil {
		httperr.Internal(c, err)
		return
	}
	msg := &store.Message{SessionID: sess.ID, Role: decoded.Role, Parts: raw}
	if err := s.store.Q().CreateMessage(c.Request.Context(), msg); err != nil {
		httperr.Internal(c, err)
		return
	}

	event, err := bus.NewEvent(events.TypeNewMessage, serverName, &events.MessageBody{
		ProjectID: sess.ProjectID,
		SessionID: sess.ID,
		MessageID: msg.ID,
	})
	if err != nil {
		httperr.Internal(c, err)
		return
	}
	if err := s.bus.Publish(c.Request.Context(), events.SubjectNewMessage, event); err != nil {
		// The message is persisted; a later message or a manual flush will
		// pick it up. Surface the failure anyway.
		httperr.Internal(c, err)
		return
	}
	httperr.Created(c, gin.H{"message_id": msg.ID})
}

func decodeJSONBody(c *gin.Context, codec session.Codec) (*session.Decoded, error) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	return codec.Decode(raw)
}

// decodeMultipart handles the file-bearing variant: the message JSON travels
// in the `blob` form field and each file part's content in `file_0`, `file_1`,
// ... in order. Files append to the decoded parts as file parts.
func (s *Server) decodeMultipart(c *gin.Context, codec session.Codec) (*session.Decoded, error) {
	blob := c.PostForm("blob")
	if blob == "" {
		return nil, fmt.Errorf("multipart message missing blob field")
	}
	decoded, err := codec.Decode(json.RawMessage(blob))
	if err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		fh, err := c.FormFile(fmt.Sprintf("file_%d", i))
		if err != nil {
			break
		}
		part, err := s.storeFile(c, fh)
		if err != nil {
			return nil, err
		}
		decoded.Parts = append(decoded.Parts, session.Part{Type: session.PartFile, File: part})
	}
	return decoded, nil
}

func (s *Server) storeFile(c *gin.Context, fh *multipart.FileHeader) (*session.FilePart, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	mime := fh.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	part := &session.FilePart{
		Filename:  fh.Filename,
		MIME:      mime,
		SizeBytes: int64(len(data)),
	}
	if strings.HasPrefix(mime, "text/") && len(data) <= inlineFileLimit {
		sum := sha256.Sum256(data)
		part.SHA256 = hex.EncodeToString(sum[:])
		part.InlineText = string(data)
		return part, nil
	}
	result, err := s.blob.Upload(c.Request.Context(), data, mime)
	if err != nil {
		return nil, err
	}
	part.SHA256 = result.SHA256
	part.BlobKey = result.Key
	return part, nil
}

type messageItem struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
	Message   json.RawMessage `json:"message"`
}

// listMessages reads a session page in the requested format, optionally
// running edit strategies over the page before encoding.
func (s *Server) listMessages(c *gin.Context) {
	sess := s.loadSession(c)
	if sess == nil {
		return
	}
	codec, err := session.CodecFor(c.Query("format"))
	if err != nil {
		httperr.BadRequest(c, "unknown format", err)
		return
	}

	limit := defaultPageLimit
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			httperr.BadRequest(c, "limit must be a positive integer", nil)
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}
	var cursor int64
	if v := c.Query("cursor"); v != "" {
		cursor, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			httperr.BadRequest(c, "invalid cursor", nil)
			return
		}
	}

	var strategies []session.EditStrategy
	if v := c.Query("edit_strategies"); v != "" {
		if err := json.Unmarshal([]byte(v), &strategies); err != nil {
			httperr.BadRequest(c, "invalid edit_strategies", err)
			return
		}
	}

	msgs, hasMore, err := s.store.RO().ListMessages(c.Request.Context(), sess.ID, limit, cursor)
	if err != nil {
		httperr.Internal(c, err)
		return
	}

	views := make([]*session.View, 0, len(msgs))
	for _, m := range msgs {
		parts, err := session.ParseParts(m.Parts)
		if err != nil {
			httperr.Internal(c, err)
			return
		}
		views = append(views, &session.View{
			ID: m.ID, Role: m.Role, Parts: parts, Seq: m.Seq, CreatedAt: m.CreatedAt,
		})
	}
	if len(strategies) > 0 {
		views, err = session.ApplyEditStrategies(views, strategies)
		if err != nil {
			httperr.BadRequest(c, "edit strategy failed", err)
			return
		}
	}

	items := make([]messageItem, 0, len(views))
	var nextCursor int64
	for _, v := range views {
		wire, err := codec.Encode(v.Role, v.Parts)
		if err != nil {
			httperr.Internal(c, err)
			return
		}
		items = append(items, messageItem{ID: v.ID, Seq: v.Seq, CreatedAt: v.CreatedAt, Message: wire})
	}
	if hasMore && len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].Seq
	}
	httperr.OK(c, gin.H{
		"messages":    items,
		"has_more":    hasMore,
		"next_cursor": nextCursor,
	})
}
