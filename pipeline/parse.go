package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/blobstore"
	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/docstore"
	"copilot.mailarchive.org/events"
	"copilot.mailarchive.org/mailparse"
	"copilot.mailarchive.org/model"
)

// Parser consumes archive.ingested: it fetches the archive bytes,
// decomposes them into messages, inserts message and thread documents and
// publishes json.parsed once per newly inserted message. Duplicate
// messages are counted and not re-published. When the archive is fully
// drained its row moves to completed, with the message count recorded —
// an empty archive completes with message_count 0 and zero events.
type Parser struct {
	deps       Deps
	blobs      blobstore.Store
	decomposer mailparse.Decomposer
}

// NewParser creates the parse stage.
func NewParser(deps Deps, blobs blobstore.Store, decomposer mailparse.Decomposer) *Parser {
	deps.collector()
	if decomposer == nil {
		decomposer = mailparse.NewMboxDecomposer()
	}
	return &Parser{deps: deps, blobs: blobs, decomposer: decomposer}
}

// Handle is the bus handler for archive.ingested.
func (p *Parser) Handle(ctx context.Context, event events.Envelope) error {
	var payload events.ArchiveIngested
	if err := event.DataAs(&payload); err != nil {
		return common.Permanent("decode archive.ingested", err)
	}
	if payload.ArchiveID == "" {
		return common.Permanent("decode archive.ingested", fmt.Errorf("missing archive_id"))
	}

	if _, err := docstore.MarkProcessing(ctx, p.deps.Store, model.CollectionArchives, payload.ArchiveID); err != nil {
		// A missing archive row is a poison payload, not stage data.
		return fmt.Errorf("archive %s: %w", payload.ArchiveID, err)
	}

	data, err := p.blobs.Get(ctx, payload.StorageID)
	if err != nil {
		if common.IsTransient(err) {
			return err
		}
		p.failArchive(ctx, payload.ArchiveID, fmt.Errorf("fetch archive bytes: %w", err))
		return nil
	}

	messages, parseErrs := p.decomposer.Decompose(data)
	for _, parseErr := range parseErrs {
		p.deps.collector().Increment("parsing_failures_total",
			map[string]string{"archive_id": payload.ArchiveID})
		log.WithError(parseErr).WithField("archive_id", payload.ArchiveID).
			Warn("Skipping unparseable message")
	}

	var newMessages []events.JSONParsed
	for _, msg := range messages {
		parsed, inserted, err := p.storeMessage(ctx, payload.ArchiveID, msg)
		if err != nil {
			p.failArchive(ctx, payload.ArchiveID, err)
			return nil
		}
		if inserted {
			newMessages = append(newMessages, parsed)
		} else {
			p.deps.collector().Increment("messages_skipped_total",
				map[string]string{"reason": "duplicate"})
		}
	}

	if _, err := p.deps.Store.Update(ctx, model.CollectionArchives, payload.ArchiveID, map[string]interface{}{
		"message_count":   len(messages),
		model.FieldStatus: string(model.StatusCompleted),
	}); err != nil {
		p.failArchive(ctx, payload.ArchiveID, fmt.Errorf("complete archive: %w", err))
		return nil
	}

	// Events go out after the archive is persisted as completed, so a
	// consumer never sees json.parsed for documents that do not exist.
	for _, parsed := range newMessages {
		if err := p.deps.publish(ctx, events.TypeJSONParsed, parsed); err != nil {
			p.failArchive(ctx, payload.ArchiveID, err)
			return nil
		}
	}

	log.WithFields(log.Fields{
		"archive_id": payload.ArchiveID,
		"messages":   len(messages),
		"new":        len(newMessages),
		"skipped":    len(messages) - len(newMessages),
	}).Info("Archive parsed")
	return nil
}

// storeMessage inserts one message and its thread linkage. Returns the
// json.parsed payload and whether the message was newly inserted.
func (p *Parser) storeMessage(ctx context.Context, archiveID string, msg mailparse.ParsedMessage) (events.JSONParsed, bool, error) {
	key := docstore.MessageKey(archiveID, msg.MessageID)
	rootKey := docstore.MessageKey(archiveID, mailparse.ThreadRoot(msg))
	threadKey := docstore.ThreadKey(rootKey)

	if _, err := p.deps.Store.Get(ctx, model.CollectionMessages, key); err == nil {
		return events.JSONParsed{}, false, nil
	}

	now := nowUTC()
	doc, err := model.ToDoc(model.Message{
		ArchiveID:    archiveID,
		ThreadID:     threadKey,
		RFC822ID:     msg.MessageID,
		InReplyTo:    msg.InReplyTo,
		References:   msg.References,
		Subject:      msg.Subject,
		Date:         msg.Date,
		Participants: msg.Participants,
		Body:         msg.Body,
		Status:       model.StatusPending,
		LastUpdated:  now,
	})
	if err != nil {
		return events.JSONParsed{}, false, err
	}
	if _, err := p.deps.Store.Insert(ctx, model.CollectionMessages, doc); err != nil {
		return events.JSONParsed{}, false, fmt.Errorf("insert message %s: %w", key, err)
	}

	if err := p.upsertThread(ctx, archiveID, threadKey, rootKey, msg); err != nil {
		return events.JSONParsed{}, false, err
	}

	return events.JSONParsed{
		ArchiveID: archiveID,
		MessageID: key,
		ThreadID:  threadKey,
		ParsedAt:  now,
	}, true, nil
}

// upsertThread creates the thread document on first sight of its root and
// merges participants and message count on every following message.
func (p *Parser) upsertThread(ctx context.Context, archiveID, threadKey, rootKey string, msg mailparse.ParsedMessage) error {
	existing, err := p.deps.Store.Get(ctx, model.CollectionThreads, threadKey)
	if err != nil {
		now := nowUTC()
		doc, docErr := model.ToDoc(model.Thread{
			ArchiveID:     archiveID,
			RootMessageID: rootKey,
			Subject:       msg.Subject,
			Participants:  msg.Participants,
			MessageCount:  1,
			Status:        model.StatusPending,
			LastUpdated:   now,
		})
		if docErr != nil {
			return docErr
		}
		if _, err := p.deps.Store.Insert(ctx, model.CollectionThreads, doc); err != nil {
			return fmt.Errorf("insert thread %s: %w", threadKey, err)
		}
		return nil
	}

	participants := mergeParticipants(stringsField(existing, "participants"), msg.Participants)
	if _, err := p.deps.Store.Update(ctx, model.CollectionThreads, threadKey, map[string]interface{}{
		"participants":  participants,
		"message_count": intField(existing, "message_count") + 1,
	}); err != nil {
		return fmt.Errorf("update thread %s: %w", threadKey, err)
	}
	return nil
}

// mergeParticipants unions two participant lists preserving first-seen
// order.
func mergeParticipants(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, p := range existing {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range incoming {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// failArchive applies the attributable-failure protocol for the archive.
func (p *Parser) failArchive(ctx context.Context, archiveID string, cause error) {
	log.WithError(cause).WithField("archive_id", archiveID).Error("Archive parsing failed")
	payload := events.ParsingFailed{
		ArchiveID:    archiveID,
		Error:        cause.Error(),
		AttemptCount: p.deps.attemptCount(ctx, model.CollectionArchives, archiveID),
	}
	p.deps.markFailedAndPublish(ctx, model.CollectionArchives, archiveID,
		events.TypeParsingFailed, payload)
}
