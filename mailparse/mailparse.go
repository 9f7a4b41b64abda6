// Package mailparse decomposes raw mbox archive bytes into messages.
//
// The Decomposer interface keeps full RFC-5322 parsing outside the
// pipeline core; the included mbox implementation splits on "From " lines
// and reads headers with net/mail, which covers mailing-list archives well
// enough for the pipeline's thread linkage. A richer parser can be swapped
// in behind the same interface.
package mailparse

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ParsedMessage is one message decomposed from an archive, with the
// fields the parse stage persists. MessageID is the raw RFC-822
// Message-ID header including angle brackets; key normalization happens
// at the store boundary.
type ParsedMessage struct {
	MessageID    string
	InReplyTo    string
	References   []string
	Subject      string
	Date         time.Time
	Participants []string
	Body         string
}

// Decomposer splits raw archive bytes into messages. Messages that cannot
// be parsed are returned in the error slice, one entry per failed message;
// the caller counts them and continues. A nil message slice with no errors
// means the archive was empty.
type Decomposer interface {
	Decompose(data []byte) ([]ParsedMessage, []error)
}

// MboxDecomposer splits standard mbox files: messages are separated by
// lines starting with "From " at the top level, and ">From " quoting is
// unescaped in bodies.
type MboxDecomposer struct{}

// NewMboxDecomposer creates the default mbox decomposer.
func NewMboxDecomposer() *MboxDecomposer {
	return &MboxDecomposer{}
}

// Decompose splits the archive into messages. A message without a
// Message-ID header is a per-message error, not an archive failure.
func (d *MboxDecomposer) Decompose(data []byte) ([]ParsedMessage, []error) {
	raws := splitMbox(data)

	var messages []ParsedMessage
	var errs []error
	for i, raw := range raws {
		msg, err := parseMessage(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, errs
}

// splitMbox cuts the file at "From " separator lines. The separator line
// itself is dropped; ">From" quoting is unescaped.
func splitMbox(data []byte) [][]byte {
	var raws [][]byte
	var current bytes.Buffer
	started := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") {
			if started && current.Len() > 0 {
				raws = append(raws, append([]byte(nil), current.Bytes()...))
				current.Reset()
			}
			started = true
			continue
		}
		if !started {
			// Leading garbage before the first separator is skipped.
			continue
		}
		if strings.HasPrefix(line, ">From") {
			line = line[1:]
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if started && strings.TrimSpace(current.String()) != "" {
		raws = append(raws, current.Bytes())
	}
	return raws
}

// parseMessage reads one raw RFC-5322 message.
func parseMessage(raw []byte) (ParsedMessage, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ParsedMessage{}, fmt.Errorf("read message: %w", err)
	}

	messageID := strings.TrimSpace(m.Header.Get("Message-Id"))
	if messageID == "" {
		return ParsedMessage{}, fmt.Errorf("missing Message-ID header")
	}

	msg := ParsedMessage{
		MessageID:  messageID,
		InReplyTo:  strings.TrimSpace(m.Header.Get("In-Reply-To")),
		References: splitReferences(m.Header.Get("References")),
		Subject:    strings.TrimSpace(m.Header.Get("Subject")),
	}

	if date, err := m.Header.Date(); err == nil {
		msg.Date = date.UTC()
	}

	msg.Participants = participants(m.Header)

	var body bytes.Buffer
	if _, err := body.ReadFrom(m.Body); err != nil {
		return ParsedMessage{}, fmt.Errorf("read body: %w", err)
	}
	msg.Body = strings.TrimSpace(body.String())
	return msg, nil
}

// splitReferences tokenizes the References header into message ids.
func splitReferences(header string) []string {
	var refs []string
	for _, ref := range strings.Fields(header) {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// participants collects the addresses on From, To and Cc, lowercased and
// deduplicated, in header order.
func participants(header mail.Header) []string {
	seen := map[string]bool{}
	var out []string
	for _, field := range []string{"From", "To", "Cc"} {
		addrs, err := header.AddressList(field)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			a := strings.ToLower(addr.Address)
			if a != "" && !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// ThreadRoot resolves which message id a message's thread hangs off: the
// first References entry when present, else In-Reply-To, else the message
// itself (it roots a new thread).
func ThreadRoot(msg ParsedMessage) string {
	if len(msg.References) > 0 {
		return msg.References[0]
	}
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	return msg.MessageID
}
