package mailparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMbox = `From alice@example.org Mon Jan  6 10:00:00 2025
From: Alice <alice@example.org>
To: wg@lists.example.org
Subject: [wg] Draft review
Message-ID: <a@x>
Date: Mon, 06 Jan 2025 10:00:00 +0000

Please review the attached draft.
>From my side it looks ready.

From bob@example.org Mon Jan  6 11:00:00 2025
From: Bob <bob@example.org>
To: wg@lists.example.org
Cc: Alice <alice@example.org>
Subject: Re: [wg] Draft review
Message-ID: <b@y>
In-Reply-To: <a@x>
References: <a@x>
Date: Mon, 06 Jan 2025 11:00:00 +0000

Looks good to me.
`

// TestDecomposeMbox tests splitting and header extraction on a two-message
// archive.
func TestDecomposeMbox(t *testing.T) {
	d := NewMboxDecomposer()
	messages, errs := d.Decompose([]byte(sampleMbox))
	require.Empty(t, errs)
	require.Len(t, messages, 2)

	first := messages[0]
	assert.Equal(t, "<a@x>", first.MessageID)
	assert.Equal(t, "[wg] Draft review", first.Subject)
	assert.Empty(t, first.InReplyTo)
	assert.Equal(t, []string{"alice@example.org", "wg@lists.example.org"}, first.Participants)
	// ">From" quoting is unescaped in the body.
	assert.Contains(t, first.Body, "From my side it looks ready.")
	assert.Equal(t, 2025, first.Date.Year())

	second := messages[1]
	assert.Equal(t, "<b@y>", second.MessageID)
	assert.Equal(t, "<a@x>", second.InReplyTo)
	assert.Equal(t, []string{"<a@x>"}, second.References)
	assert.Contains(t, second.Participants, "alice@example.org")
	assert.Contains(t, second.Participants, "bob@example.org")
}

// TestDecomposeEmptyArchive tests that an empty file yields no messages
// and no errors.
func TestDecomposeEmptyArchive(t *testing.T) {
	d := NewMboxDecomposer()
	messages, errs := d.Decompose(nil)
	assert.Empty(t, messages)
	assert.Empty(t, errs)
}

// TestDecomposeMissingMessageID tests that a message without Message-ID is
// a per-message error and parsing continues.
func TestDecomposeMissingMessageID(t *testing.T) {
	mbox := `From x@example.org Mon Jan  6 10:00:00 2025
From: x@example.org
Subject: no id

body

From y@example.org Mon Jan  6 11:00:00 2025
From: y@example.org
Message-ID: <ok@z>
Subject: has id

body
`
	d := NewMboxDecomposer()
	messages, errs := d.Decompose([]byte(mbox))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "Message-ID")
	require.Len(t, messages, 1)
	assert.Equal(t, "<ok@z>", messages[0].MessageID)
}

// TestThreadRoot tests root resolution precedence.
func TestThreadRoot(t *testing.T) {
	tests := []struct {
		name string
		msg  ParsedMessage
		want string
	}{
		{
			name: "references win",
			msg:  ParsedMessage{MessageID: "<c@z>", InReplyTo: "<b@y>", References: []string{"<a@x>", "<b@y>"}},
			want: "<a@x>",
		},
		{
			name: "in-reply-to fallback",
			msg:  ParsedMessage{MessageID: "<b@y>", InReplyTo: "<a@x>"},
			want: "<a@x>",
		},
		{
			name: "self roots a new thread",
			msg:  ParsedMessage{MessageID: "<a@x>"},
			want: "<a@x>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ThreadRoot(tt.msg))
		})
	}
}
