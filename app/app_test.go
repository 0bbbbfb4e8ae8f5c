package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zibrolabs/zibro/storage/convdb"
)

func TestFormatMessageNames(t *testing.T) {
	a := App{contacts: map[string]string{"u2": "Alice"}}

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	own := convdb.Message{SenderID: "u1", Text: "hi", Timestamp: at, IsOwn: true}
	assert.True(t, strings.HasPrefix(a.formatMessage(own), "You ["))

	theirs := convdb.Message{SenderID: "u2", Text: "yo", Timestamp: at}
	assert.True(t, strings.HasPrefix(a.formatMessage(theirs), "Alice ["),
		"a known sender renders under their display name")

	unknown := convdb.Message{SenderID: "u9", Text: "hm", Timestamp: at}
	assert.True(t, strings.HasPrefix(a.formatMessage(unknown), "u9 ["))
}
