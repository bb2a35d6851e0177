package irc

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/lrstanley/girc"
)

const (
	capMultiline       = "draft/multiline"
	tagMultilineConcat = "draft/multiline-concat"
	tagBatch           = "batch"
	tagMsgID           = "msgid"
	cmdBATCH           = "BATCH"

	// maxLineBytes leaves room for tags, command and target within the
	// 512-byte IRC line.
	maxLineBytes = 400
)

// multilineLimits are the server-advertised draft/multiline limits.
// Zero means unknown.
type multilineLimits struct {
	maxBytes int
	maxLines int
}

// parseMultilineLimits reads "max-bytes=4096,max-lines=24".
func parseMultilineLimits(value string) multilineLimits {
	var l multilineLimits
	for _, token := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		switch k {
		case "max-bytes":
			l.maxBytes, _ = strconv.Atoi(v)
		case "max-lines":
			l.maxLines, _ = strconv.Atoi(v)
		}
	}
	return l
}

// multilineFromCapList finds draft/multiline in a CAP LS/ACK/NEW list.
func multilineFromCapList(caps string) (multilineLimits, bool) {
	for _, part := range strings.Fields(caps) {
		name, value, hasValue := strings.Cut(part, "=")
		if name != capMultiline {
			continue
		}
		if !hasValue {
			return multilineLimits{}, true
		}
		return parseMultilineLimits(value), true
	}
	return multilineLimits{}, false
}

// plainLines splits a body into PRIVMSG-sized lines. IRC has no embedded
// newlines, so every line of the body becomes at least one message; blank
// lines are kept so listings keep their shape.
func plainLines(body string, maxLen int) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			out = append(out, " ")
			continue
		}
		for len(line) > maxLen {
			cut := runeCut(line, maxLen)
			out = append(out, line[:cut])
			line = line[cut:]
		}
		out = append(out, line)
	}
	return out
}

// multilineEvents plans the BATCH blocks that carry body to target,
// honouring the server's line and byte limits. Lines over maxLineBytes are
// split with the concat tag so the receiver rejoins them.
func multilineEvents(target, body string, limits multilineLimits, newID func() string) []*girc.Event {
	var (
		out   []*girc.Event
		chunk []string
		size  int
	)
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		id := newID()
		out = append(out, &girc.Event{Command: cmdBATCH, Params: []string{"+" + id, capMultiline, target}})
		for _, line := range chunk {
			out = append(out, batchLine(id, target, line)...)
		}
		out = append(out, &girc.Event{Command: cmdBATCH, Params: []string{"-" + id}})
		chunk, size = nil, 0
	}

	for _, line := range strings.Split(body, "\n") {
		n := len(line)
		if len(chunk) > 0 {
			n++
			full := limits.maxLines > 0 && len(chunk) >= limits.maxLines
			over := limits.maxBytes > 0 && size+n > limits.maxBytes
			if full || over {
				flush()
				n = len(line)
			}
		}
		chunk = append(chunk, line)
		size += n
	}
	flush()
	return out
}

func batchLine(id, target, line string) []*girc.Event {
	if len(line) <= maxLineBytes {
		return []*girc.Event{{
			Command: girc.PRIVMSG,
			Params:  []string{target, line},
			Tags:    girc.Tags{tagBatch: id},
		}}
	}

	var out []*girc.Event
	for len(line) > 0 {
		end := runeCut(line, maxLineBytes)
		chunk := line[:end]
		line = line[end:]

		tags := girc.Tags{tagBatch: id}
		if len(line) > 0 {
			tags[tagMultilineConcat] = ""
		}
		out = append(out, &girc.Event{Command: girc.PRIVMSG, Params: []string{target, chunk}, Tags: tags})
	}
	return out
}

// runeCut returns the largest cut point of at most n bytes that does not
// split a UTF-8 sequence. A leading rune longer than n is kept whole.
func runeCut(s string, n int) int {
	if len(s) <= n {
		return len(s)
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

func newBatchID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// batchPart is one received line of an inbound batch.
type batchPart struct {
	text   string
	concat bool
}

type openBatch struct {
	target string
	source *girc.Source
	parts  []batchPart
}

// batchAssembler reassembles inbound draft/multiline batches into single
// messages.
type batchAssembler struct {
	mu   sync.Mutex
	open map[string]*openBatch
}

func newBatchAssembler() *batchAssembler {
	return &batchAssembler{open: make(map[string]*openBatch)}
}

// begin handles "BATCH +id type target". Batches of other types are ignored.
func (a *batchAssembler) begin(e girc.Event) bool {
	if len(e.Params) < 2 || len(e.Params[0]) < 2 || e.Params[0][0] != '+' || e.Params[1] != capMultiline {
		return false
	}
	b := &openBatch{source: e.Source}
	if len(e.Params) >= 3 {
		b.target = e.Params[2]
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open[e.Params[0][1:]] = b
	return true
}

// add buffers a PRIVMSG that belongs to an open batch. It reports false
// when the event is not part of one.
func (a *batchAssembler) add(e girc.Event) bool {
	id, ok := e.Tags.Get(tagBatch)
	if !ok || id == "" {
		return false
	}
	_, concat := e.Tags[tagMultilineConcat]

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.open[id]
	if !ok {
		return false
	}
	b.parts = append(b.parts, batchPart{text: e.Last(), concat: concat})
	return true
}

// end handles "BATCH -id" and returns the assembled message.
func (a *batchAssembler) end(e girc.Event) (target string, source *girc.Source, body string, ok bool) {
	if len(e.Params) < 1 || len(e.Params[0]) < 2 || e.Params[0][0] != '-' {
		return "", nil, "", false
	}
	id := e.Params[0][1:]

	a.mu.Lock()
	b, found := a.open[id]
	delete(a.open, id)
	a.mu.Unlock()
	if !found {
		return "", nil, "", false
	}

	var sb strings.Builder
	for i, p := range b.parts {
		if i > 0 && !p.concat {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.text)
	}
	return b.target, b.source, sb.String(), true
}

// reset drops every open batch; used when the connection goes away.
func (a *batchAssembler) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.open)
}
