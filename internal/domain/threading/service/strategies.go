package service

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vadim/unified-comms/internal/domain/comms/entity"
	"github.com/vadim/unified-comms/internal/domain/comms/normalize"
)

const (
	minQuoteLength = 20
	maxQuoteProbe  = 80
)

// emailReferenceClusters chains emails through Message-ID, In-Reply-To and
// References headers.
func emailReferenceClusters(msgs []entity.Message, convs map[string]entity.Conversation) []cluster {
	uf := newUnionFind(len(msgs))
	headers := make([]normalize.EmailHeaders, len(msgs))
	byHeader := make(map[string]int)

	for i, m := range msgs {
		if !convs[m.ConversationID].ChannelType.IsEmail() {
			continue
		}
		headers[i] = emailHeaders(m)
		if id := headers[i].MessageID; id != "" {
			if _, dup := byHeader[id]; !dup {
				byHeader[id] = i
			}
		}
	}
	for i, h := range headers {
		refs := h.References
		if h.InReplyTo != "" {
			refs = append(refs, h.InReplyTo)
		}
		for _, ref := range refs {
			if j, ok := byHeader[ref]; ok && j != i {
				uf.union(i, j)
			}
		}
	}

	return uf.clusters(msgs, func(root int) string {
		if id := headers[root].MessageID; id != "" {
			return id
		}
		return msgs[root].ID
	})
}

// emailHeaders reads stored headers, re-deriving them from the raw payload
// for messages stored before headers were extracted
func emailHeaders(m entity.Message) normalize.EmailHeaders {
	var h normalize.EmailHeaders
	if v, ok := m.Metadata[entity.MetadataEmailHeaders]; ok {
		if err := fromJSONValue(v, &h); err == nil {
			return h
		}
	}
	raw, ok := m.Metadata[entity.MetadataRawWebhook].(map[string]any)
	if !ok {
		return h
	}
	parsed, err := normalize.ParseEmailMessage(normalize.Payload(raw))
	if err != nil {
		return h
	}
	return parsed.Headers
}

// temporalClusters groups messages of different channels exchanged within
// window of each other.
func temporalClusters(msgs []entity.Message, convs map[string]entity.Conversation, window time.Duration) []cluster {
	order := make([]int, len(msgs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return msgs[order[a]].Timestamp().Before(msgs[order[b]].Timestamp())
	})

	channelOf := func(m entity.Message) string {
		if ct := convs[m.ConversationID].ChannelType; ct != "" {
			return string(ct)
		}
		return m.ChannelID
	}

	var out []cluster
	flush := func(run []int) {
		if len(run) < 2 {
			return
		}
		channels := make(map[string]bool)
		for _, i := range run {
			channels[channelOf(msgs[i])] = true
		}
		if len(channels) < 2 {
			return
		}
		out = append(out, buildCluster(msgs, run, msgs[run[0]].ID))
	}

	var run []int
	for _, i := range order {
		if len(run) > 0 && msgs[i].Timestamp().Sub(msgs[run[len(run)-1]].Timestamp()) > window {
			flush(run)
			run = nil
		}
		run = append(run, i)
	}
	flush(run)
	return out
}

var wroteLine = regexp.MustCompile(`(?im)^on .{4,200} wrote:\s*$`)

// contentReferenceClusters links a message quoting another message's text
func contentReferenceClusters(msgs []entity.Message) []cluster {
	uf := newUnionFind(len(msgs))
	bodies := make([]string, len(msgs))
	for i, m := range msgs {
		bodies[i] = squash(unquoted(m.Content))
	}

	for i, m := range msgs {
		quote := squash(quotedText(m.Content))
		if len(quote) < minQuoteLength {
			continue
		}
		if len(quote) > maxQuoteProbe {
			quote = quote[:maxQuoteProbe]
		}
		for j := range msgs {
			if j == i || len(bodies[j]) < minQuoteLength {
				continue
			}
			if strings.Contains(bodies[j], quote) || strings.Contains(quote, bodies[j]) {
				uf.union(i, j)
			}
		}
	}

	return uf.clusters(msgs, func(root int) string { return msgs[root].ID })
}

// quotedText returns ">"-prefixed lines and anything after an "On ... wrote:" line
func quotedText(content string) string {
	var quoted []string
	if loc := wroteLine.FindStringIndex(content); loc != nil {
		quoted = append(quoted, content[loc[1]:])
		content = content[:loc[0]]
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ">") {
			quoted = append(quoted, strings.TrimLeft(line, "> "))
		}
	}
	text := strings.Join(quoted, " ")
	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		cleaned = append(cleaned, strings.TrimLeft(strings.TrimSpace(line), "> "))
	}
	return strings.Join(cleaned, " ")
}

// unquoted drops quoted material, leaving what the author wrote
func unquoted(content string) string {
	if loc := wroteLine.FindStringIndex(content); loc != nil {
		content = content[:loc[0]]
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), ">") {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, " ")
}

func squash(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|sv|tr|antw|wg)\s*(\[\d+\])?\s*:\s*`)

// NormalizeSubject strips reply and forward prefixes and folds case and spacing
func NormalizeSubject(subject string) string {
	s := subject
	for {
		next := replyPrefix.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	return squash(s)
}

// subjectClusters groups conversations sharing a normalized subject
func subjectClusters(convs []entity.Conversation, msgs []entity.Message) []cluster {
	firstSubject := make(map[string]string)
	msgsByConv := make(map[string][]int)
	for i, m := range msgs {
		msgsByConv[m.ConversationID] = append(msgsByConv[m.ConversationID], i)
		if _, ok := firstSubject[m.ConversationID]; !ok && m.Subject != "" {
			firstSubject[m.ConversationID] = m.Subject
		}
	}

	bySubject := make(map[string][]string)
	for _, c := range convs {
		subject := c.Subject
		if subject == "" {
			subject = firstSubject[c.ID]
		}
		if key := NormalizeSubject(subject); key != "" {
			bySubject[key] = append(bySubject[key], c.ID)
		}
	}

	keys := make([]string, 0, len(bySubject))
	for k, ids := range bySubject {
		if len(ids) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]cluster, 0, len(keys))
	for _, k := range keys {
		c := cluster{key: k, conversationIDs: bySubject[k]}
		for _, cid := range bySubject[k] {
			for _, i := range msgsByConv[cid] {
				c.messageIDs = append(c.messageIDs, msgs[i].ID)
			}
		}
		out = append(out, c)
	}
	return out
}

func buildCluster(msgs []entity.Message, members []int, key string) cluster {
	c := cluster{key: key}
	seen := make(map[string]bool)
	for _, i := range members {
		c.messageIDs = append(c.messageIDs, msgs[i].ID)
		if cid := msgs[i].ConversationID; !seen[cid] {
			seen[cid] = true
			c.conversationIDs = append(c.conversationIDs, cid)
		}
	}
	return c
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the lower index as root so the earliest message names the set
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// clusters returns sets of two or more messages, keyed by their root
func (u *unionFind) clusters(msgs []entity.Message, key func(root int) string) []cluster {
	members := make(map[int][]int)
	var roots []int
	for i := range msgs {
		r := u.find(i)
		if _, ok := members[r]; !ok {
			roots = append(roots, r)
		}
		members[r] = append(members[r], i)
	}

	var out []cluster
	for _, r := range roots {
		if len(members[r]) < 2 {
			continue
		}
		out = append(out, buildCluster(msgs, members[r], key(r)))
	}
	return out
}
