// Package irc implements the Twitch chat session: a websocket-framed IRC
// connection with IRCv3 tag parsing, a keep-alive probe, and an explicit
// connection state machine. One Client manages exactly one channel session.
package irc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame is one parsed protocol line: @tags :prefix COMMAND params.
type Frame struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string // trailing parameter, if any, is last
}

// Message is the normalized domain form of one received chat message.
// Immutable once constructed; ownership passes to the event consumer.
type Message struct {
	ID          string
	Channel     string
	Sender      string // login name
	DisplayName string
	Body        string
	Color       string
	Badges      map[string]string // badge name -> version
	Emotes      []Emote
	Mod         bool
	Subscriber  bool
	Turbo       bool
	At          time.Time
}

// Emote is one emote reference inside a message body.
type Emote struct {
	ID   string
	Name string
}

// ControlKind tags a non-message frame that updates connection state.
type ControlKind string

const (
	ControlJoin      ControlKind = "join"
	ControlPart      ControlKind = "part"
	ControlNotice    ControlKind = "notice"
	ControlClearChat ControlKind = "clearchat"
)

// Control is a parsed join/part/notice/clear frame.
type Control struct {
	Kind    ControlKind
	Channel string
	User    string
	Text    string
}

// parseFrame splits one IRC line into its frame parts. It returns an error
// for structurally broken lines; callers log and drop those.
func parseFrame(line string) (*Frame, error) {
	f := &Frame{}
	rest := line

	if strings.HasPrefix(rest, "@") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("irc: tags without command: %q", line)
		}
		f.Tags = parseTags(rest[1:sp])
		rest = rest[sp+1:]
	}
	if strings.HasPrefix(rest, ":") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("irc: prefix without command: %q", line)
		}
		f.Prefix = rest[1:sp]
		rest = rest[sp+1:]
	}

	var trailing string
	hasTrailing := false
	if i := strings.Index(rest, " :"); i >= 0 {
		trailing = rest[i+2:]
		rest = rest[:i]
		hasTrailing = true
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, fmt.Errorf("irc: missing command: %q", line)
	}
	f.Command = strings.ToUpper(fields[0])
	f.Params = fields[1:]
	if hasTrailing {
		f.Params = append(f.Params, trailing)
	}
	return f, nil
}

// parseTags decodes the IRCv3 tag segment, applying the escape rules from the
// message-tags spec.
func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

func unescapeTag(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			if v[i] != '\\' {
				b.WriteByte(v[i])
			}
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// prefixNick extracts the nick from a nick!user@host prefix.
func prefixNick(prefix string) string {
	if i := strings.IndexByte(prefix, '!'); i >= 0 {
		return prefix[:i]
	}
	return prefix
}

// channelName strips the leading # from a channel parameter.
func channelName(param string) string {
	return strings.TrimPrefix(param, "#")
}

// newMessage builds a Message from a PRIVMSG frame.
func newMessage(f *Frame) (*Message, error) {
	if len(f.Params) < 2 {
		return nil, fmt.Errorf("irc: PRIVMSG with %d params", len(f.Params))
	}
	m := &Message{
		Channel: channelName(f.Params[0]),
		Sender:  prefixNick(f.Prefix),
		Body:    f.Params[len(f.Params)-1],
		At:      time.Now().UTC(),
	}
	if f.Tags == nil {
		return m, nil
	}
	m.ID = f.Tags["id"]
	m.DisplayName = f.Tags["display-name"]
	if m.DisplayName == "" {
		m.DisplayName = m.Sender
	}
	m.Color = f.Tags["color"]
	m.Mod = f.Tags["mod"] == "1"
	m.Subscriber = f.Tags["subscriber"] == "1"
	m.Turbo = f.Tags["turbo"] == "1"
	if ts := f.Tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			m.At = time.UnixMilli(ms).UTC()
		}
	}
	if badges := f.Tags["badges"]; badges != "" {
		m.Badges = make(map[string]string)
		for _, b := range strings.Split(badges, ",") {
			name, version, _ := strings.Cut(b, "/")
			if name != "" {
				m.Badges[name] = version
			}
		}
	}
	m.Emotes = parseEmotes(f.Tags["emotes"], m.Body)
	return m, nil
}

// parseEmotes decodes the emotes tag ("id:start-end,start-end/id:...")
// resolving names from the message body. Out-of-range positions are skipped
// rather than rejected; Twitch indexes by unicode code point.
func parseEmotes(tag, body string) []Emote {
	if tag == "" {
		return nil
	}
	runes := []rune(body)
	var out []Emote
	for _, group := range strings.Split(tag, "/") {
		id, ranges, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		first, _, _ := strings.Cut(ranges, ",")
		from, to, ok := strings.Cut(first, "-")
		if !ok {
			continue
		}
		start, err1 := strconv.Atoi(from)
		end, err2 := strconv.Atoi(to)
		if err1 != nil || err2 != nil || start < 0 || end >= len(runes) || start > end {
			continue
		}
		out = append(out, Emote{ID: id, Name: string(runes[start : end+1])})
	}
	return out
}
