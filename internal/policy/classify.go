package policy

import (
	"regexp"

	"github.com/topicrelay/topicrelay/internal/tg"
)

// Kind is the single content class of an inbound message. Classification
// priority is fixed: forwarded beats audio beats sticker beats media beats
// link beats plain text.
type Kind int

const (
	KindForward Kind = iota
	KindAudio
	KindSticker
	KindMedia
	KindLink
	KindText
)

// switchKey maps a kind to its enabling config switch.
func (k Kind) switchKey() string {
	switch k {
	case KindForward:
		return "enable_forward_forwarding"
	case KindAudio:
		return "enable_audio_forwarding"
	case KindSticker:
		return "enable_sticker_forwarding"
	case KindMedia:
		return "enable_media_forwarding"
	case KindLink:
		return "enable_link_forwarding"
	default:
		return "enable_text_forwarding"
	}
}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://|\bwww\.|\bt\.me/`)

// hasLink reports whether the message carries any URL.
func hasLink(m *tg.Message) bool {
	for _, ents := range [][]tg.MessageEntity{m.Entities, m.CaptionEntities} {
		for _, e := range ents {
			if e.Type == "url" || e.Type == "text_link" {
				return true
			}
		}
	}
	return urlPattern.MatchString(m.TextOrCaption())
}

// Classify assigns exactly one kind to an inbound message.
func Classify(m *tg.Message) Kind {
	switch {
	case m.ForwardOrigin != nil:
		return KindForward
	case m.Audio != nil || m.Voice != nil:
		return KindAudio
	case m.Sticker != nil || m.Animation != nil:
		return KindSticker
	case len(m.Photo) > 0 || m.Video != nil || m.Document != nil:
		return KindMedia
	case hasLink(m):
		return KindLink
	default:
		return KindText
	}
}

// fromChannel reports whether a forwarded message originated in a channel,
// which requires its own switch on top of the forward switch.
func fromChannel(m *tg.Message) bool {
	return m.ForwardOrigin != nil && m.ForwardOrigin.Type == "channel"
}
