package tgutil

import (
	"github.com/gotd/td/tg"
)

// SentMessageID extracts the server-assigned ID of a just-sent message from
// the updates the send call returned. The shape depends on the peer type.
func SentMessageID(u tg.UpdatesClass) (int, bool) {
	switch u := u.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID, true
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch upd := upd.(type) {
			case *tg.UpdateMessageID:
				return upd.ID, true
			case *tg.UpdateNewMessage:
				if m, ok := upd.Message.(*tg.Message); ok {
					return m.ID, true
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := upd.Message.(*tg.Message); ok {
					return m.ID, true
				}
			}
		}
	}
	return 0, false
}
