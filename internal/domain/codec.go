package domain

import "time"

// Field keys as stored in backend documents.
const (
	FieldSenderID    = "senderId"
	FieldText        = "text"
	FieldImageURL    = "imageUrl"
	FieldTimestamp   = "timestamp"
	FieldDeliveredTo = "deliveredTo"
	FieldSeenBy      = "seenBy"
	FieldTitle       = "title"
	FieldCreatedAt   = "createdAt"
	FieldPinned      = "pinned"
	FieldLastRead    = "lastReadTimestamp"
	FieldMuted       = "muted"
	FieldTyping      = "typing"
)

// MessageFromDoc decodes a raw message document. Unknown or missing fields
// decode to zero values; a missing timestamp stays zero and the view layer
// substitutes render time, matching how absent server timestamps behave on
// a snapshot that arrives before the commit clock resolves.
func MessageFromDoc(roomID string, d Doc) Message {
	return Message{
		ID:          d.ID,
		RoomID:      roomID,
		SenderID:    stringField(d.Fields, FieldSenderID),
		Text:        stringField(d.Fields, FieldText),
		ImageURL:    stringField(d.Fields, FieldImageURL),
		CreatedAt:   timeField(d.Fields, FieldTimestamp),
		DeliveredTo: stringsField(d.Fields, FieldDeliveredTo),
		SeenBy:      stringsField(d.Fields, FieldSeenBy),
	}
}

// NewMessageFields builds the field set for an outgoing message. The sender
// is seeded into deliveredTo: the author's own client trivially holds the
// content. SeenBy starts empty.
func NewMessageFields(senderID, text, imageURL string) Fields {
	return Fields{
		FieldSenderID:    senderID,
		FieldText:        text,
		FieldImageURL:    imageURL,
		FieldTimestamp:   ServerTimestamp,
		FieldDeliveredTo: []string{senderID},
		FieldSeenBy:      []string{},
	}
}

func RoomFromDoc(d Doc) Room {
	return Room{
		ID:        d.ID,
		Title:     stringField(d.Fields, FieldTitle),
		CreatedAt: timeField(d.Fields, FieldCreatedAt),
		Pinned:    boolField(d.Fields, FieldPinned),
	}
}

func ReadMarkerFromDoc(d Doc) ReadMarker {
	return ReadMarker{LastRead: timeField(d.Fields, FieldLastRead)}
}

func MuteFromDoc(d Doc) MuteFlag {
	return MuteFlag{Muted: boolField(d.Fields, FieldMuted)}
}

// TypingFromDoc decodes a typing flag; the document id is the user id.
func TypingFromDoc(d Doc) TypingFlag {
	return TypingFlag{
		UserID:    d.ID,
		Typing:    boolField(d.Fields, FieldTyping),
		UpdatedAt: timeField(d.Fields, FieldTimestamp),
	}
}

func stringField(f Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolField(f Fields, key string) bool {
	b, _ := f[key].(bool)
	return b
}

// timeField accepts both in-process time.Time values and RFC 3339 strings,
// the form times take after a trip through the wire codec.
func timeField(f Fields, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

// stringsField accepts []string and the []any form JSON decoding produces.
func stringsField(f Fields, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
