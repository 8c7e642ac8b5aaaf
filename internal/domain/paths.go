package domain

// Collection and document path layout, mirrored across every backend
// implementation. Messages and typing flags live under their room; read
// markers and mute flags live under the user so one subscription covers all
// of a user's rooms.

const RoomsCollection = "chatrooms"

func RoomPath(roomID string) string {
	return RoomsCollection + "/" + roomID
}

func MessagesCollection(roomID string) string {
	return RoomsCollection + "/" + roomID + "/messages"
}

func MessagePath(roomID, messageID string) string {
	return MessagesCollection(roomID) + "/" + messageID
}

func TypingCollection(roomID string) string {
	return RoomsCollection + "/" + roomID + "/typing"
}

func TypingPath(roomID, uid string) string {
	return TypingCollection(roomID) + "/" + uid
}

func ReadsCollection(uid string) string {
	return "reads/" + uid + "/rooms"
}

func ReadMarkerPath(uid, roomID string) string {
	return ReadsCollection(uid) + "/" + roomID
}

func MutesCollection(uid string) string {
	return "mutes/" + uid + "/rooms"
}

func MutePath(uid, roomID string) string {
	return MutesCollection(uid) + "/" + roomID
}
