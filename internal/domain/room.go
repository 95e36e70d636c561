package domain

// RoomID scopes group-call membership and host privilege. It is the chat
// group's id; this core never reads chat history through it.
type RoomID string
