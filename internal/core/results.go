package core

import "github.com/mikey-austin/glassroll/pkg/roll"

// NodesResult holds a list of presence records.
type NodesResult struct {
	Nodes []roll.Presence
}

// StatusResult holds gallery presence and retained state.
type StatusResult struct {
	Gallery roll.Presence
	State   roll.GalleryState
}

// PositionResult holds the position reported by a gallery command.
type PositionResult struct {
	Gallery  roll.Presence
	Position roll.Position
}

// DeleteResult reports what a delete removed and where the cursor moved.
type DeleteResult struct {
	Gallery  roll.Presence
	Deleted  string
	Position roll.Position
}

// ListResult holds a page of the gallery index.
type ListResult struct {
	Gallery roll.Presence
	List    roll.GalleryListReply
}
